// SPDX-License-Identifier: Apache-2.0

// Package queue carries delivery wake signals between the API and the
// worker. The database is the source of truth for delivery tasks; the
// queue only shortens the latency between enqueue and first attempt,
// so every driver is allowed to lose messages.
package queue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
	DriverNone  = "none"

	maxSignalBytes = 1 << 20
)

// Signal is one wake notification.
type Signal struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Publisher emits wake signals. Failures are logged by callers and
// never fail the enqueue they accompany.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Listener surfaces wake signals to the worker.
type Listener interface {
	Signals() <-chan Signal
	Errors() <-chan error
	Close() error
}

type Config struct {
	Driver  string
	Brokers []string
	Group   string
	Topic   string

	// Stdio fields, used by tests and local runs.
	Reader io.Reader
	Writer io.Writer
}

func NewPublisher(cfg Config) (Publisher, error) {
	switch driver(cfg.Driver) {
	case DriverNone:
		return nopPublisher{}, nil
	case DriverStdio:
		return newStdioPublisher(cfg), nil
	case DriverKafka:
		return newKafkaPublisher(cfg)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func NewListener(ctx context.Context, cfg Config) (Listener, error) {
	switch driver(cfg.Driver) {
	case DriverNone:
		return newNopListener(), nil
	case DriverStdio:
		return newStdioListener(ctx, cfg), nil
	case DriverKafka:
		return newKafkaListener(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func driver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverNone
	}
	return v
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (nopPublisher) Close() error                                  { return nil }

// nopListener never signals; the worker falls back to its poll ticker.
type nopListener struct {
	sigCh chan Signal
	errCh chan error
	once  sync.Once
}

func newNopListener() *nopListener {
	return &nopListener{
		sigCh: make(chan Signal),
		errCh: make(chan error),
	}
}

func (l *nopListener) Signals() <-chan Signal { return l.sigCh }
func (l *nopListener) Errors() <-chan error   { return l.errCh }
func (l *nopListener) Close() error {
	l.once.Do(func() {
		close(l.sigCh)
		close(l.errCh)
	})
	return nil
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

func newKafkaPublisher(cfg Config) (Publisher, error) {
	brokers := trimList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	return &kafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (p *kafkaPublisher) Close() error { return p.writer.Close() }

type kafkaListener struct {
	reader *kafka.Reader
	sigCh  chan Signal
	errCh  chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaListener(parent context.Context, cfg Config) (Listener, error) {
	brokers := trimList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka listener requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka listener requires a topic")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "evidence-delivery"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: maxSignalBytes,
	})

	ctx, cancel := context.WithCancel(parent)
	l := &kafkaListener{
		reader: reader,
		sigCh:  make(chan Signal, 16),
		errCh:  make(chan error, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(ctx)
	return l, nil
}

func (l *kafkaListener) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.sigCh)
	defer close(l.errCh)

	for {
		// Wake signals carry no state worth replaying, so commit
		// eagerly with ReadMessage.
		km, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case l.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		sig := Signal{
			Topic:    km.Topic,
			Payload:  append([]byte(nil), km.Value...),
			Received: km.Time,
		}
		select {
		case l.sigCh <- sig:
		case <-ctx.Done():
			return
		}
	}
}

func (l *kafkaListener) Signals() <-chan Signal { return l.sigCh }
func (l *kafkaListener) Errors() <-chan error   { return l.errCh }

func (l *kafkaListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.reader.Close()
		<-l.done
	})
	return err
}

type stdioPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioPublisher(cfg Config) *stdioPublisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, _ string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	_, err := p.w.Write([]byte("\n"))
	return err
}

func (p *stdioPublisher) Close() error { return nil }

type stdioListener struct {
	sigCh  chan Signal
	errCh  chan error
	cancel context.CancelFunc
	once   sync.Once
}

func newStdioListener(parent context.Context, cfg Config) *stdioListener {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}

	ctx, cancel := context.WithCancel(parent)
	l := &stdioListener{
		sigCh:  make(chan Signal, 16),
		errCh:  make(chan error, 4),
		cancel: cancel,
	}
	go func() {
		defer close(l.sigCh)
		defer close(l.errCh)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1024), maxSignalBytes)
		for sc.Scan() {
			sig := Signal{
				Payload:  append([]byte(nil), sc.Bytes()...),
				Received: time.Now().UTC(),
			}
			select {
			case l.sigCh <- sig:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case l.errCh <- err:
			case <-ctx.Done():
			}
		}
	}()
	return l
}

func (l *stdioListener) Signals() <-chan Signal { return l.sigCh }
func (l *stdioListener) Errors() <-chan error   { return l.errCh }

func (l *stdioListener) Close() error {
	l.once.Do(func() { l.cancel() })
	return nil
}

func trimList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
