// SPDX-License-Identifier: Apache-2.0

// Package blobstore persists exported evidence bundles. There is
// deliberately no Delete: an export, once written, is part of the
// record and outlives the database row that references it.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	// defaultMaxObjectSize bounds both writes and reads.
	defaultMaxObjectSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store is the write-once export sink for evidence bundles.
type Store interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxObjectSize bounds object bytes in both directions.
	// Defaults to 16 MiB when <= 0.
	MaxObjectSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

// S3Client is the slice of the AWS SDK the store needs, so tests can
// substitute a fake.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	maxSize := cfg.MaxObjectSize
	if maxSize <= 0 {
		maxSize = defaultMaxObjectSize
	}
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory, "":
		return newMemoryStore(cfg.Prefix, maxSize), nil
	case DriverS3:
		return newS3Store(cfg, maxSize)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// cleanKey validates and normalizes an export key. Keys are opaque
// path-ish strings; control characters and blank keys are rejected.
func cleanKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character in key", ErrInvalidKey)
		}
	}
	return key, nil
}

func withPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	maxSize int64
	objects map[string]memoryObject
}

type memoryObject struct {
	data      []byte
	writtenAt time.Time
}

func newMemoryStore(prefix string, maxSize int64) *memoryStore {
	return &memoryStore{
		prefix:  prefix,
		maxSize: maxSize,
		objects: make(map[string]memoryObject),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if int64(len(payload)) > m.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds max %d", ErrTooLarge, len(payload), m.maxSize)
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	m.mu.Lock()
	m.objects[withPrefix(m.prefix, k)] = memoryObject{data: data, writtenAt: time.Now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj, ok := m.objects[withPrefix(m.prefix, k)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}

	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	_, ok := m.objects[withPrefix(m.prefix, k)]
	m.mu.RUnlock()
	return ok, nil
}

type s3Store struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func newS3Store(cfg Config, maxSize int64) (*s3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Store{
		client:  cfg.S3Client,
		bucket:  bucket,
		prefix:  cfg.Prefix,
		maxSize: maxSize,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if int64(len(payload)) > s.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds max %d", ErrTooLarge, len(payload), s.maxSize)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(withPrefix(s.prefix, k)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", k, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, k)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, fmt.Errorf("blobstore/s3: get %q: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore/s3: read %q: %w", k, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("%w: %q exceeds max %d bytes", ErrTooLarge, k, s.maxSize)
	}
	return data, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, k)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/s3: head %q: %w", k, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
