// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/metrics"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/queue"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const claimBatchSize = 10

// TaskStore is the slice of the delivery repository the processor
// drives.
type TaskStore interface {
	ClaimDue(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]domain.DeliveryTask, error)
	MarkSucceeded(ctx context.Context, actor domain.Actor, workerID string, taskID uuid.UUID) error
	MarkRetrying(ctx context.Context, workerID string, taskID uuid.UUID, nextRetryAt time.Time, lastError string) (*domain.DeliveryTask, error)
	MarkFailed(ctx context.Context, actor domain.Actor, workerID string, taskID uuid.UUID, lastError string) error
	MarkManualReview(ctx context.Context, actor domain.Actor, workerID string, taskID uuid.UUID, lastError string) error
}

// SecretSource resolves the signing secret for a task's destination.
type SecretSource interface {
	SecretFor(ctx context.Context, eventType, url string) (string, error)
}

// AttemptJournal records every attempt in the audit trail.
type AttemptJournal interface {
	Record(ctx context.Context, actor domain.Actor, entry domain.AuditEntry) error
}

type ProcessorConfig struct {
	WorkerID       string
	Workers        int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	LeaseTTL       time.Duration
	Backoff        BackoffPolicy
}

// Processor drains due delivery tasks. Several workers share one
// processor; each claims its own lease-stamped batch, so a task is
// attempted by at most one worker at a time.
type Processor struct {
	cfg      ProcessorConfig
	store    TaskStore
	secrets  SecretSource
	journal  AttemptJournal
	sender   *Sender
	listener queue.Listener
	logger   *slog.Logger
}

func NewProcessor(cfg ProcessorConfig, store TaskStore, secrets SecretSource, journal AttemptJournal, sender *Sender, listener queue.Listener, logger *slog.Logger) *Processor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "delivery-" + uuid.NewString()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Processor{
		cfg:      cfg,
		store:    store,
		secrets:  secrets,
		journal:  journal,
		sender:   sender,
		listener: listener,
		logger:   logger,
	}
}

// Run blocks until ctx is canceled. Workers wake on the poll ticker or
// on a queue signal, whichever comes first.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		g.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) runWorker(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// A closed channel is permanently ready in a select. Nil out each
	// listener channel once it closes so polling alone drives the loop.
	signals := p.listener.Signals()
	listenerErrs := p.listener.Errors()

	for {
		processed, err := p.ProcessBatch(ctx, workerID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Error("delivery batch failed", "worker_id", workerID, "error", err)
		}
		if processed > 0 {
			// Drain immediately while work is flowing.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
		case err, ok := <-listenerErrs:
			if !ok {
				listenerErrs = nil
				continue
			}
			if err != nil {
				p.logger.Warn("queue listener error", "worker_id", workerID, "error", err)
			}
		}
	}
}

// ProcessBatch claims and attempts one batch. Returns how many tasks
// were attempted.
func (p *Processor) ProcessBatch(ctx context.Context, workerID string) (int, error) {
	tasks, err := p.store.ClaimDue(ctx, workerID, claimBatchSize, p.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		if err := p.processTask(ctx, workerID, task); err != nil {
			if errors.Is(err, context.Canceled) {
				return 0, err
			}
			p.logger.Error("delivery task processing failed",
				"worker_id", workerID,
				"task_id", task.ID,
				"error", err,
			)
		}
	}
	return len(tasks), nil
}

func (p *Processor) processTask(ctx context.Context, workerID string, task domain.DeliveryTask) error {
	actor := domain.SystemActor(workerID)

	secret, err := p.secrets.SecretFor(ctx, task.EventType, task.Target)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	sendErr := p.sender.Send(attemptCtx, task, secret)
	cancel()

	if errors.Is(sendErr, context.Canceled) && ctx.Err() != nil {
		// Shutdown mid-attempt: leave the task leased, the lease
		// will lapse and another worker will retry.
		return ctx.Err()
	}

	attempt := task.AttemptCount + 1
	outcome := classifyOutcome(attemptCtx, sendErr)
	metrics.IncDeliveryAttempt(outcome)
	p.journalAttempt(ctx, actor, task, attempt, outcome, sendErr)

	var transitionErr error
	switch {
	case sendErr == nil:
		transitionErr = p.store.MarkSucceeded(ctx, actor, workerID, task.ID)

	case domain.IsPermanentDelivery(sendErr):
		transitionErr = p.store.MarkManualReview(ctx, actor, workerID, task.ID, sendErr.Error())

	case attempt >= task.MaxAttempts:
		p.logger.Error("delivery attempts exhausted",
			"task_id", task.ID,
			"target", task.Target,
			"attempts", attempt,
		)
		transitionErr = p.store.MarkFailed(ctx, actor, workerID, task.ID, sendErr.Error())

	default:
		// Backoff counts completed attempts, so the first failure
		// waits exactly the base delay.
		next := p.cfg.Backoff.NextRetryAt(time.Now().UTC(), task.AttemptCount)
		_, transitionErr = p.store.MarkRetrying(ctx, workerID, task.ID, next, sendErr.Error())
	}

	if errors.Is(transitionErr, repository.ErrLeaseLost) {
		// Whoever holds the lease now owns the outcome.
		p.logger.Warn("lease lost after attempt", "task_id", task.ID, "worker_id", workerID)
		return nil
	}
	return transitionErr
}

// journalAttempt appends one delivery_attempted entry. Every attempt
// leaves a trace whatever its outcome.
func (p *Processor) journalAttempt(ctx context.Context, actor domain.Actor, task domain.DeliveryTask, attempt int, outcome string, sendErr error) {
	detail := map[string]any{
		"task_id":    task.ID,
		"event_type": task.EventType,
		"target":     task.Target,
		"attempt":    attempt,
		"outcome":    outcome,
	}
	if sendErr != nil {
		detail["error"] = sendErr.Error()
	}
	after, err := json.Marshal(detail)
	if err != nil {
		return
	}
	entry := domain.AuditEntry{
		Action:       domain.ActionDeliveryAttempted,
		ResourceType: "delivery_tasks",
		ResourceID:   task.ID.String(),
		After:        after,
	}
	if err := p.journal.Record(ctx, actor, entry); err != nil {
		p.logger.Error("attempt journal failed", "task_id", task.ID, "error", err)
	}
}

func classifyOutcome(attemptCtx context.Context, sendErr error) string {
	switch {
	case sendErr == nil:
		return "succeeded"
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return "timeout"
	case domain.IsPermanentDelivery(sendErr):
		return "permanent"
	default:
		return "transient"
	}
}
