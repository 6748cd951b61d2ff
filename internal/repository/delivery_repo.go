// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLeaseLost means a state transition was attempted by a worker whose
// lease on the task has lapsed or been taken over. The attempt's outcome
// is dropped; whoever holds the lease now owns the task.
var ErrLeaseLost = errors.New("delivery lease lost")

const deliveryTaskColumns = `
	id, idempotency_key, event_type, payload, target, status,
	attempt_count, max_attempts, next_retry_at, locked_by, locked_until,
	last_error, created_at, updated_at`

type DeliveryRepository struct {
	pool   *pgxpool.Pool
	audit  *AuditRepository
	logger *slog.Logger
}

func NewDeliveryRepository(pool *pgxpool.Pool, audit *AuditRepository, logger *slog.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		pool:   pool,
		audit:  audit,
		logger: logger,
	}
}

// Enqueue persists one delivery obligation. The idempotency key makes
// this safe to call twice for the same business event: a live duplicate
// is returned as-is, while a key whose prior task already ran to failed
// or discarded is re-armed from attempt zero. The bool reports whether
// a new obligation was created or re-armed.
func (r *DeliveryRepository) Enqueue(ctx context.Context, actor domain.Actor, params domain.EnqueueParams) (*domain.DeliveryTask, bool, error) {
	if err := actor.Validate(); err != nil {
		return nil, false, err
	}
	if err := params.Validate(); err != nil {
		r.audit.RecordRejection(ctx, actor, nil, "delivery_tasks", "", "delivery_enqueue_rejected", err)
		return nil, false, err
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO delivery_tasks
			(id, idempotency_key, event_type, payload, target, status, max_attempts, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING`+deliveryTaskColumns,
		uuid.New(), params.IdempotencyKey, params.EventType,
		params.Payload, params.Target, maxAttempts)

	task, err := scanDeliveryTask(row)
	switch {
	case err == nil:
		// Fresh obligation.
	case errors.Is(err, pgx.ErrNoRows):
		task, err = r.dedupe(ctx, tx, params.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if task != nil {
			return task, false, tx.Commit(ctx)
		}
		// Prior task is failed: same event owed again.
		row := tx.QueryRow(ctx, `
			UPDATE delivery_tasks
			SET status = 'pending', attempt_count = 0, next_retry_at = NOW(),
			    locked_by = NULL, locked_until = NULL, last_error = NULL,
			    updated_at = NOW()
			WHERE idempotency_key = $1
			RETURNING`+deliveryTaskColumns, params.IdempotencyKey)
		task, err = scanDeliveryTask(row)
		if err != nil {
			return nil, false, err
		}
	default:
		r.logger.Error("delivery enqueue failed", "event_type", params.EventType, "error", err)
		return nil, false, err
	}

	after, _ := json.Marshal(task)
	entry := domain.AuditEntry{
		Action:       domain.ActionDeliveryEnqueued,
		ResourceType: "delivery_tasks",
		ResourceID:   task.ID.String(),
		After:        after,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	metrics.IncDeliveryStatus(string(domain.DeliveryPending))
	r.logger.Info("delivery task enqueued",
		"task_id", task.ID,
		"event_type", task.EventType,
		"target", task.Target,
	)
	return task, true, nil
}

// dedupe returns the existing task for a key, or nil when the prior
// task is failed and may be re-armed. A discarded task is terminal:
// re-enqueueing its key is a no-op returning the discarded record.
func (r *DeliveryRepository) dedupe(ctx context.Context, tx pgx.Tx, key string) (*domain.DeliveryTask, error) {
	row := tx.QueryRow(ctx, `
		SELECT`+deliveryTaskColumns+`
		FROM delivery_tasks
		WHERE idempotency_key = $1
		FOR UPDATE
	`, key)
	task, err := scanDeliveryTask(row)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.DeliveryFailed {
		return nil, nil
	}
	return task, nil
}

// ClaimDue leases up to limit due tasks for one worker. SKIP LOCKED
// keeps concurrent claimers from blocking each other, and an expired
// locked_until counts as unclaimed, so a crashed worker's tasks come
// back automatically once the lease lapses.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]domain.DeliveryTask, error) {
	if workerID == "" {
		return nil, &domain.ValidationError{Field: "worker_id", Reason: "required"}
	}
	if limit <= 0 {
		limit = 1
	}

	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM delivery_tasks
			WHERE status IN ('pending', 'retrying')
			  AND next_retry_at <= NOW()
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_tasks t
		SET locked_by = $1, locked_until = NOW() + $3, updated_at = NOW()
		FROM due
		WHERE t.id = due.id
		RETURNING t.id, t.idempotency_key, t.event_type, t.payload, t.target, t.status,
		          t.attempt_count, t.max_attempts, t.next_retry_at, t.locked_by, t.locked_until,
		          t.last_error, t.created_at, t.updated_at
	`, workerID, limit, leaseTTL)
	if err != nil {
		r.logger.Error("claim query failed", "worker_id", workerID, "error", err)
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	var tasks []domain.DeliveryTask
	for rows.Next() {
		task, err := scanDeliveryTask(rows)
		if err != nil {
			return nil, err
		}
		metrics.ObserveClaimLatency(now.Sub(task.NextRetryAt))
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// MarkSucceeded finishes a leased task. The terminal row keeps its
// attempt count as the permanent record of how hard delivery was.
func (r *DeliveryRepository) MarkSucceeded(ctx context.Context, actor domain.Actor, workerID string, taskID uuid.UUID) error {
	return r.finishLeased(ctx, actor, workerID, taskID,
		domain.DeliverySucceeded, domain.ActionDeliverySucceeded, "", nil)
}

// MarkRetrying schedules a leased task's next attempt after a transient
// failure. The lease is released so any worker may pick it up when due.
func (r *DeliveryRepository) MarkRetrying(ctx context.Context, workerID string, taskID uuid.UUID, nextRetryAt time.Time, lastError string) (*domain.DeliveryTask, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE delivery_tasks
		SET status = 'retrying', attempt_count = attempt_count + 1,
		    next_retry_at = $3, last_error = $4,
		    locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
		RETURNING`+deliveryTaskColumns,
		taskID, workerID, nextRetryAt, nullableString(lastError))
	task, err := scanDeliveryTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, err
	}
	metrics.IncDeliveryStatus(string(domain.DeliveryRetrying))
	return task, nil
}

// MarkFailed ends automated retries after the attempt budget is spent.
// Failed tasks stay queryable and can be force-retried by an operator.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, actor domain.Actor, workerID string, taskID uuid.UUID, lastError string) error {
	return r.finishLeased(ctx, actor, workerID, taskID,
		domain.DeliveryFailed, domain.ActionDeliveryFailed, lastError,
		&domain.ErrorDetail{
			Code:      "delivery_attempts_exhausted",
			Severity:  domain.SeverityHigh,
			Retriable: false,
			Details:   lastError,
		})
}

// MarkManualReview parks a leased task for operator triage after a
// permanent failure. No automated attempt will touch it again.
func (r *DeliveryRepository) MarkManualReview(ctx context.Context, actor domain.Actor, workerID string, taskID uuid.UUID, lastError string) error {
	return r.finishLeased(ctx, actor, workerID, taskID,
		domain.DeliveryManualReview, domain.ActionManualReview, lastError,
		&domain.ErrorDetail{
			Code:      "delivery_permanently_rejected",
			Severity:  domain.SeverityHigh,
			Retriable: false,
			Details:   lastError,
		})
}

func (r *DeliveryRepository) finishLeased(ctx context.Context, actor domain.Actor, workerID string, taskID uuid.UUID, status domain.DeliveryStatus, action string, lastError string, detail *domain.ErrorDetail) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	// The attempt that produced this terminal state counts too.
	row := tx.QueryRow(ctx, `
		UPDATE delivery_tasks
		SET status = $3, attempt_count = attempt_count + 1,
		    last_error = COALESCE($4, last_error),
		    locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
		RETURNING`+deliveryTaskColumns,
		taskID, workerID, status, nullableString(lastError))
	task, err := scanDeliveryTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}

	after, _ := json.Marshal(task)
	entry := domain.AuditEntry{
		Action:       action,
		ResourceType: "delivery_tasks",
		ResourceID:   taskID.String(),
		After:        after,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return err
	}

	// Terminal failures also land in the failure history with the
	// structured detail, alongside the state transition entry.
	if detail != nil {
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		errEntry := domain.AuditEntry{
			Action:       domain.ActionError,
			ResourceType: "delivery_tasks",
			ResourceID:   taskID.String(),
			After:        detailJSON,
		}
		if err := r.audit.RecordTx(ctx, tx, actor, errEntry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.IncDeliveryStatus(string(status))
	return nil
}

// ForceRetry is the operator override: it re-arms a failed or
// manual_review task from attempt zero. Succeeded and discarded tasks
// are terminal and never re-run through this path.
func (r *DeliveryRepository) ForceRetry(ctx context.Context, actor domain.Actor, taskID uuid.UUID) (*domain.DeliveryTask, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	return r.operatorTransition(ctx, actor, taskID,
		[]domain.DeliveryStatus{domain.DeliveryFailed, domain.DeliveryManualReview},
		`UPDATE delivery_tasks
		 SET status = 'pending', attempt_count = 0, next_retry_at = NOW(),
		     locked_by = NULL, locked_until = NULL, last_error = NULL, updated_at = NOW()
		 WHERE id = $1
		 RETURNING`+deliveryTaskColumns,
		domain.ActionDeliveryForced, domain.DeliveryPending)
}

// Discard is the operator decision to stop owing a delivery. Terminal
// and always audited with the operator's reason.
func (r *DeliveryRepository) Discard(ctx context.Context, actor domain.Actor, taskID uuid.UUID, reason string) (*domain.DeliveryTask, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		vErr := &domain.ValidationError{Field: "reason", Reason: "required"}
		r.audit.RecordRejection(ctx, actor, nil, "delivery_tasks", taskID.String(), "delivery_discard_rejected", vErr)
		return nil, vErr
	}
	return r.operatorTransition(ctx, actor, taskID,
		[]domain.DeliveryStatus{domain.DeliveryPending, domain.DeliveryRetrying, domain.DeliveryFailed, domain.DeliveryManualReview},
		`UPDATE delivery_tasks
		 SET status = 'discarded', last_error = $2,
		     locked_by = NULL, locked_until = NULL, updated_at = NOW()
		 WHERE id = $1
		 RETURNING`+deliveryTaskColumns,
		domain.ActionDeliveryDiscarded, domain.DeliveryDiscarded, reason)
}

func (r *DeliveryRepository) operatorTransition(ctx context.Context, actor domain.Actor, taskID uuid.UUID, from []domain.DeliveryStatus, updateSQL string, action string, to domain.DeliveryStatus, extraArgs ...any) (*domain.DeliveryTask, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT`+deliveryTaskColumns+`
		FROM delivery_tasks
		WHERE id = $1
		FOR UPDATE
	`, taskID)
	before, err := scanDeliveryTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, s := range from {
		if before.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		vErr := &domain.ValidationError{
			Field:  "status",
			Reason: "task is " + string(before.Status) + ", cannot transition to " + string(to),
		}
		r.audit.RecordRejection(ctx, actor, nil, "delivery_tasks", taskID.String(), "delivery_transition_rejected", vErr)
		return nil, vErr
	}

	args := append([]any{taskID}, extraArgs...)
	task, err := scanDeliveryTask(tx.QueryRow(ctx, updateSQL, args...))
	if err != nil {
		return nil, err
	}

	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(task)
	entry := domain.AuditEntry{
		Action:       action,
		ResourceType: "delivery_tasks",
		ResourceID:   taskID.String(),
		Before:       beforeJSON,
		After:        afterJSON,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.IncDeliveryStatus(string(to))
	r.logger.Info("operator task transition",
		"task_id", taskID,
		"from", before.Status,
		"to", to,
		"actor_type", actor.Type,
		"actor_id", actor.ID,
	)
	return task, nil
}

func (r *DeliveryRepository) Get(ctx context.Context, taskID uuid.UUID) (*domain.DeliveryTask, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT`+deliveryTaskColumns+`
		FROM delivery_tasks
		WHERE id = $1
	`, taskID)
	task, err := scanDeliveryTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

// List returns tasks filtered by status, newest activity first. An
// empty status lists everything.
func (r *DeliveryRepository) List(ctx context.Context, status domain.DeliveryStatus, limit, offset int) ([]domain.DeliveryTask, error) {
	if status != "" && !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown delivery status"}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT`+deliveryTaskColumns+`
		FROM delivery_tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.DeliveryTask
	for rows.Next() {
		task, err := scanDeliveryTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanDeliveryTask(row pgx.Row) (*domain.DeliveryTask, error) {
	var (
		task      domain.DeliveryTask
		lockedBy  *string
		lastError *string
	)
	if err := row.Scan(&task.ID, &task.IdempotencyKey, &task.EventType,
		&task.Payload, &task.Target, &task.Status, &task.AttemptCount,
		&task.MaxAttempts, &task.NextRetryAt, &lockedBy, &task.LockedUntil,
		&lastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if lockedBy != nil {
		task.LockedBy = *lockedBy
	}
	if lastError != nil {
		task.LastError = *lastError
	}
	return &task, nil
}
