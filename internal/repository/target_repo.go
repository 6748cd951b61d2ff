// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TargetRepository struct {
	pool   *pgxpool.Pool
	audit  *AuditRepository
	logger *slog.Logger
}

func NewTargetRepository(pool *pgxpool.Pool, audit *AuditRepository, logger *slog.Logger) *TargetRepository {
	return &TargetRepository{
		pool:   pool,
		audit:  audit,
		logger: logger,
	}
}

// Register records a webhook destination for an event type. Registering
// the same (event_type, url) pair again refreshes the secret instead of
// duplicating the row. The secret never appears in the audit entry.
func (r *TargetRepository) Register(ctx context.Context, actor domain.Actor, eventType, rawURL, secret string) (*domain.DeliveryTarget, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if eventType == "" {
		return nil, &domain.ValidationError{Field: "event_type", Reason: "required"}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &domain.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &domain.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	target := &domain.DeliveryTarget{
		EventType: eventType,
		URL:       rawURL,
		Secret:    secret,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO delivery_targets (id, event_type, url, secret)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT delivery_targets_unique
		DO UPDATE SET secret = EXCLUDED.secret
		RETURNING id, created_at
	`, uuid.New(), eventType, rawURL, nullableString(secret)).Scan(&target.ID, &target.CreatedAt)
	if err != nil {
		r.logger.Error("target register failed", "event_type", eventType, "error", err)
		return nil, err
	}

	after, _ := json.Marshal(target)
	entry := domain.AuditEntry{
		Action:       domain.ActionTargetRegistered,
		ResourceType: "delivery_targets",
		ResourceID:   target.ID.String(),
		After:        after,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.logger.Info("delivery target registered",
		"target_id", target.ID,
		"event_type", eventType,
		"url", rawURL,
	)
	return target, nil
}

// ForEvent returns every registered destination for an event type.
func (r *TargetRepository) ForEvent(ctx context.Context, eventType string) ([]domain.DeliveryTarget, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, url, secret, created_at
		FROM delivery_targets
		WHERE event_type = $1
		ORDER BY created_at ASC
	`, eventType)
	if err != nil {
		r.logger.Error("target lookup failed", "event_type", eventType, "error", err)
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

func (r *TargetRepository) List(ctx context.Context) ([]domain.DeliveryTarget, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, url, secret, created_at
		FROM delivery_targets
		ORDER BY event_type ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

// SecretFor returns the signing secret for a task's destination URL,
// empty when the target was registered without one.
func (r *TargetRepository) SecretFor(ctx context.Context, eventType, rawURL string) (string, error) {
	var secret *string
	err := r.pool.QueryRow(ctx, `
		SELECT secret FROM delivery_targets
		WHERE event_type = $1 AND url = $2
	`, eventType, rawURL).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", nil
	}
	return *secret, nil
}

func collectTargets(rows pgx.Rows) ([]domain.DeliveryTarget, error) {
	var targets []domain.DeliveryTarget
	for rows.Next() {
		var (
			t      domain.DeliveryTarget
			secret *string
		)
		if err := rows.Scan(&t.ID, &t.EventType, &t.URL, &secret, &t.CreatedAt); err != nil {
			return nil, err
		}
		if secret != nil {
			t.Secret = *secret
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
