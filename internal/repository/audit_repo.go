// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultAuditPageSize = 200

// AuditRepository is the append-only trail. There is no update or
// delete method and never will be; a failed append must fail the
// enclosing operation.
type AuditRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewAuditRepository(pool *pgxpool.Pool, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{
		pool:   pool,
		logger: logger,
	}
}

// Record appends one attributed entry in its own transaction.
func (r *AuditRepository) Record(ctx context.Context, actor domain.Actor, entry domain.AuditEntry) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.RecordTx(ctx, tx, actor, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordTx appends an entry inside the caller's transaction, so the
// audited state change and its attribution commit or roll back as one.
func (r *AuditRepository) RecordTx(ctx context.Context, tx pgx.Tx, actor domain.Actor, entry domain.AuditEntry) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if entry.Action == "" {
		return &domain.ValidationError{Field: "action", Reason: "required"}
	}
	if entry.ResourceType == "" {
		return &domain.ValidationError{Field: "resource_type", Reason: "required"}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO audit_entries
			(id, conversation_id, actor_type, actor_id, action, resource_type, resource_id, before, after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		uuid.New(),
		entry.ConversationID,
		actor.Type,
		nullableString(actor.ID),
		entry.Action,
		entry.ResourceType,
		nullableString(entry.ResourceID),
		entry.Before,
		entry.After,
	)
	if err != nil {
		r.logger.Error("audit append failed",
			"action", entry.Action,
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"error", err,
		)
		return fmt.Errorf("audit append: %w", err)
	}

	metrics.IncAuditEntry(entry.Action)
	return nil
}

// RecordError journals a structured failure. This is the system's only
// failure history: every catchable error affecting evidence or delivery
// lands here.
func (r *AuditRepository) RecordError(
	ctx context.Context,
	actor domain.Actor,
	conversationID *uuid.UUID,
	resourceType string,
	resourceID string,
	detail domain.ErrorDetail,
) error {
	after, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal error detail: %w", err)
	}

	return r.Record(ctx, actor, domain.AuditEntry{
		ConversationID: conversationID,
		Action:         domain.ActionError,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		After:          after,
	})
}

// RecordRejection journals a write the repository refused. The caller
// returns the rejection either way; a journal failure is logged and
// never masks it.
func (r *AuditRepository) RecordRejection(
	ctx context.Context,
	actor domain.Actor,
	conversationID *uuid.UUID,
	resourceType string,
	resourceID string,
	code string,
	cause error,
) {
	detail := domain.ErrorDetail{
		Code:     code,
		Severity: domain.SeverityMedium,
		Details:  cause.Error(),
	}
	if err := r.RecordError(ctx, actor, conversationID, resourceType, resourceID, detail); err != nil {
		r.logger.Error("failed to journal rejected write",
			"resource_type", resourceType,
			"code", code,
			"error", err,
		)
	}
}

// Query returns a page of a conversation's trail, created_at ascending
// on the server clock. Client ordering is never honored.
func (r *AuditRepository) Query(ctx context.Context, conversationID uuid.UUID, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > defaultAuditPageSize {
		limit = defaultAuditPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, actor_type, actor_id, action,
		       resource_type, resource_id, before, after, created_at
		FROM audit_entries
		WHERE conversation_id = $1
		  AND ($2 = '' OR action = $2)
		  AND ($3 = '' OR resource_type = $3)
		ORDER BY created_at ASC, id ASC
		LIMIT $4 OFFSET $5
	`, conversationID, filter.Action, filter.ResourceType, limit, offset)
	if err != nil {
		r.logger.Error("audit query failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, limit)
	for rows.Next() {
		var (
			e       domain.AuditEntry
			actorID *string
			resID   *string
		)
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &e.ActorType, &actorID, &e.Action,
			&e.ResourceType, &resID, &e.Before, &e.After, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if actorID != nil {
			e.ActorID = *actorID
		}
		if resID != nil {
			e.ResourceID = *resID
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// conversationRef maps the zero UUID to nil so rejection entries for
// requests that never named a conversation stay unscoped.
func conversationRef(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
