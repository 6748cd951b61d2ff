// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConversationRepository struct {
	pool   *pgxpool.Pool
	audit  *AuditRepository
	logger *slog.Logger
}

func NewConversationRepository(pool *pgxpool.Pool, audit *AuditRepository, logger *slog.Logger) *ConversationRepository {
	return &ConversationRepository{
		pool:   pool,
		audit:  audit,
		logger: logger,
	}
}

// Create inserts a conversation and its creation audit entry in one
// transaction. When recording was requested up front, the request
// itself is journaled before any recording artifact exists.
func (r *ConversationRepository) Create(ctx context.Context, actor domain.Actor, params domain.CreateConversationParams) (*domain.Conversation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	conv := &domain.Conversation{
		ID:             uuid.New(),
		OrganizationID: params.OrganizationID,
		Status:         domain.ConversationPending,
		CreatedBy:      params.CreatedBy,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, organization_id, status, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, conv.ID, conv.OrganizationID, conv.Status, nullableString(conv.CreatedBy)).Scan(&conv.CreatedAt)
	if err != nil {
		r.logger.Error("conversation insert failed", "error", err)
		return nil, err
	}

	after, _ := json.Marshal(conv)
	entry := domain.AuditEntry{
		ConversationID: &conv.ID,
		Action:         domain.ActionCreate,
		ResourceType:   "conversations",
		ResourceID:     conv.ID.String(),
		After:          after,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return nil, err
	}

	if params.RecordingIntended {
		intent := domain.AuditEntry{
			ConversationID: &conv.ID,
			Action:         domain.ActionRecordingIntent,
			ResourceType:   "conversations",
			ResourceID:     conv.ID.String(),
		}
		if err := r.audit.RecordTx(ctx, tx, actor, intent); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"organization_id", conv.OrganizationID,
		"actor_type", actor.Type,
	)
	return conv, nil
}

func (r *ConversationRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var (
		conv      domain.Conversation
		createdBy *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, status, created_by, started_at, ended_at, created_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&conv.ID, &conv.OrganizationID, &conv.Status, &createdBy,
		&conv.StartedAt, &conv.EndedAt, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if createdBy != nil {
		conv.CreatedBy = *createdBy
	}
	return &conv, nil
}

// End closes a conversation: the only mutation conversations support
// after creation, limited to status and ended_at by the guard. Ending
// an already-ended conversation is a no-op.
func (r *ConversationRepository) End(ctx context.Context, actor domain.Actor, id uuid.UUID, status domain.ConversationStatus) (*domain.Conversation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if status != domain.ConversationCompleted && status != domain.ConversationFailed {
		vErr := &domain.ValidationError{Field: "status", Reason: "conversation can only end as completed or failed"}
		r.audit.RecordRejection(ctx, actor, &id, "conversations", id.String(), "conversation_end_rejected", vErr)
		return nil, vErr
	}
	if err := CheckMutable("conversations", id.String(), []string{"status", "ended_at"}); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	before, err := lockConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if before.EndedAt != nil {
		return before, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	after := *before
	after.Status = status
	after.EndedAt = &now

	_, err = tx.Exec(ctx, `
		UPDATE conversations
		SET status = $2, ended_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, now)
	if err != nil {
		r.logger.Error("conversation end failed", "conversation_id", id, "error", err)
		return nil, err
	}

	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	entry := domain.AuditEntry{
		ConversationID: &id,
		Action:         domain.ActionConversationEnded,
		ResourceType:   "conversations",
		ResourceID:     id.String(),
		Before:         beforeJSON,
		After:          afterJSON,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &after, nil
}

// lockConversation loads a conversation under FOR UPDATE so concurrent
// writers that append artifacts or end the conversation serialize on
// the row.
func lockConversation(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Conversation, error) {
	var (
		conv      domain.Conversation
		createdBy *string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, organization_id, status, created_by, started_at, ended_at, created_at
		FROM conversations
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&conv.ID, &conv.OrganizationID, &conv.Status, &createdBy,
		&conv.StartedAt, &conv.EndedAt, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if createdBy != nil {
		conv.CreatedBy = *createdBy
	}
	return &conv, nil
}
