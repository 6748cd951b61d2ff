// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/canonical"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ArtifactRepository struct {
	pool       *pgxpool.Pool
	audit      *AuditRepository
	provenance *ProvenanceRepository
	logger     *slog.Logger
}

func NewArtifactRepository(pool *pgxpool.Pool, audit *AuditRepository, provenance *ProvenanceRepository, logger *slog.Logger) *ArtifactRepository {
	return &ArtifactRepository{
		pool:       pool,
		audit:      audit,
		provenance: provenance,
		logger:     logger,
	}
}

// Create persists an artifact, its provenance edge, and its creation
// audit entry atomically. The conversation row is locked for the
// duration so version assignment under concurrent appends serializes.
// On any failure nothing is visible: no partial artifact without an
// edge, no edge without an audit entry.
func (r *ArtifactRepository) Create(ctx context.Context, actor domain.Actor, params domain.CreateArtifactParams) (*domain.Artifact, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		r.audit.RecordRejection(ctx, actor, conversationRef(params.ConversationID), "artifacts", "", "artifact_validation_rejected", err)
		return nil, err
	}

	contentHash, err := canonical.HashJSON(params.Payload)
	if err != nil {
		vErr := &domain.ValidationError{Field: "payload", Reason: "payload is not valid JSON"}
		r.audit.RecordRejection(ctx, actor, conversationRef(params.ConversationID), "artifacts", "", "artifact_validation_rejected", vErr)
		return nil, vErr
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockConversation(ctx, tx, params.ConversationID); err != nil {
		return nil, err
	}

	version := 1
	if params.ParentArtifactID != nil {
		parentVersion, parentType, err := r.parentInfo(ctx, tx, *params.ParentArtifactID)
		if err != nil {
			return nil, err
		}
		if parentType == params.Type {
			version = parentVersion + 1
		}
	}

	art := &domain.Artifact{
		ID:             uuid.New(),
		Type:           params.Type,
		ConversationID: params.ConversationID,
		Payload:        params.Payload,
		ContentHash:    contentHash,
		ProducedBy:     params.ProducedBy,
		Source:         params.Source,
		Version:        version,
		Lifecycle:      domain.LifecycleActive,
	}

	producedBy, err := json.Marshal(art.ProducedBy)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO artifacts
			(id, conversation_id, type, payload, content_hash, produced_by, source, version, lifecycle_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, art.ID, art.ConversationID, art.Type, art.Payload, art.ContentHash,
		producedBy, nullableString(string(art.Source)), art.Version, art.Lifecycle,
	).Scan(&art.CreatedAt)
	if err != nil {
		r.logger.Error("artifact insert failed", "type", art.Type, "error", err)
		return nil, err
	}

	edge := domain.ProvenanceEdge{
		ArtifactID:       art.ID,
		ParentArtifactID: params.ParentArtifactID,
		ProducedBy:       art.ProducedBy,
		InputRefs:        params.InputRefs,
		Version:          art.Version,
	}
	if err := r.provenance.linkTx(ctx, tx, edge, art.ConversationID); err != nil {
		return nil, err
	}

	after, _ := json.Marshal(art)
	entry := domain.AuditEntry{
		ConversationID: &art.ConversationID,
		Action:         domain.ActionCreate,
		ResourceType:   "artifacts",
		ResourceID:     art.ID.String(),
		After:          after,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.IncArtifact(string(art.Type))
	r.logger.Info("artifact created",
		"artifact_id", art.ID,
		"conversation_id", art.ConversationID,
		"type", art.Type,
		"version", art.Version,
		"content_hash", art.ContentHash,
	)
	return art, nil
}

// Get returns an artifact by id. Soft-deleted artifacts are not found
// unless includeDeleted is set; their provenance edges remain readable
// either way.
func (r *ArtifactRepository) Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (*domain.Artifact, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, conversation_id, type, payload, content_hash, produced_by,
		       source, version, lifecycle_state, created_at, deleted_at
		FROM artifacts
		WHERE id = $1
	`, id)
	art, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	if art.Lifecycle == domain.LifecycleSoftDeleted && !includeDeleted {
		return nil, domain.ErrArtifactNotFound
	}
	return art, nil
}

// ListByConversation returns a conversation's artifacts in creation
// order, skipping soft-deleted ones unless includeDeleted is set.
func (r *ArtifactRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, includeDeleted bool) ([]domain.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, type, payload, content_hash, produced_by,
		       source, version, lifecycle_state, created_at, deleted_at
		FROM artifacts
		WHERE conversation_id = $1
		  AND ($2 OR lifecycle_state = 'active')
		ORDER BY created_at ASC, id ASC
	`, conversationID, includeDeleted)
	if err != nil {
		r.logger.Error("artifact list failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *art)
	}
	return artifacts, rows.Err()
}

// SoftDelete marks an artifact deleted without touching its payload,
// hash, or provenance. Deleting a raw recording is always rejected and
// the rejection itself is journaled. Deleting twice is a no-op.
func (r *ArtifactRepository) SoftDelete(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Artifact, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := CheckMutable("artifacts", id.String(), []string{"lifecycle_state", "deleted_at"}); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, conversation_id, type, payload, content_hash, produced_by,
		       source, version, lifecycle_state, created_at, deleted_at
		FROM artifacts
		WHERE id = $1
		FOR UPDATE
	`, id)
	before, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}

	if !before.Type.Deletable() {
		tx.Rollback(ctx)
		immErr := &domain.ImmutabilityError{
			ResourceType: "artifacts",
			ResourceID:   id.String(),
			Field:        "lifecycle_state",
		}
		detail := domain.ErrorDetail{
			Code:     "recording_delete_rejected",
			Severity: domain.SeverityHigh,
			Details:  immErr.Error(),
		}
		if auditErr := r.audit.RecordError(ctx, actor, &before.ConversationID, "artifacts", id.String(), detail); auditErr != nil {
			r.logger.Error("failed to journal rejected delete", "artifact_id", id, "error", auditErr)
		}
		return nil, immErr
	}

	if before.Lifecycle == domain.LifecycleSoftDeleted {
		return before, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	after := *before
	after.Lifecycle = domain.LifecycleSoftDeleted
	after.DeletedAt = &now

	_, err = tx.Exec(ctx, `
		UPDATE artifacts
		SET lifecycle_state = $2, deleted_at = $3
		WHERE id = $1
	`, id, domain.LifecycleSoftDeleted, now)
	if err != nil {
		r.logger.Error("artifact soft delete failed", "artifact_id", id, "error", err)
		return nil, err
	}

	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	entry := domain.AuditEntry{
		ConversationID: &before.ConversationID,
		Action:         domain.ActionSoftDelete,
		ResourceType:   "artifacts",
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

func (r *ArtifactRepository) parentInfo(ctx context.Context, tx pgx.Tx, parentID uuid.UUID) (int, domain.ArtifactType, error) {
	var (
		version int
		typ     domain.ArtifactType
	)
	err := tx.QueryRow(ctx, `
		SELECT version, type FROM artifacts WHERE id = $1
	`, parentID).Scan(&version, &typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", &domain.ValidationError{Field: "parent_artifact_id", Reason: "parent artifact does not exist"}
	}
	if err != nil {
		return 0, "", err
	}
	return version, typ, nil
}

func scanArtifact(row pgx.Row) (*domain.Artifact, error) {
	var (
		art        domain.Artifact
		producedBy []byte
		source     *string
	)
	if err := row.Scan(&art.ID, &art.ConversationID, &art.Type, &art.Payload,
		&art.ContentHash, &producedBy, &source, &art.Version, &art.Lifecycle,
		&art.CreatedAt, &art.DeletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(producedBy, &art.ProducedBy); err != nil {
		return nil, err
	}
	if source != nil {
		art.Source = domain.Source(*source)
	}
	return &art, nil
}
