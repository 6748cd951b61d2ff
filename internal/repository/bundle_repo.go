// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type BundleRepository struct {
	pool   *pgxpool.Pool
	audit  *AuditRepository
	logger *slog.Logger
}

func NewBundleRepository(pool *pgxpool.Pool, audit *AuditRepository, logger *slog.Logger) *BundleRepository {
	return &BundleRepository{
		pool:   pool,
		audit:  audit,
		logger: logger,
	}
}

// InsertBundleParams carries a fully computed bundle. Version and
// parent linkage are assigned here, under the conversation lock, so
// concurrent builds cannot race to the same version.
type InsertBundleParams struct {
	ConversationID uuid.UUID
	ManifestRefs   []domain.InputRef
	BundlePayload  json.RawMessage
	BundleHash     string
	ExportKey      string
}

// Insert persists a computed bundle as the conversation's next version.
// The previous latest bundle, if any, becomes the parent. Bundle row
// and bundle_built audit entry commit together.
func (r *BundleRepository) Insert(ctx context.Context, actor domain.Actor, params InsertBundleParams) (*domain.EvidenceBundle, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if len(params.BundlePayload) == 0 {
		return nil, &domain.ValidationError{Field: "bundle_payload", Reason: "required"}
	}
	if params.BundleHash == "" {
		return nil, &domain.ValidationError{Field: "bundle_hash", Reason: "required"}
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

	var (
		version  = 1
		parentID *uuid.UUID
	)
	var (
		latestID      uuid.UUID
		latestVersion int
	)
	err = tx.QueryRow(ctx, `
		SELECT id, version FROM evidence_bundles
		WHERE conversation_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, params.ConversationID).Scan(&latestID, &latestVersion)
	switch {
	case err == nil:
		version = latestVersion + 1
		parentID = &latestID
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, err
	}

	refs := params.ManifestRefs
	if refs == nil {
		refs = []domain.InputRef{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}

	bundle := &domain.EvidenceBundle{
		ID:             uuid.New(),
		ConversationID: params.ConversationID,
		ManifestRefs:   refs,
		BundlePayload:  params.BundlePayload,
		BundleHash:     params.BundleHash,
		ParentBundleID: parentID,
		Version:        version,
		ExportKey:      params.ExportKey,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO evidence_bundles
			(id, conversation_id, manifest_refs, bundle_payload, bundle_hash, parent_bundle_id, version, export_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, bundle.ID, bundle.ConversationID, refsJSON, bundle.BundlePayload,
		bundle.BundleHash, bundle.ParentBundleID, bundle.Version,
		nullableString(bundle.ExportKey),
	).Scan(&bundle.CreatedAt)
	if err != nil {
		r.logger.Error("bundle insert failed", "conversation_id", params.ConversationID, "error", err)
		return nil, err
	}

	after, _ := json.Marshal(bundle)
	entry := domain.AuditEntry{
		ConversationID: &bundle.ConversationID,
		Action:         domain.ActionBundleBuilt,
		ResourceType:   "evidence_bundles",
		ResourceID:     bundle.ID.String(),
		After:          after,
	}
	if err := r.audit.RecordTx(ctx, tx, actor, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.logger.Info("evidence bundle stored",
		"bundle_id", bundle.ID,
		"conversation_id", bundle.ConversationID,
		"version", bundle.Version,
		"bundle_hash", bundle.BundleHash,
	)
	return bundle, nil
}

// Latest returns the highest-version bundle for a conversation.
func (r *BundleRepository) Latest(ctx context.Context, conversationID uuid.UUID) (*domain.EvidenceBundle, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, conversation_id, manifest_refs, bundle_payload, bundle_hash,
		       parent_bundle_id, version, export_key, created_at
		FROM evidence_bundles
		WHERE conversation_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, conversationID)
	bundle, err := scanBundle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// Get returns one bundle by id.
func (r *BundleRepository) Get(ctx context.Context, id uuid.UUID) (*domain.EvidenceBundle, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, conversation_id, manifest_refs, bundle_payload, bundle_hash,
		       parent_bundle_id, version, export_key, created_at
		FROM evidence_bundles
		WHERE id = $1
	`, id)
	bundle, err := scanBundle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func scanBundle(row pgx.Row) (*domain.EvidenceBundle, error) {
	var (
		bundle    domain.EvidenceBundle
		refsJSON  []byte
		exportKey *string
	)
	if err := row.Scan(&bundle.ID, &bundle.ConversationID, &refsJSON,
		&bundle.BundlePayload, &bundle.BundleHash, &bundle.ParentBundleID,
		&bundle.Version, &exportKey, &bundle.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(refsJSON, &bundle.ManifestRefs); err != nil {
		return nil, err
	}
	if exportKey != nil {
		bundle.ExportKey = *exportKey
	}
	return &bundle, nil
}
