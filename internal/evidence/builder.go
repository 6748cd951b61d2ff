// SPDX-License-Identifier: Apache-2.0

// Package evidence assembles hash-chained bundles: closed, exportable
// snapshots of a conversation's artifacts and their chain of custody.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/blobstore"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/canonical"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/metrics"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/repository"
	"github.com/google/uuid"
)

// ConversationSource resolves the conversation a bundle closes over.
type ConversationSource interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
}

// ArtifactSource lists the artifacts eligible for bundling.
type ArtifactSource interface {
	Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (*domain.Artifact, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID, includeDeleted bool) ([]domain.Artifact, error)
}

// ProvenanceSource walks derivation chains for bundled artifacts.
type ProvenanceSource interface {
	Ancestors(ctx context.Context, artifactID uuid.UUID) ([]domain.ProvenanceEdge, error)
}

// AuditSource supplies the trail excerpt a bundle carries alongside
// the artifacts.
type AuditSource interface {
	Query(ctx context.Context, conversationID uuid.UUID, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// BundleSink persists finished bundles and assigns versions.
type BundleSink interface {
	Insert(ctx context.Context, actor domain.Actor, params repository.InsertBundleParams) (*domain.EvidenceBundle, error)
}

type Builder struct {
	conversations ConversationSource
	artifacts     ArtifactSource
	provenance    ProvenanceSource
	audit         AuditSource
	bundles       BundleSink
	store         blobstore.Store
	logger        *slog.Logger
}

func NewBuilder(conversations ConversationSource, artifacts ArtifactSource, provenance ProvenanceSource, audit AuditSource, bundles BundleSink, store blobstore.Store, logger *slog.Logger) *Builder {
	return &Builder{
		conversations: conversations,
		artifacts:     artifacts,
		provenance:    provenance,
		audit:         audit,
		bundles:       bundles,
		store:         store,
		logger:        logger,
	}
}

// BuildParams selects what goes into a bundle. With no explicit
// ArtifactIDs the bundle closes over every active artifact of the
// conversation.
type BuildParams struct {
	ConversationID uuid.UUID
	ArtifactIDs    []uuid.UUID
}

// bundleContent is the stored bundle payload. Hash covers only the
// conversation id and the artifact tuples, so rebuilding over the same
// artifact set reproduces the hash byte for byte regardless of when the
// build ran or which version it was assigned.
type bundleContent struct {
	ConversationID uuid.UUID               `json:"conversation_id"`
	Artifacts      []domain.BundleTuple    `json:"artifacts"`
	Provenance     []domain.ProvenanceEdge `json:"provenance"`
	AuditExcerpt   []domain.AuditEntry     `json:"audit_excerpt"`
	BundleHash     string                  `json:"bundle_hash,omitempty"`
	GeneratedAt    time.Time               `json:"generated_at"`
}

type hashInput struct {
	ConversationID uuid.UUID            `json:"conversation_id"`
	Artifacts      []domain.BundleTuple `json:"artifacts"`
}

// Build assembles, hashes, exports, and persists a bundle. All reads
// and the hash computation happen before any write, and the database
// insert is the last step, so a canceled or failed build leaves no
// partial bundle row behind.
func (b *Builder) Build(ctx context.Context, actor domain.Actor, params BuildParams) (*domain.EvidenceBundle, error) {
	start := time.Now()

	if _, err := b.conversations.Get(ctx, params.ConversationID); err != nil {
		return nil, err
	}

	artifacts, err := b.selectArtifacts(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, &domain.ValidationError{Field: "conversation_id", Reason: "no active artifacts to bundle"}
	}

	// Deterministic tuple order: creation order, id as tiebreaker.
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].ID.String() < artifacts[j].ID.String()
		}
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})

	tuples := make([]domain.BundleTuple, len(artifacts))
	refs := make([]domain.InputRef, len(artifacts))
	for i, art := range artifacts {
		tuples[i] = domain.BundleTuple{
			ArtifactID:  art.ID,
			ContentHash: art.ContentHash,
			ProducedBy:  art.ProducedBy,
			ProducedAt:  art.CreatedAt.UTC(),
		}
		refs[i] = domain.InputRef{Type: art.Type, ID: art.ID, Hash: art.ContentHash}
	}

	lineage, err := b.collectLineage(ctx, params.ConversationID, artifacts)
	if err != nil {
		return nil, err
	}

	// The trail excerpt documents custody inside the export. It is not
	// part of the hash: the trail keeps growing after the build, and
	// the hash must reproduce over the same artifact set.
	excerpt, err := b.audit.Query(ctx, params.ConversationID, domain.AuditFilter{})
	if err != nil {
		return nil, fmt.Errorf("audit excerpt: %w", err)
	}
	if excerpt == nil {
		excerpt = []domain.AuditEntry{}
	}

	bundleHash, err := canonical.HashValue(hashInput{
		ConversationID: params.ConversationID,
		Artifacts:      tuples,
	})
	if err != nil {
		return nil, fmt.Errorf("bundle hash: %w", err)
	}

	payload, err := canonical.Marshal(bundleContent{
		ConversationID: params.ConversationID,
		Artifacts:      tuples,
		Provenance:     lineage,
		AuditExcerpt:   excerpt,
		BundleHash:     bundleHash,
		GeneratedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("bundle payload: %w", err)
	}

	exportKey := exportKeyFor(params.ConversationID, bundleHash)
	if err := b.store.Put(ctx, exportKey, payload); err != nil {
		return nil, fmt.Errorf("bundle export: %w", err)
	}

	bundle, err := b.bundles.Insert(ctx, actor, repository.InsertBundleParams{
		ConversationID: params.ConversationID,
		ManifestRefs:   refs,
		BundlePayload:  json.RawMessage(payload),
		BundleHash:     bundleHash,
		ExportKey:      exportKey,
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveBundleBuildDuration(time.Since(start))
	b.logger.Info("evidence bundle built",
		"conversation_id", params.ConversationID,
		"bundle_id", bundle.ID,
		"version", bundle.Version,
		"artifact_count", len(tuples),
		"bundle_hash", bundleHash,
	)
	return bundle, nil
}

// selectArtifacts resolves either the explicit artifact list or every
// active artifact of the conversation. A named artifact that is missing
// or soft-deleted fails the whole build: a bundle never silently closes
// over a hole in the evidence.
func (b *Builder) selectArtifacts(ctx context.Context, params BuildParams) ([]domain.Artifact, error) {
	if len(params.ArtifactIDs) == 0 {
		return b.artifacts.ListByConversation(ctx, params.ConversationID, false)
	}

	artifacts := make([]domain.Artifact, 0, len(params.ArtifactIDs))
	for _, id := range params.ArtifactIDs {
		art, err := b.artifacts.Get(ctx, id, true)
		if err != nil {
			return nil, &domain.IncompleteEvidenceError{
				ConversationID: params.ConversationID,
				ArtifactID:     id,
				Reason:         "artifact not found",
			}
		}
		if art.ConversationID != params.ConversationID {
			return nil, &domain.IncompleteEvidenceError{
				ConversationID: params.ConversationID,
				ArtifactID:     id,
				Reason:         "artifact belongs to a different conversation",
			}
		}
		if art.Lifecycle == domain.LifecycleSoftDeleted {
			return nil, &domain.IncompleteEvidenceError{
				ConversationID: params.ConversationID,
				ArtifactID:     id,
				Reason:         "artifact is soft-deleted",
			}
		}
		artifacts = append(artifacts, *art)
	}
	return artifacts, nil
}

// collectLineage walks every bundled artifact's ancestry and returns
// the union of provenance edges, deduplicated and ordered by
// produced_at. An ancestor that was soft-deleted after its descendants
// were derived breaks the chain of custody and fails the build.
func (b *Builder) collectLineage(ctx context.Context, conversationID uuid.UUID, artifacts []domain.Artifact) ([]domain.ProvenanceEdge, error) {
	seen := make(map[uuid.UUID]bool, len(artifacts))
	var lineage []domain.ProvenanceEdge

	for _, art := range artifacts {
		chain, err := b.provenance.Ancestors(ctx, art.ID)
		if err != nil {
			return nil, err
		}
		for _, edge := range chain {
			if seen[edge.ArtifactID] {
				continue
			}
			seen[edge.ArtifactID] = true

			ancestor, err := b.artifacts.Get(ctx, edge.ArtifactID, true)
			if err != nil {
				return nil, &domain.IncompleteEvidenceError{
					ConversationID: conversationID,
					ArtifactID:     edge.ArtifactID,
					Reason:         "ancestor artifact not found",
				}
			}
			if ancestor.Lifecycle == domain.LifecycleSoftDeleted {
				return nil, &domain.IncompleteEvidenceError{
					ConversationID: conversationID,
					ArtifactID:     edge.ArtifactID,
					Reason:         "ancestor artifact is soft-deleted",
				}
			}
			lineage = append(lineage, edge)
		}
	}

	sort.Slice(lineage, func(i, j int) bool {
		if lineage[i].ProducedAt.Equal(lineage[j].ProducedAt) {
			return lineage[i].ArtifactID.String() < lineage[j].ArtifactID.String()
		}
		return lineage[i].ProducedAt.Before(lineage[j].ProducedAt)
	})
	if lineage == nil {
		lineage = []domain.ProvenanceEdge{}
	}
	return lineage, nil
}

// Verify recomputes a stored bundle's hash from its payload and reports
// whether it still matches. A mismatch means the stored payload was
// tampered with or corrupted.
func (b *Builder) Verify(bundle *domain.EvidenceBundle) (bool, error) {
	var content bundleContent
	if err := json.Unmarshal(bundle.BundlePayload, &content); err != nil {
		return false, fmt.Errorf("bundle payload decode: %w", err)
	}
	recomputed, err := canonical.HashValue(hashInput{
		ConversationID: content.ConversationID,
		Artifacts:      content.Artifacts,
	})
	if err != nil {
		return false, err
	}
	return recomputed == bundle.BundleHash, nil
}

func exportKeyFor(conversationID uuid.UUID, bundleHash string) string {
	digest := strings.TrimPrefix(bundleHash, canonical.HashVersion+":")
	return conversationID.String() + "/" + digest + ".json"
}
