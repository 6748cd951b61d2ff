// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/evidence"
	"github.com/google/uuid"
)

type ConversationStore interface {
	Create(ctx context.Context, actor domain.Actor, params domain.CreateConversationParams) (*domain.Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	End(ctx context.Context, actor domain.Actor, id uuid.UUID, status domain.ConversationStatus) (*domain.Conversation, error)
}

type ArtifactStore interface {
	Create(ctx context.Context, actor domain.Actor, params domain.CreateArtifactParams) (*domain.Artifact, error)
	Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (*domain.Artifact, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID, includeDeleted bool) ([]domain.Artifact, error)
	SoftDelete(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Artifact, error)
}

type ProvenanceReader interface {
	Edge(ctx context.Context, artifactID uuid.UUID) (*domain.ProvenanceEdge, error)
	Ancestors(ctx context.Context, artifactID uuid.UUID) ([]domain.ProvenanceEdge, error)
}

type AuditReader interface {
	Query(ctx context.Context, conversationID uuid.UUID, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

type BundleReader interface {
	Latest(ctx context.Context, conversationID uuid.UUID) (*domain.EvidenceBundle, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.EvidenceBundle, error)
}

type BundleBuilder interface {
	Build(ctx context.Context, actor domain.Actor, params evidence.BuildParams) (*domain.EvidenceBundle, error)
}

type TargetAdmin interface {
	Register(ctx context.Context, actor domain.Actor, eventType, url, secret string) (*domain.DeliveryTarget, error)
	List(ctx context.Context) ([]domain.DeliveryTarget, error)
}

type TaskAdmin interface {
	Get(ctx context.Context, taskID uuid.UUID) (*domain.DeliveryTask, error)
	List(ctx context.Context, status domain.DeliveryStatus, limit, offset int) ([]domain.DeliveryTask, error)
	ForceRetry(ctx context.Context, actor domain.Actor, taskID uuid.UUID) (*domain.DeliveryTask, error)
	Discard(ctx context.Context, actor domain.Actor, taskID uuid.UUID, reason string) (*domain.DeliveryTask, error)
}

// EventNotifier fans a business event out into delivery tasks.
type EventNotifier interface {
	EventOccurred(ctx context.Context, actor domain.Actor, eventType string, resourceID uuid.UUID, payload json.RawMessage) ([]domain.DeliveryTask, error)
}
