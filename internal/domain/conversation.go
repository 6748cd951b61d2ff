package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationStatus string

const (
	ConversationPending    ConversationStatus = "pending"
	ConversationInProgress ConversationStatus = "in_progress"
	ConversationCompleted  ConversationStatus = "completed"
	ConversationFailed     ConversationStatus = "failed"
)

type CreateConversationParams struct {
	OrganizationID    uuid.UUID
	CreatedBy         string
	RecordingIntended bool
}

// Conversation is the mutable parent entity artifacts hang off. Only
// status and ended_at may ever change after creation, via the guarded
// update path.
type Conversation struct {
	ID             uuid.UUID          `json:"id"`
	OrganizationID uuid.UUID          `json:"organization_id"`
	Status         ConversationStatus `json:"status"`
	CreatedBy      string             `json:"created_by,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}
