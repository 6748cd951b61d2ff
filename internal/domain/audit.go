// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the ledger. ActionError doubles as the
// system's only failure log: there is no separate unstructured sink.
const (
	ActionCreate            = "create"
	ActionUpdate            = "update"
	ActionSoftDelete        = "soft_delete"
	ActionError             = "error"
	ActionBundleBuilt       = "bundle_built"
	ActionDeliveryEnqueued  = "delivery_enqueued"
	ActionDeliveryAttempted = "delivery_attempted"
	ActionDeliverySucceeded = "delivery_succeeded"
	ActionDeliveryFailed    = "delivery_failed"
	ActionDeliveryDiscarded = "delivery_discarded"
	ActionDeliveryForced    = "delivery_forced_retry"
	ActionRecordingIntent   = "intent:recording_requested"
	ActionManualReview      = "delivery_manual_review"
	ActionConversationEnded = "conversation_ended"
	ActionTargetRegistered  = "delivery_target_registered"
)

// AuditEntry is one append-only row of the audit trail. No update or
// delete path exists anywhere in the repository layer.
type AuditEntry struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	ActorType      ActorType       `json:"actor_type"`
	ActorID        string          `json:"actor_id,omitempty"`
	Action         string          `json:"action"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Before         json.RawMessage `json:"before,omitempty"`
	After          json.RawMessage `json:"after,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// ErrorDetail is the structured failure payload journaled on
// action=error audit entries.
type ErrorDetail struct {
	Code      string   `json:"code"`
	Severity  Severity `json:"severity"`
	Retriable bool     `json:"retriable"`
	Details   string   `json:"details,omitempty"`
}

// AuditFilter narrows a trail query. Ordering is always created_at
// ascending on the server clock; client ordering is never honored.
type AuditFilter struct {
	Action       string
	ResourceType string
	Limit        int
	Offset       int
}
