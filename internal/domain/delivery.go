// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryRetrying     DeliveryStatus = "retrying"
	DeliverySucceeded    DeliveryStatus = "succeeded"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryManualReview DeliveryStatus = "manual_review"
	DeliveryDiscarded    DeliveryStatus = "discarded"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryRetrying, DeliverySucceeded,
		DeliveryFailed, DeliveryManualReview, DeliveryDiscarded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further automated attempt may happen.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySucceeded || s == DeliveryDiscarded
}

// DeliveryTask is one durable "event occurred" notification owed to a
// target. Tasks are claimed with an expiring lease so a crashed worker's
// claim becomes available again.
type DeliveryTask struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Target         string          `json:"target"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	LockedBy       string          `json:"locked_by,omitempty"`
	LockedUntil    *time.Time      `json:"locked_until,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DeliveryTarget is a registered (event_type, url) webhook destination.
type DeliveryTarget struct {
	ID        uuid.UUID `json:"id"`
	EventType string    `json:"event_type"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type EnqueueParams struct {
	EventType      string
	Payload        json.RawMessage
	Target         string
	IdempotencyKey string
	MaxAttempts    int
}

func (p EnqueueParams) Validate() error {
	if p.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "required"}
	}
	if p.Target == "" {
		return &ValidationError{Field: "target", Reason: "required"}
	}
	if p.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	return nil
}
