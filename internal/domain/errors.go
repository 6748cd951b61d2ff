// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrConversationNotFound = errors.New("conversation not found")
var ErrArtifactNotFound = errors.New("artifact not found")
var ErrBundleNotFound = errors.New("evidence bundle not found")
var ErrTaskNotFound = errors.New("delivery task not found")

// ValidationError rejects malformed or forbidden input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ImmutabilityError rejects a mutation of a locked field. Never retried
// and always journaled: a rejected write is still a recorded event.
type ImmutabilityError struct {
	ResourceType string
	ResourceID   string
	Field        string
}

func (e *ImmutabilityError) Error() string {
	return fmt.Sprintf("immutable field %q on %s %s", e.Field, e.ResourceType, e.ResourceID)
}

// IncompleteEvidenceError means a bundle build referenced an artifact
// that is missing or soft-deleted. Surfaced to the caller, not retried.
type IncompleteEvidenceError struct {
	ConversationID uuid.UUID
	ArtifactID     uuid.UUID
	Reason         string
}

func (e *IncompleteEvidenceError) Error() string {
	return fmt.Sprintf("incomplete evidence for conversation %s: artifact %s: %s",
		e.ConversationID, e.ArtifactID, e.Reason)
}

// TransientDeliveryError marks an attempt that should be retried with
// backoff: network failures, timeouts, 5xx and 429 responses.
type TransientDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient delivery failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient delivery failure (status %d)", e.StatusCode)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError marks an attempt that must not be retried:
// 4xx responses other than 429. Escalated to operator triage.
type PermanentDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *PermanentDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent delivery failure (status %d)", e.StatusCode)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

func IsTransientDelivery(err error) bool {
	var t *TransientDeliveryError
	return errors.As(err, &t)
}

func IsPermanentDelivery(err error) bool {
	var p *PermanentDeliveryError
	return errors.As(err, &p)
}
