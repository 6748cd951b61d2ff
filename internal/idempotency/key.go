// SPDX-License-Identifier: Apache-2.0

// Package idempotency derives deterministic deduplication keys for
// event notifications, so a producer retrying its own request maps to
// the same delivery task instead of a duplicate.
package idempotency

import (
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const eventKeyPrefixV1 = "event"

// EventKeyV1 computes the canonical idempotency key for one logical
// event aimed at one target:
//
//	keccak256("event" || event_type || 0x00 || resource_id || 0x00 || target)
//
// hex-encoded. Distinct targets for the same event get distinct tasks.
func EventKeyV1(eventType string, resourceID uuid.UUID, target string) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventKeyPrefixV1))
	_, _ = h.Write([]byte(eventType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(resourceID[:])
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(target))
	return hex.EncodeToString(h.Sum(nil))
}
