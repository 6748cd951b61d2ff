// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
)

// Mutable-field allow-lists. Every UPDATE issued by this package goes
// through CheckMutable first; anything outside these sets is an
// ImmutabilityError, journaled by the caller.
var mutableFields = map[string]map[string]bool{
	"conversations": {
		"status":   true,
		"ended_at": true,
	},
	"artifacts": {
		"lifecycle_state": true,
		"deleted_at":      true,
	},
}

// CheckMutable validates that every requested field of a resource is on
// the mutability allow-list. Resources with no entry are fully locked.
func CheckMutable(resourceType, resourceID string, fields []string) error {
	allowed := mutableFields[resourceType]
	for _, f := range fields {
		if !allowed[f] {
			return &domain.ImmutabilityError{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Field:        f,
			}
		}
	}
	return nil
}
