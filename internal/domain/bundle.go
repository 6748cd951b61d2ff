// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EvidenceBundle is a closed, exportable snapshot of one conversation's
// artifacts and their chain of custody. Bundles are versioned and never
// edited; a correction is version N+1 with ParentBundleID pointing at N.
type EvidenceBundle struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	ManifestRefs   []InputRef      `json:"manifest_refs"`
	BundlePayload  json.RawMessage `json:"bundle_payload"`
	BundleHash     string          `json:"bundle_hash"`
	ParentBundleID *uuid.UUID      `json:"parent_bundle_id,omitempty"`
	Version        int             `json:"version"`
	ExportKey      string          `json:"export_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BundleTuple is the per-artifact line item the bundle hash is computed
// over. Field order and naming are part of the v1 canonicalization rules
// and must not change without bumping the hash version prefix.
type BundleTuple struct {
	ArtifactID  uuid.UUID `json:"artifact_id"`
	ContentHash string    `json:"content_hash"`
	ProducedBy  Producer  `json:"produced_by"`
	ProducedAt  time.Time `json:"produced_at"`
}
