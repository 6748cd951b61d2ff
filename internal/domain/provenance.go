// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// InputRef names one input that fed a derived artifact.
type InputRef struct {
	Type ArtifactType `json:"type"`
	ID   uuid.UUID    `json:"id"`
	Hash string       `json:"hash"`
}

// ProvenanceEdge links an artifact to the artifact it was derived from.
// Edges always point from a newer id to an already-persisted one, so the
// graph is acyclic by construction. One edge per artifact: amendments are
// new artifact versions, never new edges on the same id.
type ProvenanceEdge struct {
	ArtifactID       uuid.UUID  `json:"artifact_id"`
	ParentArtifactID *uuid.UUID `json:"parent_artifact_id,omitempty"`
	ProducedBy       Producer   `json:"produced_by"`
	InputRefs        []InputRef `json:"input_refs"`
	Version          int        `json:"version"`
	ProducedAt       time.Time  `json:"produced_at"`
}
