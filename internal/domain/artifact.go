// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ArtifactType string

const (
	ArtifactRecording         ArtifactType = "recording"
	ArtifactTranscriptVersion ArtifactType = "transcript_version"
	ArtifactEvidenceManifest  ArtifactType = "evidence_manifest"
	ArtifactEvidenceBundle    ArtifactType = "evidence_bundle"
	ArtifactScore             ArtifactType = "score"
	ArtifactSurveyResponse    ArtifactType = "survey_response"
	ArtifactTranslation       ArtifactType = "translation"
)

func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactRecording, ArtifactTranscriptVersion, ArtifactEvidenceManifest,
		ArtifactEvidenceBundle, ArtifactScore, ArtifactSurveyResponse, ArtifactTranslation:
		return true
	default:
		return false
	}
}

// Deletable reports whether the type may ever be soft-deleted.
// Raw recordings are the root of every chain of custody and stay forever.
func (t ArtifactType) Deletable() bool {
	return t != ArtifactRecording
}

// Source is the declared origin of a raw artifact. It is never inferred.
type Source string

const (
	SourceTelephony     Source = "telephony"
	SourceTranscription Source = "transcription"
	SourceTranslation   Source = "translation"
	SourceScoring       Source = "scoring"
	SourceOperator      Source = "operator"
)

func (s Source) Valid() bool {
	switch s {
	case SourceTelephony, SourceTranscription, SourceTranslation, SourceScoring, SourceOperator:
		return true
	default:
		return false
	}
}

type ProducerKind string

const (
	ProducerSystem ProducerKind = "system"
	ProducerHuman  ProducerKind = "human"
	ProducerModel  ProducerKind = "model"
)

// Producer is the tagged union attributing who or what produced an artifact.
type Producer struct {
	Kind      ProducerKind `json:"kind"`
	UserID    uuid.UUID    `json:"user_id,omitempty"`
	ModelName string       `json:"model_name,omitempty"`
}

func (p Producer) Validate() error {
	switch p.Kind {
	case ProducerSystem:
		return nil
	case ProducerHuman:
		if p.UserID == uuid.Nil {
			return &ValidationError{Field: "produced_by.user_id", Reason: "required for human producer"}
		}
		return nil
	case ProducerModel:
		if p.ModelName == "" {
			return &ValidationError{Field: "produced_by.model_name", Reason: "required for model producer"}
		}
		return nil
	default:
		return &ValidationError{Field: "produced_by.kind", Reason: "unknown producer kind"}
	}
}

// Artifact is one immutable recorded fact tied to a conversation.
// After creation only deleted_at may change, through the soft-delete path.
type Artifact struct {
	ID             uuid.UUID       `json:"id"`
	Type           ArtifactType    `json:"type"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	ContentHash    string          `json:"content_hash"`
	ProducedBy     Producer        `json:"produced_by"`
	Source         Source          `json:"source,omitempty"`
	Version        int             `json:"version"`
	Lifecycle      LifecycleState  `json:"lifecycle_state"`
	CreatedAt      time.Time       `json:"created_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// CreateArtifactParams is the full ingestion surface. There is deliberately
// no ID field: identifiers are generated server-side only.
type CreateArtifactParams struct {
	Type             ArtifactType
	ConversationID   uuid.UUID
	Payload          json.RawMessage
	ProducedBy       Producer
	Source           Source
	ParentArtifactID *uuid.UUID
	InputRefs        []InputRef
}

func (p CreateArtifactParams) Validate() error {
	if !p.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown artifact type"}
	}
	if p.ConversationID == uuid.Nil {
		return &ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if len(p.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if err := p.ProducedBy.Validate(); err != nil {
		return err
	}
	if p.Source != "" && !p.Source.Valid() {
		return &ValidationError{Field: "source", Reason: "unknown source"}
	}
	if p.Type == ArtifactRecording && p.Source == "" {
		return &ValidationError{Field: "source", Reason: "required for raw recordings"}
	}
	return nil
}
