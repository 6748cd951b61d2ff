// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxAncestryDepth caps the recursive walk. Real chains are a handful
// of hops; anything deeper indicates corrupted data, not a real lineage.
const maxAncestryDepth = 64

type ProvenanceRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewProvenanceRepository(pool *pgxpool.Pool, logger *slog.Logger) *ProvenanceRepository {
	return &ProvenanceRepository{
		pool:   pool,
		logger: logger,
	}
}

// linkTx records the derivation edge for a freshly inserted artifact,
// inside the insert's own transaction. The parent must already exist in
// the same conversation, which makes the graph acyclic by construction.
// A second edge for the same artifact id is rejected by the primary key.
func (r *ProvenanceRepository) linkTx(ctx context.Context, tx pgx.Tx, edge domain.ProvenanceEdge, conversationID uuid.UUID) error {
	if edge.ParentArtifactID != nil {
		if *edge.ParentArtifactID == edge.ArtifactID {
			return &domain.ValidationError{Field: "parent_artifact_id", Reason: "artifact cannot derive from itself"}
		}
		var parentConversation uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT conversation_id FROM artifacts WHERE id = $1
		`, *edge.ParentArtifactID).Scan(&parentConversation)
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.ValidationError{Field: "parent_artifact_id", Reason: "parent artifact does not exist"}
		}
		if err != nil {
			return err
		}
		if parentConversation != conversationID {
			return &domain.ValidationError{Field: "parent_artifact_id", Reason: "parent belongs to a different conversation"}
		}
	}

	producedBy, err := json.Marshal(edge.ProducedBy)
	if err != nil {
		return err
	}
	refs := edge.InputRefs
	if refs == nil {
		refs = []domain.InputRef{}
	}
	inputRefs, err := json.Marshal(refs)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO provenance_edges (artifact_id, parent_artifact_id, produced_by, input_refs, version)
		VALUES ($1, $2, $3, $4, $5)
	`, edge.ArtifactID, edge.ParentArtifactID, producedBy, inputRefs, edge.Version)
	if err != nil {
		r.logger.Error("provenance link failed", "artifact_id", edge.ArtifactID, "error", err)
		return err
	}
	return nil
}

// Edge returns the single provenance edge recorded for an artifact.
func (r *ProvenanceRepository) Edge(ctx context.Context, artifactID uuid.UUID) (*domain.ProvenanceEdge, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT artifact_id, parent_artifact_id, produced_by, input_refs, version, produced_at
		FROM provenance_edges
		WHERE artifact_id = $1
	`, artifactID)
	edge, err := scanEdge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// Ancestors walks the parent chain from an artifact back toward its
// raw recording, nearest parent first. Soft-deleted ancestors are
// included: the chain of custody survives deletion of its members.
func (r *ProvenanceRepository) Ancestors(ctx context.Context, artifactID uuid.UUID) ([]domain.ProvenanceEdge, error) {
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE lineage AS (
			SELECT e.artifact_id, e.parent_artifact_id, e.produced_by, e.input_refs,
			       e.version, e.produced_at, 1 AS depth
			FROM provenance_edges e
			WHERE e.artifact_id = (
				SELECT parent_artifact_id FROM provenance_edges WHERE artifact_id = $1
			)
			UNION ALL
			SELECT e.artifact_id, e.parent_artifact_id, e.produced_by, e.input_refs,
			       e.version, e.produced_at, l.depth + 1
			FROM provenance_edges e
			JOIN lineage l ON e.artifact_id = l.parent_artifact_id
			WHERE l.depth < $2
		)
		SELECT artifact_id, parent_artifact_id, produced_by, input_refs, version, produced_at
		FROM lineage
		ORDER BY depth ASC
	`, artifactID, maxAncestryDepth)
	if err != nil {
		r.logger.Error("ancestry query failed", "artifact_id", artifactID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var edges []domain.ProvenanceEdge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, *edge)
	}
	return edges, rows.Err()
}

func scanEdge(row pgx.Row) (*domain.ProvenanceEdge, error) {
	var (
		edge       domain.ProvenanceEdge
		producedBy []byte
		inputRefs  []byte
	)
	if err := row.Scan(&edge.ArtifactID, &edge.ParentArtifactID, &producedBy,
		&inputRefs, &edge.Version, &edge.ProducedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(producedBy, &edge.ProducedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputRefs, &edge.InputRefs); err != nil {
		return nil, err
	}
	return &edge, nil
}
