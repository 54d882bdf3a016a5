package postgres

import (
	"context"
	"fmt"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
)

// SaveCheckpoint upserts a checkpoint keyed by (workflow_id, sequence).
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO loom_checkpoints (workflow_id, sequence, id, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workflow_id, sequence) DO UPDATE SET
			id = EXCLUDED.id,
			snapshot = EXCLUDED.snapshot,
			created_at = EXCLUDED.created_at`,
		cp.WorkflowID.String(), cp.Sequence, cp.ID.String(),
		cp.Snapshot, cp.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a workflow.
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID id.WorkflowID) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{WorkflowID: workflowID}
	var rawID string
	err := s.pool.QueryRow(ctx,
		`SELECT sequence, id, snapshot, created_at
		 FROM loom_checkpoints
		 WHERE workflow_id = $1
		 ORDER BY sequence DESC
		 LIMIT 1`,
		workflowID.String(),
	).Scan(&cp.Sequence, &rawID, &cp.Snapshot, &cp.CreatedAt)
	if isNoRows(err) {
		return nil, loom.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: latest checkpoint: %w", err)
	}

	cp.ID, err = id.ParseCheckpointID(rawID)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: latest checkpoint id: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints for a workflow in ascending
// sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, workflowID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, id, snapshot, created_at
		 FROM loom_checkpoints
		 WHERE workflow_id = $1
		 ORDER BY sequence ASC`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*checkpoint.Checkpoint
	for rows.Next() {
		cp := &checkpoint.Checkpoint{WorkflowID: workflowID}
		var rawID string
		if err := rows.Scan(&cp.Sequence, &rawID, &cp.Snapshot, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("loom/postgres: scan checkpoint: %w", err)
		}
		cp.ID, err = id.ParseCheckpointID(rawID)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan checkpoint id: %w", err)
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: list checkpoints: %w", err)
	}
	return result, nil
}
