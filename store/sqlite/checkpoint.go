package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
)

// SaveCheckpoint upserts a checkpoint keyed by (workflow_id, sequence).
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loom_checkpoints (workflow_id, sequence, id, snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_id, sequence) DO UPDATE SET
			id = excluded.id,
			snapshot = excluded.snapshot,
			created_at = excluded.created_at`,
		cp.WorkflowID.String(), cp.Sequence, cp.ID.String(),
		cp.Snapshot, cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a workflow.
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID id.WorkflowID) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, id, snapshot, created_at
		 FROM loom_checkpoints
		 WHERE workflow_id = ?
		 ORDER BY sequence DESC
		 LIMIT 1`,
		workflowID.String(),
	)
	cp, err := scanCheckpoint(row, workflowID)
	if isNoRows(err) {
		return nil, loom.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints for a workflow in ascending
// sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, workflowID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, id, snapshot, created_at
		 FROM loom_checkpoints
		 WHERE workflow_id = ?
		 ORDER BY sequence ASC`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows, workflowID)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/sqlite: list checkpoints: %w", err)
	}
	return result, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner, workflowID id.WorkflowID) (*checkpoint.Checkpoint, error) {
	var (
		seq      uint64
		rawID    string
		snapshot []byte
		created  string
	)
	if err := row.Scan(&seq, &rawID, &snapshot, &created); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("loom/sqlite: scan checkpoint: %w", err)
	}

	cpID, err := id.ParseCheckpointID(rawID)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: scan checkpoint id: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: scan checkpoint timestamp: %w", err)
	}

	return &checkpoint.Checkpoint{
		ID:         cpID,
		WorkflowID: workflowID,
		Sequence:   seq,
		Snapshot:   snapshot,
		CreatedAt:  createdAt,
	}, nil
}
