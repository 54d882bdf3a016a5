package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// SaveSnapshot upserts the cached snapshot for a workflow. The agents
// column mirrors the assigned agents so ListSnapshots can filter with the
// GIN index instead of decoding every snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *workflow.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("loom/postgres: encode snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO loom_snapshots (workflow_id, state, agents, snapshot, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workflow_id) DO UPDATE SET
			state = EXCLUDED.state,
			agents = EXCLUDED.agents,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		snap.WorkflowID.String(), string(snap.CurrentState), agentList(snap),
		data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the cached snapshot for a workflow.
func (s *Store) GetSnapshot(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM loom_snapshots WHERE workflow_id = $1`,
		workflowID.String(),
	).Scan(&data)
	if isNoRows(err) {
		return nil, loom.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: get snapshot: %w", err)
	}
	snap, err := workflow.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: decode snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns cached snapshots matching the options, ordered by
// workflow ID.
func (s *Store) ListSnapshots(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Snapshot, error) {
	q := `SELECT snapshot FROM loom_snapshots WHERE 1=1`
	var args []any
	if opts.State != "" {
		args = append(args, string(opts.State))
		q += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if opts.AgentID != "" {
		args = append(args, opts.AgentID)
		q += fmt.Sprintf(` AND agents @> ARRAY[$%d::text]`, len(args))
	}
	q += ` ORDER BY workflow_id ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("loom/postgres: list snapshots: %w", err)
		}
		snap, err := workflow.DecodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: decode snapshot: %w", err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: list snapshots: %w", err)
	}
	return result, nil
}

// agentList collects the distinct assigned agent IDs.
func agentList(snap *workflow.Snapshot) []string {
	seen := make(map[string]struct{}, len(snap.AssignedAgents))
	agents := make([]string, 0, len(snap.AssignedAgents))
	for _, a := range snap.AssignedAgents {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		agents = append(agents, a)
	}
	return agents
}
