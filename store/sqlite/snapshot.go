package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// SaveSnapshot upserts the cached snapshot for a workflow. The agents
// column holds a comma-joined list of assigned agent IDs so ListSnapshots
// can filter by agent without decoding every snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *workflow.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("loom/sqlite: encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO loom_snapshots (workflow_id, state, agents, snapshot, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_id) DO UPDATE SET
			state = excluded.state,
			agents = excluded.agents,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		snap.WorkflowID.String(), string(snap.CurrentState), agentList(snap),
		data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the cached snapshot for a workflow.
func (s *Store) GetSnapshot(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM loom_snapshots WHERE workflow_id = ?`,
		workflowID.String(),
	).Scan(&data)
	if isNoRows(err) {
		return nil, loom.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: get snapshot: %w", err)
	}
	snap, err := workflow.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: decode snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns cached snapshots matching the options, ordered by
// workflow ID.
func (s *Store) ListSnapshots(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Snapshot, error) {
	q := `SELECT snapshot FROM loom_snapshots`
	var (
		conds []string
		args  []any
	)
	if opts.State != "" {
		conds = append(conds, `state = ?`)
		args = append(args, string(opts.State))
	}
	if opts.AgentID != "" {
		conds = append(conds, `(',' || agents || ',') LIKE ?`)
		args = append(args, "%,"+opts.AgentID+",%")
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY workflow_id ASC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			q += ` LIMIT -1`
		}
		q += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: list snapshots: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("loom/sqlite: list snapshots: %w", err)
		}
		snap, err := workflow.DecodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("loom/sqlite: decode snapshot: %w", err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/sqlite: list snapshots: %w", err)
	}
	return result, nil
}

// agentList joins the distinct assigned agent IDs with commas.
func agentList(snap *workflow.Snapshot) string {
	seen := make(map[string]struct{}, len(snap.AssignedAgents))
	var agents []string
	for _, a := range snap.AssignedAgents {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		agents = append(agents, a)
	}
	return strings.Join(agents, ",")
}
