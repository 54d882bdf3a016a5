package workflow

import (
	"context"

	"github.com/loomworks/loom/id"
)

// ListOpts controls filtering and pagination for snapshot list queries.
type ListOpts struct {
	// State filters by workflow state. Empty means all states.
	State State
	// AgentID filters to workflows with a step assigned to the agent.
	AgentID string
	// Limit is the maximum number of snapshots to return. Zero means no
	// limit.
	Limit int
	// Offset is the number of snapshots to skip.
	Offset int
}

// SnapshotStore is the persistence contract for the snapshot cache.
// Snapshots are disposable: losing them only costs a replay, never
// correctness. The event log remains the source of truth.
type SnapshotStore interface {
	// SaveSnapshot persists the latest derived snapshot for a workflow,
	// replacing any previous one.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// GetSnapshot retrieves the cached snapshot for a workflow.
	// Returns loom.ErrWorkflowNotFound if none exists.
	GetSnapshot(ctx context.Context, workflowID id.WorkflowID) (*Snapshot, error)

	// ListSnapshots returns cached snapshots matching the options,
	// ordered by workflow ID (TypeIDs are K-sortable, so this is
	// creation order).
	ListSnapshots(ctx context.Context, opts ListOpts) ([]*Snapshot, error)
}
