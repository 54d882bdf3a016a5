package engine

import (
	"context"

	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// GetWorkflow returns the current derived snapshot, replaying from the
// log when the cache trails or is missing.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	return e.loadSnapshot(ctx, workflowID)
}

// ListWorkflows returns cached snapshots matching the options, in
// creation order.
func (e *Engine) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Snapshot, error) {
	return e.store.ListSnapshots(ctx, opts)
}

// WorkflowEvents returns the retained log from fromSeq.
func (e *Engine) WorkflowEvents(ctx context.Context, workflowID id.WorkflowID, fromSeq uint64) ([]*event.Event, error) {
	return e.store.ReadEvents(ctx, workflowID, fromSeq)
}

// AgentWorkflows returns snapshots of workflows with a step assigned to
// the agent.
func (e *Engine) AgentWorkflows(ctx context.Context, agentID string) ([]*workflow.Snapshot, error) {
	return e.store.ListSnapshots(ctx, workflow.ListOpts{AgentID: agentID})
}

// Checkpoints returns all checkpoints for a workflow in ascending
// sequence order.
func (e *Engine) Checkpoints(ctx context.Context, workflowID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	return e.store.ListCheckpoints(ctx, workflowID)
}

// Health reports per-subsystem status. Healthy is false when any
// subsystem reports an error.
type Health struct {
	Healthy    bool              `json:"healthy"`
	Subsystems map[string]string `json:"subsystems"`
}

// Health checks the store connection and the sweeper.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{Healthy: true, Subsystems: make(map[string]string, 2)}

	if err := e.store.Ping(ctx); err != nil {
		h.Healthy = false
		h.Subsystems["event_store"] = err.Error()
	} else {
		h.Subsystems["event_store"] = "ok"
	}

	if e.started.Load() {
		h.Subsystems["sweeper"] = "running"
	} else {
		h.Subsystems["sweeper"] = "stopped"
	}
	return h
}
