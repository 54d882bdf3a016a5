package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	mw "github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/recovery"
	"github.com/loomworks/loom/scope"
	"github.com/loomworks/loom/state"
	"github.com/loomworks/loom/syncpoint"
	"github.com/loomworks/loom/workflow"
)

// CreateWorkflow validates the definition and appends the Created event
// at sequence one. Sync points defined without a timeout inherit the
// engine's default.
func (e *Engine) CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Snapshot, error) {
	workflowID := id.NewWorkflowID()
	cmd := &mw.Command{Name: "create_workflow", WorkflowID: workflowID}
	var snap *workflow.Snapshot
	err := e.execute(ctx, cmd, func(ctx context.Context) error {
		if def == nil {
			return fmt.Errorf("%w: nil definition", loom.ErrValidation)
		}
		d := def.Clone()
		e.applyDefaultSyncTimeout(d.SyncPoints)
		if err := d.Validate(); err != nil {
			return err
		}

		ev := event.NewCreated(workflowID, d)
		if _, err := e.store.AppendEvents(ctx, workflowID, 0, ev); err != nil {
			return err
		}
		ev.Sequence = 1

		var err error
		snap, err = state.New(ev)
		if err != nil {
			return err
		}
		if serr := e.store.SaveSnapshot(ctx, snap); serr != nil {
			e.logger.Warn("snapshot save failed",
				slog.String("workflow_id", workflowID.String()),
				slog.String("error", serr.Error()),
			)
		}
		for _, pub := range e.publishers {
			pub(ctx, ev, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (e *Engine) applyDefaultSyncTimeout(sps []workflow.SyncPointDefinition) {
	if e.cfg.DefaultSyncTimeout <= 0 {
		return
	}
	for i := range sps {
		if sps[i].Timeout == 0 {
			sps[i].Timeout = e.cfg.DefaultSyncTimeout
		}
	}
}

// StartWorkflow transitions CREATED → ACTIVE.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "start", workflowID, "", func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanStart(snap); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewStarted(workflowID)}, nil
	})
}

// PauseWorkflow transitions ACTIVE → PAUSED.
func (e *Engine) PauseWorkflow(ctx context.Context, workflowID id.WorkflowID, reason string) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "pause", workflowID, "", func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanPause(snap); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewPaused(workflowID, reason)}, nil
	})
}

// ResumeWorkflow transitions PAUSED → ACTIVE.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "resume", workflowID, "", func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanResume(snap); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewResumed(workflowID)}, nil
	})
}

// CancelWorkflow transitions any non-terminal state → CANCELLED.
// Unsettled steps fold to SKIPPED.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID id.WorkflowID, reason string) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "cancel", workflowID, "", func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanCancel(snap); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewCancelled(workflowID, reason)}, nil
	})
}

// AssignStep hands a READY step to an agent.
func (e *Engine) AssignStep(ctx context.Context, workflowID id.WorkflowID, stepID, agentID string) (*workflow.Snapshot, error) {
	ctx = scope.WithAgent(ctx, agentID)
	return e.mutate(ctx, "assign_step", workflowID, stepID, func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanAssignStep(snap, stepID, agentID); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewStepAssigned(workflowID, stepID, agentID)}, nil
	})
}

// StartStep transitions an ASSIGNED step to RUNNING.
func (e *Engine) StartStep(ctx context.Context, workflowID id.WorkflowID, stepID string) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "start_step", workflowID, stepID, func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanStartStep(snap, stepID); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewStepStarted(workflowID, stepID)}, nil
	})
}

// CompleteStep records a RUNNING step's success. When the completion
// settles the last step, the Completed event is appended in the same
// atomic batch so no observer ever sees an all-settled ACTIVE workflow.
func (e *Engine) CompleteStep(ctx context.Context, workflowID id.WorkflowID, stepID string, output json.RawMessage) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "complete_step", workflowID, stepID, func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanCompleteStep(snap, stepID); err != nil {
			return nil, err
		}
		events := []*event.Event{event.NewStepCompleted(workflowID, stepID, output)}

		trial := snap.Clone()
		probe := *events[0]
		probe.Sequence = snap.LastAppliedSequence + 1
		if err := state.Apply(trial, &probe); err != nil {
			return nil, err
		}
		if trial.CurrentState == workflow.StateActive && trial.AllStepsSettled() {
			events = append(events, event.NewCompleted(workflowID))
		}
		return events, nil
	})
}

// FailStep records a RUNNING step's failure. The workflow folds to
// FAILED; Recover can return it to ACTIVE.
func (e *Engine) FailStep(ctx context.Context, workflowID id.WorkflowID, stepID, reason string) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "fail_step", workflowID, stepID, func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanFailStep(snap, stepID); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewStepFailed(workflowID, stepID, reason, event.FailureStepExecution)}, nil
	})
}

// RegisterSyncPoint gates a not-yet-started step behind a multi-agent
// rendezvous. A zero timeout inherits the engine default.
func (e *Engine) RegisterSyncPoint(ctx context.Context, workflowID id.WorkflowID, sp workflow.SyncPointDefinition) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "register_sync", workflowID, sp.StepID, func(snap *workflow.Snapshot) ([]*event.Event, error) {
		sps := []workflow.SyncPointDefinition{sp}
		e.applyDefaultSyncTimeout(sps)
		if err := state.CanRegisterSync(snap, sps[0]); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewSyncRegistered(workflowID, sps[0])}, nil
	})
}

// AgentArrive records one agent reaching a sync point. Arrivals are
// fire-and-forget: repeats and stragglers are no-ops, and the arrival
// that completes the required set appends the release in the same batch.
func (e *Engine) AgentArrive(ctx context.Context, workflowID id.WorkflowID, syncID, agentID string) (*syncpoint.Arrival, error) {
	ctx = scope.WithAgent(ctx, agentID)
	cmd := &mw.Command{Name: "sync_arrive", WorkflowID: workflowID}
	var arrival *syncpoint.Arrival
	err := e.execute(ctx, cmd, func(ctx context.Context) error {
		snap, err := e.loadSnapshot(ctx, workflowID)
		if err != nil {
			return err
		}
		arrival, err = syncpoint.Arrive(snap, syncID, agentID, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(arrival.Events) == 0 {
			return nil
		}
		_, err = e.commit(ctx, snap, arrival.Events...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return arrival, nil
}

// AddDependency adds one edge to the dependency graph. The edge is
// validated against the full graph: cycles are rejected before any
// event is written.
func (e *Engine) AddDependency(ctx context.Context, workflowID id.WorkflowID, stepID, dependsOn string) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "add_dependency", workflowID, stepID, func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if err := state.CanAddDependency(snap, stepID, dependsOn); err != nil {
			return nil, err
		}
		return []*event.Event{event.NewDependencyAdded(workflowID, stepID, dependsOn)}, nil
	})
}

// TakeCheckpoint persists a checkpoint of the current snapshot and logs
// the marker event. The checkpoint is durable before the marker is
// appended; a conflict on the marker leaves a valid checkpoint behind.
func (e *Engine) TakeCheckpoint(ctx context.Context, workflowID id.WorkflowID) (*checkpoint.Checkpoint, error) {
	cmd := &mw.Command{Name: "take_checkpoint", WorkflowID: workflowID}
	var cp *checkpoint.Checkpoint
	err := e.execute(ctx, cmd, func(ctx context.Context) error {
		snap, err := e.loadSnapshot(ctx, workflowID)
		if err != nil {
			return err
		}
		cp, err = checkpoint.FromSnapshot(snap)
		if err != nil {
			return err
		}
		if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
		_, err = e.commit(ctx, snap, event.NewCheckpointTaken(workflowID, cp.Sequence))
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// CompactLog removes events at or below the latest durable checkpoint's
// sequence and returns how many were removed. Without a checkpoint there
// is nothing safe to compact.
func (e *Engine) CompactLog(ctx context.Context, workflowID id.WorkflowID) (int64, error) {
	cmd := &mw.Command{Name: "compact_log", WorkflowID: workflowID}
	var removed int64
	err := e.execute(ctx, cmd, func(ctx context.Context) error {
		cp, err := e.store.LatestCheckpoint(ctx, workflowID)
		if err != nil {
			return err
		}
		removed, err = e.store.CompactEvents(ctx, workflowID, cp.Sequence)
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Recover applies the recovery strategy for the failure type. Step
// execution failures re-ready the failed step with bounded retries; sync
// timeouts re-arm the rendezvous when the definition allows it; event
// store conflicts change nothing.
func (e *Engine) Recover(ctx context.Context, workflowID id.WorkflowID, ft event.FailureType) (*recovery.Plan, *workflow.Snapshot, error) {
	cmd := &mw.Command{Name: "recover", WorkflowID: workflowID}
	var (
		plan *recovery.Plan
		out  *workflow.Snapshot
	)
	err := e.execute(ctx, cmd, func(ctx context.Context) error {
		snap, err := e.loadSnapshot(ctx, workflowID)
		if err != nil {
			return err
		}
		if ft != event.FailureEventStoreConflict {
			if err := state.CanRecover(snap); err != nil {
				return err
			}
		}
		plan, err = e.planner.Plan(snap, ft)
		if err != nil {
			return err
		}
		if len(plan.Events) == 0 {
			out = snap
			return nil
		}
		out, err = e.commit(ctx, snap, plan.Events...)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return plan, out, nil
}

// SyncState reconciles a batch of events produced at the edge. The batch
// is applied as ordinary events when the submitted expected sequence
// matches the log tail; any divergence is rejected with loom.ErrConflict
// for caller-side resolution. No merging, no last-writer-wins.
func (e *Engine) SyncState(ctx context.Context, workflowID id.WorkflowID, expectedSeq uint64, deltas []*event.Event) (*workflow.Snapshot, error) {
	return e.mutate(ctx, "sync_state", workflowID, "", func(snap *workflow.Snapshot) ([]*event.Event, error) {
		if len(deltas) == 0 {
			return nil, fmt.Errorf("%w: empty delta batch", loom.ErrValidation)
		}
		if snap.LastAppliedSequence != expectedSeq {
			return nil, fmt.Errorf("%w: expected sequence %d, log tail is %d",
				loom.ErrConflict, expectedSeq, snap.LastAppliedSequence)
		}
		for _, ev := range deltas {
			if ev.WorkflowID.String() != workflowID.String() {
				return nil, fmt.Errorf("%w: delta for workflow %s in batch for %s",
					loom.ErrValidation, ev.WorkflowID, workflowID)
			}
		}

		// Trial-fold the whole batch so a mid-batch guard violation
		// rejects the sync before anything is written.
		trial := snap.Clone()
		for i, ev := range deltas {
			probe := *ev
			probe.Sequence = expectedSeq + uint64(i) + 1 //nolint:gosec // i is a small batch index
			if err := state.Apply(trial, &probe); err != nil {
				return nil, fmt.Errorf("%w: %v", loom.ErrValidation, err)
			}
		}
		return deltas, nil
	})
}
