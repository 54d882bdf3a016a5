// Package syncpoint implements rendezvous semantics for steps gated by a
// multi-agent barrier. Arrivals are fire-and-forget event appends — no
// connection is held — and timeouts are evaluated lazily, on the next
// arrival or by the engine's periodic sweep, never by a blocking timer.
package syncpoint

import (
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Arrival is the outcome of one agent reaching a sync point.
type Arrival struct {
	// Accepted is false when the arrival was an idempotent no-op: a
	// repeated arrival, an unlisted agent, or an arrival against an
	// already released or timed-out sync.
	Accepted bool

	// Released reports whether every required agent has now arrived.
	Released bool

	// TimedOut reports whether the rendezvous deadline has elapsed.
	TimedOut bool

	// Events are the log entries to append: SyncArrived, possibly
	// followed by SyncReleased in the same atomic batch, or StepFailed
	// when the arrival lazily discovered a timeout. Empty for no-ops.
	Events []*event.Event

	// Arrived and Required reflect the state after this arrival.
	Arrived  []string
	Required []string
}

// Arrive evaluates one agent's arrival against the current snapshot and
// returns the events to append. No agent is ever double-counted: the
// arrived set is a set, not a counter.
func Arrive(snap *workflow.Snapshot, syncID, agentID string, now time.Time) (*Arrival, error) {
	ss := snap.SyncStates[syncID]
	if ss == nil {
		return nil, fmt.Errorf("%w: %q", loom.ErrSyncPointNotFound, syncID)
	}
	sp := snap.Definition.SyncPoint(syncID)
	if sp == nil {
		return nil, fmt.Errorf("%w: %q", loom.ErrSyncPointNotFound, syncID)
	}

	res := &Arrival{
		Released: ss.Released,
		TimedOut: ss.TimedOut,
		Arrived:  append([]string(nil), ss.Arrived...),
		Required: append([]string(nil), ss.Required...),
	}

	// Late arrivals against a released or failed sync never corrupt
	// state: accept as no-ops.
	if ss.Released || ss.TimedOut {
		return res, nil
	}

	if snap.CurrentState != workflow.StateActive {
		return nil, fmt.Errorf("%w: cannot arrive at sync point in state %q", loom.ErrIllegalTransition, snap.CurrentState)
	}
	if snap.StepStates[sp.StepID] != workflow.StepReady {
		return nil, fmt.Errorf("%w: sync step %q is %q, dependencies not satisfied", loom.ErrIllegalTransition, sp.StepID, snap.StepStates[sp.StepID])
	}

	// Deadline elapsed but not yet recorded: surface the timeout now
	// rather than accepting the arrival.
	if ss.Deadline != nil && now.After(*ss.Deadline) {
		res.TimedOut = true
		res.Events = []*event.Event{timeoutEvent(snap.WorkflowID, sp)}
		return res, nil
	}

	if !ss.HasArrived(agentID) && contains(ss.Required, agentID) {
		res.Accepted = true
		res.Arrived = append(res.Arrived, agentID)
		res.Events = []*event.Event{event.NewSyncArrived(snap.WorkflowID, syncID, agentID)}

		if covers(res.Arrived, ss.Required) {
			res.Released = true
			res.Events = append(res.Events, event.NewSyncReleased(snap.WorkflowID, syncID))
		}
	}
	return res, nil
}

// Sweep returns StepFailed events for every sync point whose deadline
// elapsed before release. Called periodically by the engine.
func Sweep(snap *workflow.Snapshot, now time.Time) []*event.Event {
	if snap.CurrentState != workflow.StateActive {
		return nil
	}
	var out []*event.Event
	for _, sp := range snap.Definition.SyncPoints {
		ss := snap.SyncStates[sp.ID]
		if ss == nil || ss.Released || ss.TimedOut || ss.Deadline == nil {
			continue
		}
		if st := snap.StepStates[sp.StepID]; st.Terminal() || st == workflow.StepFailed {
			continue
		}
		if now.After(*ss.Deadline) {
			out = append(out, timeoutEvent(snap.WorkflowID, &sp))
		}
	}
	return out
}

func timeoutEvent(workflowID id.WorkflowID, sp *workflow.SyncPointDefinition) *event.Event {
	return event.NewStepFailed(workflowID, sp.StepID,
		fmt.Sprintf("sync point %q timed out", sp.ID), event.FailureSyncTimeout)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func covers(arrived, required []string) bool {
	for _, r := range required {
		if !contains(arrived, r) {
			return false
		}
	}
	return true
}
