// Package state implements the state machine core: folding an ordered
// event log into a derived workflow snapshot, and guarding commands
// against the current derived state.
//
// Folding is deterministic. Given the same workflow and sequence, Replay
// always produces an identical snapshot — whether it starts from sequence
// zero or from a checkpoint. Snapshots are therefore disposable caches.
package state

import (
	"fmt"
	"sort"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// New builds the initial snapshot from a workflow's Created event.
func New(created *event.Event) (*workflow.Snapshot, error) {
	if created.Type != event.TypeCreated {
		return nil, fmt.Errorf("state: first event is %q, want %q", created.Type, event.TypeCreated)
	}
	if created.Sequence != 1 {
		return nil, fmt.Errorf("state: created event has sequence %d, want 1", created.Sequence)
	}

	p, err := created.DecodePayload()
	if err != nil {
		return nil, err
	}
	def := p.(*event.CreatedPayload).Definition
	if def == nil {
		return nil, fmt.Errorf("state: created event carries no definition")
	}

	snap := &workflow.Snapshot{
		WorkflowID:          created.WorkflowID,
		Name:                def.Name,
		Definition:          def.Clone(),
		CurrentState:        workflow.StateCreated,
		StepStates:          make(map[string]workflow.StepStatus, len(def.Steps)),
		AssignedAgents:      make(map[string]string),
		SyncStates:          make(map[string]*workflow.SyncState, len(def.SyncPoints)),
		RetryCounts:         make(map[string]int),
		LastAppliedSequence: created.Sequence,
		Version:             1,
	}
	for _, s := range def.Steps {
		snap.StepStates[s.ID] = workflow.StepPending
	}
	for _, sp := range def.SyncPoints {
		snap.SyncStates[sp.ID] = newSyncState(sp)
	}
	deriveReady(snap)
	return snap, nil
}

func newSyncState(sp workflow.SyncPointDefinition) *workflow.SyncState {
	required := append([]string(nil), sp.RequiredAgents...)
	sort.Strings(required)
	return &workflow.SyncState{Required: required}
}

// Apply folds one event into the snapshot, mutating it in place. The
// event must carry the next sequence; anything else means the caller is
// replaying a corrupt or out-of-order log.
func Apply(snap *workflow.Snapshot, e *event.Event) error {
	if e.Sequence != snap.LastAppliedSequence+1 {
		return fmt.Errorf("state: event sequence %d does not follow %d", e.Sequence, snap.LastAppliedSequence)
	}

	p, err := e.DecodePayload()
	if err != nil {
		return err
	}

	switch e.Type {
	case event.TypeCreated:
		return fmt.Errorf("state: created event at sequence %d", e.Sequence)

	case event.TypeStarted:
		if snap.CurrentState != workflow.StateCreated {
			return foldErr(e, snap.CurrentState)
		}
		snap.CurrentState = workflow.StateActive

	case event.TypePaused:
		if snap.CurrentState != workflow.StateActive {
			return foldErr(e, snap.CurrentState)
		}
		snap.CurrentState = workflow.StatePaused

	case event.TypeResumed:
		if snap.CurrentState != workflow.StatePaused {
			return foldErr(e, snap.CurrentState)
		}
		snap.CurrentState = workflow.StateActive

	case event.TypeCancelled:
		switch snap.CurrentState {
		case workflow.StateCreated, workflow.StateActive, workflow.StatePaused:
		default:
			return foldErr(e, snap.CurrentState)
		}
		snap.CurrentState = workflow.StateCancelled
		for stepID, st := range snap.StepStates {
			if !st.Terminal() {
				snap.StepStates[stepID] = workflow.StepSkipped
			}
		}

	case event.TypeCompleted:
		if snap.CurrentState != workflow.StateActive {
			return foldErr(e, snap.CurrentState)
		}
		if !snap.AllStepsSettled() {
			return fmt.Errorf("state: completed event at sequence %d with unsettled steps", e.Sequence)
		}
		snap.CurrentState = workflow.StateCompleted

	case event.TypeStepAssigned:
		pl := p.(*event.StepAssignedPayload)
		if err := applyStep(snap, pl.StepID, workflow.StepReady, workflow.StepAssigned); err != nil {
			return err
		}
		snap.AssignedAgents[pl.StepID] = pl.AgentID

	case event.TypeStepStarted:
		pl := p.(*event.StepStartedPayload)
		if err := applyStep(snap, pl.StepID, workflow.StepAssigned, workflow.StepRunning); err != nil {
			return err
		}

	case event.TypeStepCompleted:
		pl := p.(*event.StepCompletedPayload)
		if err := applyStep(snap, pl.StepID, workflow.StepRunning, workflow.StepCompleted); err != nil {
			return err
		}

	case event.TypeStepFailed:
		pl := p.(*event.StepFailedPayload)
		if _, ok := snap.StepStates[pl.StepID]; !ok {
			return fmt.Errorf("state: step failed event for unknown step %q", pl.StepID)
		}
		snap.StepStates[pl.StepID] = workflow.StepFailed
		if pl.FailureType == event.FailureSyncTimeout {
			if sp := snap.Definition.SyncPointForStep(pl.StepID); sp != nil {
				if ss := snap.SyncStates[sp.ID]; ss != nil {
					ss.TimedOut = true
				}
			}
		}
		if snap.CurrentState == workflow.StateActive || snap.CurrentState == workflow.StatePaused {
			snap.CurrentState = workflow.StateFailed
		}

	case event.TypeSyncRegistered:
		pl := p.(*event.SyncRegisteredPayload)
		snap.Definition.SyncPoints = append(snap.Definition.SyncPoints, pl.SyncPoint)
		snap.SyncStates[pl.SyncPoint.ID] = newSyncState(pl.SyncPoint)

	case event.TypeSyncArrived:
		pl := p.(*event.SyncArrivedPayload)
		ss := snap.SyncStates[pl.SyncID]
		if ss == nil {
			return fmt.Errorf("state: sync arrived event for unknown sync point %q", pl.SyncID)
		}
		// Only required agents join the arrived set; an arrival from an
		// unlisted agent is a no-op, mirroring the coordinator.
		if requiredAgent(ss, pl.AgentID) && !ss.HasArrived(pl.AgentID) {
			ss.Arrived = append(ss.Arrived, pl.AgentID)
			sort.Strings(ss.Arrived)
		}
		if ss.Deadline == nil {
			sp := snap.Definition.SyncPoint(pl.SyncID)
			if sp != nil && sp.Timeout > 0 {
				deadline := e.Timestamp.Add(sp.Timeout)
				ss.Deadline = &deadline
			}
		}

	case event.TypeSyncReleased:
		pl := p.(*event.SyncReleasedPayload)
		ss := snap.SyncStates[pl.SyncID]
		if ss == nil {
			return fmt.Errorf("state: sync released event for unknown sync point %q", pl.SyncID)
		}
		sp := snap.Definition.SyncPoint(pl.SyncID)
		if sp == nil {
			return fmt.Errorf("state: sync released event for undefined sync point %q", pl.SyncID)
		}
		// A release is only legal once every required agent has arrived
		// and the gated step is waiting at the barrier. Anything else,
		// notably a forged release in an edge delta batch, is rejected.
		if !ss.Covered() {
			return fmt.Errorf("state: sync point %q released with %d of %d required arrivals",
				pl.SyncID, len(ss.Arrived), len(ss.Required))
		}
		if st := snap.StepStates[sp.StepID]; st != workflow.StepReady {
			return fmt.Errorf("state: sync point %q released while step %q is %q", pl.SyncID, sp.StepID, st)
		}
		ss.Released = true
		// Release moves the gated step straight to running: the
		// rendezvous itself is the start signal.
		snap.StepStates[sp.StepID] = workflow.StepRunning

	case event.TypeDependencyAdded:
		pl := p.(*event.DependencyAddedPayload)
		step := snap.Definition.Step(pl.StepID)
		if step == nil {
			return fmt.Errorf("state: dependency added event for unknown step %q", pl.StepID)
		}
		present := false
		for _, dep := range step.DependsOn {
			if dep == pl.DependsOn {
				present = true // idempotent
				break
			}
		}
		if !present {
			step.DependsOn = append(step.DependsOn, pl.DependsOn)
			sort.Strings(step.DependsOn)
		}

	case event.TypeCheckpointTaken:
		// Log marker only; the checkpoint itself lives in its own store.

	case event.TypeRecoveryStarted:
		pl := p.(*event.RecoveryStartedPayload)
		if pl.StepID != "" {
			snap.RetryCounts[pl.StepID]++
		}

	case event.TypeRecoveryCompleted:
		pl := p.(*event.RecoveryCompletedPayload)
		if pl.Outcome == event.OutcomeRecovered {
			if pl.StepID != "" {
				snap.StepStates[pl.StepID] = workflow.StepPending
				delete(snap.AssignedAgents, pl.StepID)
				// A recovered gated step must rendezvous again: a fresh
				// barrier replaces the released or timed-out one.
				if sp := snap.Definition.SyncPointForStep(pl.StepID); sp != nil {
					snap.SyncStates[sp.ID] = newSyncState(*sp)
				}
			}
			if snap.CurrentState == workflow.StateFailed {
				snap.CurrentState = workflow.StateActive
			}
		}

	default:
		return fmt.Errorf("state: unknown event type %q", e.Type)
	}

	snap.LastAppliedSequence = e.Sequence
	snap.Version++
	deriveReady(snap)
	return nil
}

func applyStep(snap *workflow.Snapshot, stepID string, from, to workflow.StepStatus) error {
	cur, ok := snap.StepStates[stepID]
	if !ok {
		return fmt.Errorf("state: event for unknown step %q", stepID)
	}
	if cur != from {
		return fmt.Errorf("state: step %q is %q, want %q", stepID, cur, from)
	}
	snap.StepStates[stepID] = to
	return nil
}

func requiredAgent(ss *workflow.SyncState, agentID string) bool {
	for _, r := range ss.Required {
		if r == agentID {
			return true
		}
	}
	return false
}

func foldErr(e *event.Event, cur workflow.State) error {
	return fmt.Errorf("state: %s event at sequence %d in state %q", e.Type, e.Sequence, cur)
}

// deriveReady recomputes the derived READY status. READY entries are
// never persisted as events: they follow purely from the dependency
// graph and the persisted statuses.
func deriveReady(snap *workflow.Snapshot) {
	for stepID, st := range snap.StepStates {
		if st == workflow.StepReady {
			snap.StepStates[stepID] = workflow.StepPending
		}
	}
	if snap.CurrentState != workflow.StateActive {
		return
	}
	for _, stepID := range workflow.ReadySteps(snap.Definition, snap.StepStates) {
		snap.StepStates[stepID] = workflow.StepReady
	}
}

// Replay folds a complete log (starting with Created at sequence 1) into
// a fresh snapshot.
func Replay(events []*event.Event) (*workflow.Snapshot, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("state: replay of empty log")
	}
	snap, err := New(events[0])
	if err != nil {
		return nil, err
	}
	return ReplayFrom(snap, events[1:])
}

// ReplayFrom folds events onto an existing snapshot (typically a
// checkpoint) and returns the updated snapshot. The input snapshot is
// not modified.
func ReplayFrom(snap *workflow.Snapshot, events []*event.Event) (*workflow.Snapshot, error) {
	out := snap.Clone()
	for _, e := range events {
		if err := Apply(out, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}
