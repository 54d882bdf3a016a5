package state_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/state"
	"github.com/loomworks/loom/workflow"
)

func testDef() *workflow.Definition {
	return &workflow.Definition{
		Name: "pipeline",
		Steps: []workflow.StepDefinition{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
		SyncPoints: []workflow.SyncPointDefinition{
			{ID: "gate", StepID: "c", RequiredAgents: []string{"u1", "u2"}, Timeout: time.Minute},
		},
	}
}

// workflowLog numbers the events 1..n so they fold as a gapless log.
func workflowLog(events ...*event.Event) []*event.Event {
	for i, e := range events {
		e.Sequence = uint64(i + 1)
	}
	return events
}

func TestNew(t *testing.T) {
	wfID := id.NewWorkflowID()
	created := event.NewCreated(wfID, testDef())
	created.Sequence = 1

	snap, err := state.New(created)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if snap.CurrentState != workflow.StateCreated {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateCreated)
	}
	// READY is only derived while active.
	for stepID, st := range snap.StepStates {
		if st != workflow.StepPending {
			t.Fatalf("step %s = %s, want %s", stepID, st, workflow.StepPending)
		}
	}
	if ss := snap.SyncStates["gate"]; ss == nil || len(ss.Required) != 2 {
		t.Fatalf("SyncStates[gate] = %+v", snap.SyncStates["gate"])
	}
}

func TestNew_Rejections(t *testing.T) {
	wfID := id.NewWorkflowID()

	started := event.NewStarted(wfID)
	started.Sequence = 1
	if _, err := state.New(started); err == nil {
		t.Fatal("New accepted a non-created event")
	}

	created := event.NewCreated(wfID, testDef())
	created.Sequence = 3
	if _, err := state.New(created); err == nil {
		t.Fatal("New accepted a created event at sequence 3")
	}
}

func TestApply_Lifecycle(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap.CurrentState != workflow.StateActive {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateActive)
	}
	if snap.StepStates["a"] != workflow.StepReady {
		t.Fatalf("step a = %s, want %s", snap.StepStates["a"], workflow.StepReady)
	}
	if snap.StepStates["b"] != workflow.StepPending {
		t.Fatalf("step b = %s, want %s", snap.StepStates["b"], workflow.StepPending)
	}

	// Pausing suspends the READY derivation.
	pause := event.NewPaused(wfID, "maintenance")
	pause.Sequence = 3
	if err := state.Apply(snap, pause); err != nil {
		t.Fatalf("Apply paused: %v", err)
	}
	if snap.StepStates["a"] != workflow.StepPending {
		t.Fatalf("paused: step a = %s, want %s", snap.StepStates["a"], workflow.StepPending)
	}

	resume := event.NewResumed(wfID)
	resume.Sequence = 4
	if err := state.Apply(snap, resume); err != nil {
		t.Fatalf("Apply resumed: %v", err)
	}
	if snap.StepStates["a"] != workflow.StepReady {
		t.Fatalf("resumed: step a = %s, want %s", snap.StepStates["a"], workflow.StepReady)
	}

	cancel := event.NewCancelled(wfID, "operator abort")
	cancel.Sequence = 5
	if err := state.Apply(snap, cancel); err != nil {
		t.Fatalf("Apply cancelled: %v", err)
	}
	if snap.CurrentState != workflow.StateCancelled {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateCancelled)
	}
	for stepID, st := range snap.StepStates {
		if st != workflow.StepSkipped {
			t.Fatalf("cancelled: step %s = %s, want %s", stepID, st, workflow.StepSkipped)
		}
	}
}

func TestApply_SequenceGapRejected(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(event.NewCreated(wfID, testDef())))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	started := event.NewStarted(wfID)
	started.Sequence = 5
	if err := state.Apply(snap, started); err == nil {
		t.Fatal("Apply accepted a sequence gap")
	}
	if snap.LastAppliedSequence != 1 {
		t.Fatalf("LastAppliedSequence = %d after rejected fold", snap.LastAppliedSequence)
	}
}

func TestApply_StepTransitions(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
		event.NewStepAssigned(wfID, "a", "agent-1"),
		event.NewStepStarted(wfID, "a"),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap.StepStates["a"] != workflow.StepRunning {
		t.Fatalf("step a = %s, want %s", snap.StepStates["a"], workflow.StepRunning)
	}
	if snap.AssignedAgents["a"] != "agent-1" {
		t.Fatalf("AssignedAgents[a] = %q", snap.AssignedAgents["a"])
	}

	// Completing an event out of its from-status is a corrupt log.
	badComplete := event.NewStepCompleted(wfID, "b", nil)
	badComplete.Sequence = 5
	if err := state.Apply(snap, badComplete); err == nil {
		t.Fatal("Apply completed a step that never ran")
	}

	complete := event.NewStepCompleted(wfID, "a", nil)
	complete.Sequence = 5
	if err := state.Apply(snap, complete); err != nil {
		t.Fatalf("Apply step completed: %v", err)
	}
	if snap.StepStates["b"] != workflow.StepReady {
		t.Fatalf("step b = %s, want %s", snap.StepStates["b"], workflow.StepReady)
	}
	// c stays blocked: its dependency is not completed.
	if snap.StepStates["c"] != workflow.StepPending {
		t.Fatalf("step c = %s, want %s", snap.StepStates["c"], workflow.StepPending)
	}
}

func TestApply_SyncRendezvous(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
		event.NewStepAssigned(wfID, "a", "agent-1"),
		event.NewStepStarted(wfID, "a"),
		event.NewStepCompleted(wfID, "a", nil),
		event.NewStepAssigned(wfID, "b", "agent-1"),
		event.NewStepStarted(wfID, "b"),
		event.NewStepCompleted(wfID, "b", nil),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	arrive := event.NewSyncArrived(wfID, "gate", "u1")
	arrive.Sequence = 9
	if err := state.Apply(snap, arrive); err != nil {
		t.Fatalf("Apply sync arrived: %v", err)
	}
	ss := snap.SyncStates["gate"]
	if len(ss.Arrived) != 1 || !ss.HasArrived("u1") {
		t.Fatalf("Arrived = %v, want [u1]", ss.Arrived)
	}
	if ss.Deadline == nil {
		t.Fatal("Deadline not set on first arrival")
	}
	want := arrive.Timestamp.Add(time.Minute)
	if !ss.Deadline.Equal(want) {
		t.Fatalf("Deadline = %v, want %v", ss.Deadline, want)
	}

	// A repeated arrival in the log does not grow the set.
	again := event.NewSyncArrived(wfID, "gate", "u1")
	again.Sequence = 10
	if err := state.Apply(snap, again); err != nil {
		t.Fatalf("Apply repeated arrival: %v", err)
	}
	if len(ss.Arrived) != 1 {
		t.Fatalf("Arrived = %v after repeat, want one entry", ss.Arrived)
	}

	arrive2 := event.NewSyncArrived(wfID, "gate", "u2")
	arrive2.Sequence = 11
	release := event.NewSyncReleased(wfID, "gate")
	release.Sequence = 12
	for _, e := range []*event.Event{arrive2, release} {
		if err := state.Apply(snap, e); err != nil {
			t.Fatalf("Apply %s: %v", e.Type, err)
		}
	}
	if !ss.Released {
		t.Fatal("Released = false after release event")
	}
	// Release is the start signal for the gated step.
	if snap.StepStates["c"] != workflow.StepRunning {
		t.Fatalf("step c = %s, want %s", snap.StepStates["c"], workflow.StepRunning)
	}
}

func TestApply_SyncReleasedRequiresCoverage(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
		event.NewStepAssigned(wfID, "a", "agent-1"),
		event.NewStepStarted(wfID, "a"),
		event.NewStepCompleted(wfID, "a", nil),
		event.NewStepAssigned(wfID, "b", "agent-1"),
		event.NewStepStarted(wfID, "b"),
		event.NewStepCompleted(wfID, "b", nil),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	// c waits at the barrier with zero arrivals. A bare release, as a
	// forged edge delta would carry, must not fold.
	release := event.NewSyncReleased(wfID, "gate")
	release.Sequence = 9
	if err := state.Apply(snap, release); err == nil {
		t.Fatal("Apply accepted a release with no arrivals")
	}

	// One of two required arrivals is still not coverage.
	arrive := event.NewSyncArrived(wfID, "gate", "u1")
	arrive.Sequence = 9
	if err := state.Apply(snap, arrive); err != nil {
		t.Fatalf("Apply sync arrived: %v", err)
	}
	release.Sequence = 10
	if err := state.Apply(snap, release); err == nil {
		t.Fatal("Apply accepted a release with partial arrivals")
	}

	if snap.StepStates["c"] != workflow.StepReady {
		t.Fatalf("step c = %s, want %s", snap.StepStates["c"], workflow.StepReady)
	}
	if snap.SyncStates["gate"].Released {
		t.Fatal("Released = true after rejected release")
	}
}

func TestApply_SyncArrivedUnlistedAgentIgnored(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	arrive := event.NewSyncArrived(wfID, "gate", "intruder")
	arrive.Sequence = 3
	if err := state.Apply(snap, arrive); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := snap.SyncStates["gate"].Arrived; len(got) != 0 {
		t.Fatalf("Arrived = %v, want empty", got)
	}
}

func TestApply_RecoveryResetsReleasedBarrier(t *testing.T) {
	// The gated step released its barrier, ran, and failed during
	// execution. Recovery hands it a fresh barrier so the agents can
	// rendezvous again.
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
		event.NewStepAssigned(wfID, "a", "agent-1"),
		event.NewStepStarted(wfID, "a"),
		event.NewStepCompleted(wfID, "a", nil),
		event.NewStepAssigned(wfID, "b", "agent-1"),
		event.NewStepStarted(wfID, "b"),
		event.NewStepCompleted(wfID, "b", nil),
		event.NewSyncArrived(wfID, "gate", "u1"),
		event.NewSyncArrived(wfID, "gate", "u2"),
		event.NewSyncReleased(wfID, "gate"),
		event.NewStepFailed(wfID, "c", "exploded", event.FailureStepExecution),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap.CurrentState != workflow.StateFailed {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateFailed)
	}

	rs := event.NewRecoveryStarted(wfID, event.FailureStepExecution, "c", 1)
	rs.Sequence = 13
	rc := event.NewRecoveryCompleted(wfID, event.OutcomeRecovered, "c")
	rc.Sequence = 14
	for _, e := range []*event.Event{rs, rc} {
		if err := state.Apply(snap, e); err != nil {
			t.Fatalf("Apply %s: %v", e.Type, err)
		}
	}

	if snap.StepStates["c"] != workflow.StepReady {
		t.Fatalf("step c = %s, want %s", snap.StepStates["c"], workflow.StepReady)
	}
	ss := snap.SyncStates["gate"]
	if ss.Released || len(ss.Arrived) != 0 || ss.Deadline != nil {
		t.Fatalf("sync state after recovery = %+v, want pristine", ss)
	}
}

func TestApply_SyncTimeoutFold(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	failed := event.NewStepFailed(wfID, "c", "sync point gate timed out", event.FailureSyncTimeout)
	failed.Sequence = 3
	if err := state.Apply(snap, failed); err != nil {
		t.Fatalf("Apply step failed: %v", err)
	}
	if snap.CurrentState != workflow.StateFailed {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateFailed)
	}
	if !snap.SyncStates["gate"].TimedOut {
		t.Fatal("TimedOut = false after sync-timeout failure")
	}
}

func TestApply_DependencyAddedIdempotent(t *testing.T) {
	wfID := id.NewWorkflowID()
	snap, err := state.Replay(workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewDependencyAdded(wfID, "c", "a"),
		event.NewDependencyAdded(wfID, "c", "a"),
	))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	deps := snap.Definition.Step("c").DependsOn
	if len(deps) != 2 {
		t.Fatalf("DependsOn = %v, want [a b]", deps)
	}
}

func TestApply_RecoveryFold(t *testing.T) {
	wfID := id.NewWorkflowID()
	eventsToFailed := workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
		event.NewStepAssigned(wfID, "a", "agent-1"),
		event.NewStepStarted(wfID, "a"),
		event.NewStepFailed(wfID, "a", "exploded", event.FailureStepExecution),
	)
	snap, err := state.Replay(eventsToFailed)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap.CurrentState != workflow.StateFailed {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateFailed)
	}

	rs := event.NewRecoveryStarted(wfID, event.FailureStepExecution, "a", 1)
	rs.Sequence = 6
	rc := event.NewRecoveryCompleted(wfID, event.OutcomeRecovered, "a")
	rc.Sequence = 7
	for _, e := range []*event.Event{rs, rc} {
		if err := state.Apply(snap, e); err != nil {
			t.Fatalf("Apply %s: %v", e.Type, err)
		}
	}

	if snap.CurrentState != workflow.StateActive {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateActive)
	}
	if snap.RetryCounts["a"] != 1 {
		t.Fatalf("RetryCounts[a] = %d, want 1", snap.RetryCounts["a"])
	}
	// The recovered step is re-derived READY with its agent unassigned.
	if snap.StepStates["a"] != workflow.StepReady {
		t.Fatalf("step a = %s, want %s", snap.StepStates["a"], workflow.StepReady)
	}
	if _, ok := snap.AssignedAgents["a"]; ok {
		t.Fatal("recovered step still has an assigned agent")
	}
}

func TestReplayFromCheckpointIsDeterministic(t *testing.T) {
	wfID := id.NewWorkflowID()
	events := workflowLog(
		event.NewCreated(wfID, testDef()),
		event.NewStarted(wfID),
		event.NewStepAssigned(wfID, "a", "agent-1"),
		event.NewStepStarted(wfID, "a"),
		event.NewStepCompleted(wfID, "a", nil),
		event.NewStepAssigned(wfID, "b", "agent-2"),
		event.NewStepStarted(wfID, "b"),
	)

	full, err := state.Replay(events)
	if err != nil {
		t.Fatalf("Replay full: %v", err)
	}

	// Fold a prefix, then the tail onto its clone.
	prefix, err := state.Replay(events[:4])
	if err != nil {
		t.Fatalf("Replay prefix: %v", err)
	}
	resumed, err := state.ReplayFrom(prefix, events[4:])
	if err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}

	a, err := full.Encode()
	if err != nil {
		t.Fatalf("Encode full: %v", err)
	}
	b, err := resumed.Encode()
	if err != nil {
		t.Fatalf("Encode resumed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("replay mismatch:\n full    %s\n resumed %s", a, b)
	}

	// ReplayFrom leaves its input untouched.
	if prefix.LastAppliedSequence != 4 {
		t.Fatalf("prefix LastAppliedSequence = %d, want 4", prefix.LastAppliedSequence)
	}
}
