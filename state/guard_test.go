package state_test

import (
	"errors"
	"testing"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/state"
	"github.com/loomworks/loom/workflow"
)

// snapIn replays a minimal log and then forces the workflow state, giving
// guards a snapshot in an arbitrary lifecycle position.
func snapIn(t *testing.T, ws workflow.State) *workflow.Snapshot {
	t.Helper()
	snap, err := state.Replay(workflowLog(event.NewCreated(id.NewWorkflowID(), testDef())))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	snap.CurrentState = ws
	return snap
}

func TestLifecycleGuards(t *testing.T) {
	tests := []struct {
		name  string
		guard func(*workflow.Snapshot) error
		from  workflow.State
		ok    bool
	}{
		{"start from created", state.CanStart, workflow.StateCreated, true},
		{"start from active", state.CanStart, workflow.StateActive, false},
		{"start from cancelled", state.CanStart, workflow.StateCancelled, false},
		{"pause from active", state.CanPause, workflow.StateActive, true},
		{"pause from created", state.CanPause, workflow.StateCreated, false},
		{"resume from paused", state.CanResume, workflow.StatePaused, true},
		{"resume from active", state.CanResume, workflow.StateActive, false},
		{"cancel from created", state.CanCancel, workflow.StateCreated, true},
		{"cancel from active", state.CanCancel, workflow.StateActive, true},
		{"cancel from paused", state.CanCancel, workflow.StatePaused, true},
		{"cancel from completed", state.CanCancel, workflow.StateCompleted, false},
		{"cancel from cancelled", state.CanCancel, workflow.StateCancelled, false},
		{"recover from failed", state.CanRecover, workflow.StateFailed, true},
		{"recover from active", state.CanRecover, workflow.StateActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.guard(snapIn(t, tt.from))
			if tt.ok && err != nil {
				t.Fatalf("guard = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, loom.ErrIllegalTransition) {
				t.Fatalf("guard = %v, want ErrIllegalTransition", err)
			}
		})
	}
}

func TestStepGuards(t *testing.T) {
	snap := snapIn(t, workflow.StateActive)
	snap.StepStates["a"] = workflow.StepReady

	if err := state.CanAssignStep(snap, "a", "agent-1"); err != nil {
		t.Fatalf("CanAssignStep = %v", err)
	}
	if err := state.CanAssignStep(snap, "a", ""); !errors.Is(err, loom.ErrValidation) {
		t.Fatalf("empty agent: %v, want ErrValidation", err)
	}
	if err := state.CanAssignStep(snap, "ghost", "agent-1"); !errors.Is(err, loom.ErrStepNotFound) {
		t.Fatalf("unknown step: %v, want ErrStepNotFound", err)
	}
	// Step c is gated by a sync point; release is its only start signal.
	snap.StepStates["c"] = workflow.StepReady
	if err := state.CanAssignStep(snap, "c", "agent-1"); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("gated step: %v, want ErrIllegalTransition", err)
	}

	if err := state.CanStartStep(snap, "a"); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("start unassigned step: %v, want ErrIllegalTransition", err)
	}
	snap.StepStates["a"] = workflow.StepAssigned
	if err := state.CanStartStep(snap, "a"); err != nil {
		t.Fatalf("CanStartStep = %v", err)
	}

	if err := state.CanCompleteStep(snap, "a"); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("complete non-running step: %v, want ErrIllegalTransition", err)
	}
	snap.StepStates["a"] = workflow.StepRunning
	if err := state.CanCompleteStep(snap, "a"); err != nil {
		t.Fatalf("CanCompleteStep = %v", err)
	}
	if err := state.CanFailStep(snap, "a"); err != nil {
		t.Fatalf("CanFailStep = %v", err)
	}

	// All step commands require an active workflow.
	snap.CurrentState = workflow.StatePaused
	if err := state.CanCompleteStep(snap, "a"); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("complete while paused: %v, want ErrIllegalTransition", err)
	}
}

func TestCanAddDependency(t *testing.T) {
	snap := snapIn(t, workflow.StateActive)

	if err := state.CanAddDependency(snap, "c", "a"); err != nil {
		t.Fatalf("CanAddDependency = %v", err)
	}
	if err := state.CanAddDependency(snap, "a", "c"); !errors.Is(err, loom.ErrValidation) {
		t.Fatalf("cycle edge: %v, want ErrValidation", err)
	}
	if err := state.CanAddDependency(snap, "a", "a"); !errors.Is(err, loom.ErrValidation) {
		t.Fatalf("self edge: %v, want ErrValidation", err)
	}
	if err := state.CanAddDependency(snap, "ghost", "a"); !errors.Is(err, loom.ErrStepNotFound) {
		t.Fatalf("unknown step: %v, want ErrStepNotFound", err)
	}

	// Edges cannot be added once the step left the pending/ready phase.
	snap.StepStates["b"] = workflow.StepRunning
	if err := state.CanAddDependency(snap, "b", "a"); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("running step edge: %v, want ErrIllegalTransition", err)
	}
}

func TestCanRegisterSync(t *testing.T) {
	snap := snapIn(t, workflow.StateActive)

	sp := workflow.SyncPointDefinition{ID: "review", StepID: "b", RequiredAgents: []string{"u1"}}
	if err := state.CanRegisterSync(snap, sp); err != nil {
		t.Fatalf("CanRegisterSync = %v", err)
	}

	// Duplicate sync point ID is rejected by the trial validation.
	dup := workflow.SyncPointDefinition{ID: "gate", StepID: "b", RequiredAgents: []string{"u1"}}
	if err := state.CanRegisterSync(snap, dup); !errors.Is(err, loom.ErrValidation) {
		t.Fatalf("duplicate sync id: %v, want ErrValidation", err)
	}

	unknown := workflow.SyncPointDefinition{ID: "review", StepID: "ghost", RequiredAgents: []string{"u1"}}
	if err := state.CanRegisterSync(snap, unknown); !errors.Is(err, loom.ErrStepNotFound) {
		t.Fatalf("unknown step: %v, want ErrStepNotFound", err)
	}

	snap.StepStates["b"] = workflow.StepCompleted
	if err := state.CanRegisterSync(snap, sp); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("completed step: %v, want ErrIllegalTransition", err)
	}
}
