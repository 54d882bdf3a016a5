package recovery_test

import (
	"errors"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/recovery"
	"github.com/loomworks/loom/workflow"
)

// failedSnapshot is a FAILED workflow with one plain failed step and one
// sync-gated step, configurable per test.
func failedSnapshot(reArm bool) *workflow.Snapshot {
	def := &workflow.Definition{
		Name: "pipeline",
		Steps: []workflow.StepDefinition{
			{ID: "plain"},
			{ID: "gated"},
		},
		SyncPoints: []workflow.SyncPointDefinition{
			{ID: "gate", StepID: "gated", RequiredAgents: []string{"u1"}},
		},
		ReArmSync: reArm,
	}
	return &workflow.Snapshot{
		WorkflowID:   id.NewWorkflowID(),
		Name:         def.Name,
		Definition:   def,
		CurrentState: workflow.StateFailed,
		StepStates: map[string]workflow.StepStatus{
			"plain": workflow.StepPending,
			"gated": workflow.StepPending,
		},
		SyncStates: map[string]*workflow.SyncState{
			"gate": {Required: []string{"u1"}},
		},
		RetryCounts:         map[string]int{},
		LastAppliedSequence: 5,
		Version:             5,
	}
}

func TestPlan_StepRetry(t *testing.T) {
	p := recovery.NewPlanner(3, backoff.NewConstant(2*time.Second))
	snap := failedSnapshot(false)
	snap.StepStates["plain"] = workflow.StepFailed

	plan, err := p.Plan(snap, event.FailureStepExecution)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.StepID != "plain" || plan.Attempt != 1 {
		t.Fatalf("plan = step %q attempt %d, want plain attempt 1", plan.StepID, plan.Attempt)
	}
	if plan.Delay != 2*time.Second {
		t.Fatalf("Delay = %v, want 2s", plan.Delay)
	}
	if len(plan.Events) != 2 ||
		plan.Events[0].Type != event.TypeRecoveryStarted ||
		plan.Events[1].Type != event.TypeRecoveryCompleted {
		t.Fatalf("events = %v, want [recovery_started recovery_completed]", plan.Events)
	}
}

func TestPlan_StepRetryExhausted(t *testing.T) {
	p := recovery.NewPlanner(2, backoff.NewConstant(0))
	snap := failedSnapshot(false)
	snap.StepStates["plain"] = workflow.StepFailed
	snap.RetryCounts["plain"] = 2

	_, err := p.Plan(snap, event.FailureStepExecution)
	if !errors.Is(err, loom.ErrRecoveryExhausted) {
		t.Fatalf("Plan = %v, want ErrRecoveryExhausted", err)
	}
}

func TestPlan_DefinitionOverridesMaxAttempts(t *testing.T) {
	p := recovery.NewPlanner(1, backoff.NewConstant(0))
	snap := failedSnapshot(false)
	snap.Definition.MaxRecoveryAttempts = 5
	snap.StepStates["plain"] = workflow.StepFailed
	snap.RetryCounts["plain"] = 3

	plan, err := p.Plan(snap, event.FailureStepExecution)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Attempt != 4 {
		t.Fatalf("Attempt = %d, want 4", plan.Attempt)
	}
}

func TestPlan_NoMatchingFailedStep(t *testing.T) {
	p := recovery.NewPlanner(3, nil)

	// No failed step at all.
	snap := failedSnapshot(false)
	if _, err := p.Plan(snap, event.FailureStepExecution); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("Plan = %v, want ErrIllegalTransition", err)
	}

	// The only failure is a timed-out rendezvous; the step-execution
	// strategy does not touch it.
	snap.StepStates["gated"] = workflow.StepFailed
	snap.SyncStates["gate"].TimedOut = true
	if _, err := p.Plan(snap, event.FailureStepExecution); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("Plan = %v, want ErrIllegalTransition", err)
	}
}

func TestPlan_GatedStepExecutionFailure(t *testing.T) {
	p := recovery.NewPlanner(3, backoff.NewConstant(0))

	// The gated step released its barrier, ran, and failed during
	// execution. Strategy selection keys on the recorded failure mode,
	// so the step-execution strategy recovers it.
	snap := failedSnapshot(false)
	snap.StepStates["gated"] = workflow.StepFailed
	snap.SyncStates["gate"].Arrived = []string{"u1"}
	snap.SyncStates["gate"].Released = true

	plan, err := p.Plan(snap, event.FailureStepExecution)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.StepID != "gated" || plan.Attempt != 1 {
		t.Fatalf("plan = step %q attempt %d, want gated attempt 1", plan.StepID, plan.Attempt)
	}

	// The sync-timeout strategy has no candidate: the barrier never
	// timed out.
	if _, err := p.Plan(snap, event.FailureSyncTimeout); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("Plan(sync_timeout) = %v, want ErrIllegalTransition", err)
	}
}

func TestPlan_SyncReArm(t *testing.T) {
	p := recovery.NewPlanner(3, nil)

	snap := failedSnapshot(false)
	snap.StepStates["gated"] = workflow.StepFailed
	snap.SyncStates["gate"].TimedOut = true

	// Without the definition opt-in the timeout is permanent.
	if _, err := p.Plan(snap, event.FailureSyncTimeout); !errors.Is(err, loom.ErrRecoveryExhausted) {
		t.Fatalf("Plan = %v, want ErrRecoveryExhausted", err)
	}

	snap = failedSnapshot(true)
	snap.StepStates["gated"] = workflow.StepFailed
	snap.SyncStates["gate"].TimedOut = true

	plan, err := p.Plan(snap, event.FailureSyncTimeout)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.StepID != "gated" {
		t.Fatalf("StepID = %q, want gated", plan.StepID)
	}
	if len(plan.Events) != 2 {
		t.Fatalf("events = %v, want two", plan.Events)
	}
}

func TestPlan_ConflictIsNoop(t *testing.T) {
	p := recovery.NewPlanner(3, nil)
	snap := failedSnapshot(false)

	plan, err := p.Plan(snap, event.FailureEventStoreConflict)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Events) != 0 || plan.StepID != "" {
		t.Fatalf("plan = %+v, want empty", plan)
	}
}

func TestPlan_UnknownFailureType(t *testing.T) {
	p := recovery.NewPlanner(3, nil)
	snap := failedSnapshot(false)

	if _, err := p.Plan(snap, event.FailureType("gremlins")); !errors.Is(err, loom.ErrValidation) {
		t.Fatalf("Plan = %v, want ErrValidation", err)
	}
}
