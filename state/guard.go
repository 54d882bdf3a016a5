package state

import (
	"fmt"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/workflow"
)

// Guards validate commands against the current derived snapshot before
// any event is appended. A failing guard produces loom.ErrIllegalTransition
// (or a not-found error) and guarantees no side effects: commands are
// atomic accept-or-reject at the append boundary.

// CanStart checks the start command.
func CanStart(snap *workflow.Snapshot) error {
	if snap.CurrentState != workflow.StateCreated {
		return transitionErr("start", snap.CurrentState)
	}
	return nil
}

// CanPause checks the pause command.
func CanPause(snap *workflow.Snapshot) error {
	if snap.CurrentState != workflow.StateActive {
		return transitionErr("pause", snap.CurrentState)
	}
	return nil
}

// CanResume checks the resume command.
func CanResume(snap *workflow.Snapshot) error {
	if snap.CurrentState != workflow.StatePaused {
		return transitionErr("resume", snap.CurrentState)
	}
	return nil
}

// CanCancel checks the cancel command. Cancellation is accepted from any
// non-terminal state regardless of in-flight step activity.
func CanCancel(snap *workflow.Snapshot) error {
	switch snap.CurrentState {
	case workflow.StateCreated, workflow.StateActive, workflow.StatePaused:
		return nil
	}
	return transitionErr("cancel", snap.CurrentState)
}

// CanAssignStep checks the assign-agent command. Sync-gated steps cannot
// be assigned: their rendezvous release is the start signal.
func CanAssignStep(snap *workflow.Snapshot, stepID, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: empty agent id", loom.ErrValidation)
	}
	if snap.CurrentState != workflow.StateActive {
		return transitionErr("assign step", snap.CurrentState)
	}
	st, ok := snap.StepStates[stepID]
	if !ok {
		return fmt.Errorf("%w: %q", loom.ErrStepNotFound, stepID)
	}
	if snap.Definition.SyncPointForStep(stepID) != nil {
		return fmt.Errorf("%w: step %q is gated by a sync point", loom.ErrIllegalTransition, stepID)
	}
	if st != workflow.StepReady {
		return stepTransitionErr("assign", stepID, st)
	}
	return nil
}

// CanStartStep checks the start-step command.
func CanStartStep(snap *workflow.Snapshot, stepID string) error {
	if snap.CurrentState != workflow.StateActive {
		return transitionErr("start step", snap.CurrentState)
	}
	st, ok := snap.StepStates[stepID]
	if !ok {
		return fmt.Errorf("%w: %q", loom.ErrStepNotFound, stepID)
	}
	if st != workflow.StepAssigned {
		return stepTransitionErr("start", stepID, st)
	}
	return nil
}

// CanCompleteStep checks the complete-step command. Completing a step
// that is not RUNNING is rejected.
func CanCompleteStep(snap *workflow.Snapshot, stepID string) error {
	if snap.CurrentState != workflow.StateActive {
		return transitionErr("complete step", snap.CurrentState)
	}
	st, ok := snap.StepStates[stepID]
	if !ok {
		return fmt.Errorf("%w: %q", loom.ErrStepNotFound, stepID)
	}
	if st != workflow.StepRunning {
		return stepTransitionErr("complete", stepID, st)
	}
	return nil
}

// CanFailStep checks the fail-step command.
func CanFailStep(snap *workflow.Snapshot, stepID string) error {
	if snap.CurrentState != workflow.StateActive {
		return transitionErr("fail step", snap.CurrentState)
	}
	st, ok := snap.StepStates[stepID]
	if !ok {
		return fmt.Errorf("%w: %q", loom.ErrStepNotFound, stepID)
	}
	if st != workflow.StepRunning {
		return stepTransitionErr("fail", stepID, st)
	}
	return nil
}

// CanAddDependency checks the add-dependency command, including a full
// acyclicity re-validation of the definition with the new edge in place.
func CanAddDependency(snap *workflow.Snapshot, stepID, dependsOn string) error {
	switch snap.CurrentState {
	case workflow.StateCreated, workflow.StateActive, workflow.StatePaused:
	default:
		return transitionErr("add dependency", snap.CurrentState)
	}
	st, ok := snap.StepStates[stepID]
	if !ok {
		return fmt.Errorf("%w: %q", loom.ErrStepNotFound, stepID)
	}
	if _, ok := snap.StepStates[dependsOn]; !ok {
		return fmt.Errorf("%w: %q", loom.ErrStepNotFound, dependsOn)
	}
	if stepID == dependsOn {
		return fmt.Errorf("%w: step %q cannot depend on itself", loom.ErrValidation, stepID)
	}
	// Edges may only be added ahead of the step's execution.
	if st != workflow.StepPending && st != workflow.StepReady {
		return stepTransitionErr("add dependency to", stepID, st)
	}

	trial := snap.Definition.Clone()
	trial.Step(stepID).DependsOn = append(trial.Step(stepID).DependsOn, dependsOn)
	return trial.Validate()
}

// CanRegisterSync checks the register-sync-point command.
func CanRegisterSync(snap *workflow.Snapshot, sp workflow.SyncPointDefinition) error {
	switch snap.CurrentState {
	case workflow.StateCreated, workflow.StateActive, workflow.StatePaused:
	default:
		return transitionErr("register sync point", snap.CurrentState)
	}
	st, ok := snap.StepStates[sp.StepID]
	if !ok {
		return fmt.Errorf("%w: %q", loom.ErrStepNotFound, sp.StepID)
	}
	if st != workflow.StepPending && st != workflow.StepReady {
		return stepTransitionErr("gate", sp.StepID, st)
	}

	trial := snap.Definition.Clone()
	trial.SyncPoints = append(trial.SyncPoints, sp)
	return trial.Validate()
}

// CanRecover checks the recover command. Recovering a workflow that is
// not FAILED is rejected rather than silently re-applied.
func CanRecover(snap *workflow.Snapshot) error {
	if snap.CurrentState != workflow.StateFailed {
		return transitionErr("recover", snap.CurrentState)
	}
	return nil
}

func transitionErr(cmd string, cur workflow.State) error {
	return fmt.Errorf("%w: cannot %s in state %q", loom.ErrIllegalTransition, cmd, cur)
}

func stepTransitionErr(cmd, stepID string, cur workflow.StepStatus) error {
	return fmt.Errorf("%w: cannot %s step %q in status %q", loom.ErrIllegalTransition, cmd, stepID, cur)
}
