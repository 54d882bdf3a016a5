package workflow

// State is the lifecycle state of a workflow.
type State string

const (
	// StateCreated means the workflow exists but has not started.
	StateCreated State = "created"
	// StateActive means the workflow is executing steps.
	StateActive State = "active"
	// StatePaused means execution is suspended; resume returns to active.
	StatePaused State = "paused"
	// StateCompleted means every step finished (terminal).
	StateCompleted State = "completed"
	// StateFailed means a step failed and recovery has not (or cannot)
	// return the workflow to active. Terminal once recovery is exhausted.
	StateFailed State = "failed"
	// StateCancelled means the workflow was cancelled (terminal).
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
// Failed workflows are only conditionally terminal: recovery may still
// return them to active, so they are not treated as terminal here.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Valid reports whether s is a known workflow state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateActive, StatePaused, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	// StepPending means dependencies are not yet satisfied.
	StepPending StepStatus = "pending"
	// StepReady means all dependencies are satisfied. Never persisted:
	// derived from pending on every fold.
	StepReady StepStatus = "ready"
	// StepAssigned means an agent has been assigned.
	StepAssigned StepStatus = "assigned"
	// StepRunning means the step is executing.
	StepRunning StepStatus = "running"
	// StepCompleted means the step finished successfully (terminal).
	StepCompleted StepStatus = "completed"
	// StepFailed means the step failed; recovery may re-ready it.
	StepFailed StepStatus = "failed"
	// StepSkipped means the step was skipped by cancel propagation
	// (terminal).
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the step can make no further progress.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepSkipped
}
