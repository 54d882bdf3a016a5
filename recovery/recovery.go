// Package recovery selects and applies failure-recovery strategies.
// Recovery is driven entirely by appending events — RecoveryStarted and
// RecoveryCompleted — so it has no privileged mutation path and replays
// deterministically like any other state change.
package recovery

import (
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// Plan is the outcome of strategy selection for one recovery attempt.
type Plan struct {
	// Events are appended atomically to drive the recovery. Empty for
	// the conflict strategy, which never changes state.
	Events []*event.Event

	// StepID is the step being recovered, when the strategy targets one.
	StepID string

	// Attempt is the 1-indexed recovery attempt for StepID.
	Attempt int

	// Delay is the suggested wait before reassigning the recovered
	// step, from the configured backoff strategy.
	Delay time.Duration
}

// Planner selects recovery strategies keyed by failure type.
type Planner struct {
	maxAttempts int
	bo          backoff.Strategy
}

// NewPlanner creates a Planner. maxAttempts bounds step-execution
// retries; definitions may override it per workflow.
func NewPlanner(maxAttempts int, bo backoff.Strategy) *Planner {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Planner{maxAttempts: maxAttempts, bo: bo}
}

// Plan builds the event batch for one recovery attempt against the
// current snapshot. The workflow must be FAILED (checked by the caller's
// guard); invoking recovery when nothing matches the failure type is
// rejected rather than silently absorbed.
func (p *Planner) Plan(snap *workflow.Snapshot, ft event.FailureType) (*Plan, error) {
	switch ft {
	case event.FailureStepExecution:
		return p.planStepRetry(snap)
	case event.FailureSyncTimeout:
		return p.planSyncReArm(snap)
	case event.FailureEventStoreConflict:
		// Nothing to replay: the losing caller retries its command
		// against a fresh snapshot.
		return &Plan{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown failure type %q", loom.ErrValidation, ft)
	}
}

func (p *Planner) planStepRetry(snap *workflow.Snapshot) (*Plan, error) {
	stepID := p.pickFailedStep(snap, false)
	if stepID == "" {
		return nil, fmt.Errorf("%w: no failed step to recover", loom.ErrIllegalTransition)
	}

	limit := p.maxAttempts
	if snap.Definition.MaxRecoveryAttempts > 0 {
		limit = snap.Definition.MaxRecoveryAttempts
	}
	attempt := snap.RetryCounts[stepID] + 1
	if attempt > limit {
		return nil, fmt.Errorf("%w: step %q failed %d times (max %d)",
			loom.ErrRecoveryExhausted, stepID, attempt-1, limit)
	}

	return &Plan{
		StepID:  stepID,
		Attempt: attempt,
		Delay:   p.bo.Delay(attempt),
		Events: []*event.Event{
			event.NewRecoveryStarted(snap.WorkflowID, event.FailureStepExecution, stepID, attempt),
			event.NewRecoveryCompleted(snap.WorkflowID, event.OutcomeRecovered, stepID),
		},
	}, nil
}

func (p *Planner) planSyncReArm(snap *workflow.Snapshot) (*Plan, error) {
	stepID := p.pickFailedStep(snap, true)
	if stepID == "" {
		return nil, fmt.Errorf("%w: no timed-out sync step to recover", loom.ErrIllegalTransition)
	}
	if !snap.Definition.ReArmSync {
		// A sync timeout is a permanent step failure unless the
		// definition opted into re-arming.
		return nil, fmt.Errorf("%w: definition does not allow re-arming sync points", loom.ErrRecoveryExhausted)
	}

	attempt := snap.RetryCounts[stepID] + 1
	return &Plan{
		StepID:  stepID,
		Attempt: attempt,
		Events: []*event.Event{
			event.NewRecoveryStarted(snap.WorkflowID, event.FailureSyncTimeout, stepID, attempt),
			event.NewRecoveryCompleted(snap.WorkflowID, event.OutcomeRecovered, stepID),
		},
	}, nil
}

// pickFailedStep returns the first failed step in definition order
// whose recorded failure mode matches: timedOut selects steps that
// failed because their rendezvous timed out, its inverse selects steps
// that failed during execution, including sync-gated steps that
// released their barrier, ran, and then failed.
func (p *Planner) pickFailedStep(snap *workflow.Snapshot, timedOut bool) string {
	for _, stepID := range snap.FailedSteps() {
		if syncTimedOut(snap, stepID) == timedOut {
			return stepID
		}
	}
	return ""
}

// syncTimedOut reports whether the step's gating sync point (if any)
// recorded a timeout.
func syncTimedOut(snap *workflow.Snapshot, stepID string) bool {
	sp := snap.Definition.SyncPointForStep(stepID)
	if sp == nil {
		return false
	}
	ss := snap.SyncStates[sp.ID]
	return ss != nil && ss.TimedOut
}
