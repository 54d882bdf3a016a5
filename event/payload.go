package event

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// CreatedPayload carries the full definition; folding a log always starts
// here, so checkpoint-free replay is self-contained.
type CreatedPayload struct {
	Definition *workflow.Definition `json:"definition"`
}

// StartedPayload is empty; the transition itself is the information.
type StartedPayload struct{}

// PausedPayload optionally records why execution was suspended.
type PausedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ResumedPayload is empty.
type ResumedPayload struct{}

// CancelledPayload records why the workflow was cancelled.
type CancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CompletedPayload is empty.
type CompletedPayload struct{}

// StepAssignedPayload records which agent took a step.
type StepAssignedPayload struct {
	StepID  string `json:"step_id"`
	AgentID string `json:"agent_id"`
}

// StepStartedPayload marks an assigned step as running.
type StepStartedPayload struct {
	StepID string `json:"step_id"`
}

// StepCompletedPayload records a step's successful completion.
type StepCompletedPayload struct {
	StepID string          `json:"step_id"`
	Output json.RawMessage `json:"output,omitempty"`
}

// StepFailedPayload records a step failure and its classification.
type StepFailedPayload struct {
	StepID      string      `json:"step_id"`
	Reason      string      `json:"reason,omitempty"`
	FailureType FailureType `json:"failure_type"`
}

// SyncRegisteredPayload adds a sync point to a running workflow.
type SyncRegisteredPayload struct {
	SyncPoint workflow.SyncPointDefinition `json:"sync_point"`
}

// SyncArrivedPayload records one agent reaching a rendezvous.
type SyncArrivedPayload struct {
	SyncID  string `json:"sync_id"`
	AgentID string `json:"agent_id"`
}

// SyncReleasedPayload records a barrier releasing.
type SyncReleasedPayload struct {
	SyncID string `json:"sync_id"`
}

// DependencyAddedPayload adds one dependency edge to a step.
type DependencyAddedPayload struct {
	StepID    string `json:"step_id"`
	DependsOn string `json:"depends_on"`
}

// CheckpointTakenPayload records that a checkpoint was persisted at the
// given sequence.
type CheckpointTakenPayload struct {
	Sequence uint64 `json:"sequence"`
}

// RecoveryStartedPayload records a recovery attempt.
type RecoveryStartedPayload struct {
	FailureType FailureType `json:"failure_type"`
	StepID      string      `json:"step_id,omitempty"`
	Attempt     int         `json:"attempt"`
}

// RecoveryCompletedPayload records the outcome of a recovery attempt.
type RecoveryCompletedPayload struct {
	// Outcome is "recovered" when the workflow returned to active, or
	// "exhausted" when the strategy gave up.
	Outcome string `json:"outcome"`
	StepID  string `json:"step_id,omitempty"`
}

// Recovery outcomes.
const (
	OutcomeRecovered = "recovered"
	OutcomeExhausted = "exhausted"
)

// ── Constructors ────────────────────────────────────

// NewCreated builds the first event of a workflow log.
func NewCreated(workflowID id.WorkflowID, def *workflow.Definition) *Event {
	return newEvent(workflowID, TypeCreated, CreatedPayload{Definition: def})
}

// NewStarted builds a Started event.
func NewStarted(workflowID id.WorkflowID) *Event {
	return newEvent(workflowID, TypeStarted, StartedPayload{})
}

// NewPaused builds a Paused event.
func NewPaused(workflowID id.WorkflowID, reason string) *Event {
	return newEvent(workflowID, TypePaused, PausedPayload{Reason: reason})
}

// NewResumed builds a Resumed event.
func NewResumed(workflowID id.WorkflowID) *Event {
	return newEvent(workflowID, TypeResumed, ResumedPayload{})
}

// NewCancelled builds a Cancelled event.
func NewCancelled(workflowID id.WorkflowID, reason string) *Event {
	return newEvent(workflowID, TypeCancelled, CancelledPayload{Reason: reason})
}

// NewCompleted builds the terminal Completed event.
func NewCompleted(workflowID id.WorkflowID) *Event {
	return newEvent(workflowID, TypeCompleted, CompletedPayload{})
}

// NewStepAssigned builds a StepAssigned event.
func NewStepAssigned(workflowID id.WorkflowID, stepID, agentID string) *Event {
	return newEvent(workflowID, TypeStepAssigned, StepAssignedPayload{StepID: stepID, AgentID: agentID})
}

// NewStepStarted builds a StepStarted event.
func NewStepStarted(workflowID id.WorkflowID, stepID string) *Event {
	return newEvent(workflowID, TypeStepStarted, StepStartedPayload{StepID: stepID})
}

// NewStepCompleted builds a StepCompleted event.
func NewStepCompleted(workflowID id.WorkflowID, stepID string, output json.RawMessage) *Event {
	return newEvent(workflowID, TypeStepCompleted, StepCompletedPayload{StepID: stepID, Output: output})
}

// NewStepFailed builds a StepFailed event.
func NewStepFailed(workflowID id.WorkflowID, stepID, reason string, ft FailureType) *Event {
	return newEvent(workflowID, TypeStepFailed, StepFailedPayload{StepID: stepID, Reason: reason, FailureType: ft})
}

// NewSyncRegistered builds a SyncRegistered event.
func NewSyncRegistered(workflowID id.WorkflowID, sp workflow.SyncPointDefinition) *Event {
	return newEvent(workflowID, TypeSyncRegistered, SyncRegisteredPayload{SyncPoint: sp})
}

// NewSyncArrived builds a SyncArrived event.
func NewSyncArrived(workflowID id.WorkflowID, syncID, agentID string) *Event {
	return newEvent(workflowID, TypeSyncArrived, SyncArrivedPayload{SyncID: syncID, AgentID: agentID})
}

// NewSyncReleased builds a SyncReleased event.
func NewSyncReleased(workflowID id.WorkflowID, syncID string) *Event {
	return newEvent(workflowID, TypeSyncReleased, SyncReleasedPayload{SyncID: syncID})
}

// NewDependencyAdded builds a DependencyAdded event.
func NewDependencyAdded(workflowID id.WorkflowID, stepID, dependsOn string) *Event {
	return newEvent(workflowID, TypeDependencyAdded, DependencyAddedPayload{StepID: stepID, DependsOn: dependsOn})
}

// NewCheckpointTaken builds a CheckpointTaken event.
func NewCheckpointTaken(workflowID id.WorkflowID, sequence uint64) *Event {
	return newEvent(workflowID, TypeCheckpointTaken, CheckpointTakenPayload{Sequence: sequence})
}

// NewRecoveryStarted builds a RecoveryStarted event.
func NewRecoveryStarted(workflowID id.WorkflowID, ft FailureType, stepID string, attempt int) *Event {
	return newEvent(workflowID, TypeRecoveryStarted, RecoveryStartedPayload{FailureType: ft, StepID: stepID, Attempt: attempt})
}

// NewRecoveryCompleted builds a RecoveryCompleted event.
func NewRecoveryCompleted(workflowID id.WorkflowID, outcome, stepID string) *Event {
	return newEvent(workflowID, TypeRecoveryCompleted, RecoveryCompletedPayload{Outcome: outcome, StepID: stepID})
}

// DecodePayload unmarshals the event's payload into the struct matching
// its type. Returns an error for unknown types or malformed payloads.
func (e *Event) DecodePayload() (any, error) {
	var p any
	switch e.Type {
	case TypeCreated:
		p = &CreatedPayload{}
	case TypeStarted:
		p = &StartedPayload{}
	case TypePaused:
		p = &PausedPayload{}
	case TypeResumed:
		p = &ResumedPayload{}
	case TypeCancelled:
		p = &CancelledPayload{}
	case TypeCompleted:
		p = &CompletedPayload{}
	case TypeStepAssigned:
		p = &StepAssignedPayload{}
	case TypeStepStarted:
		p = &StepStartedPayload{}
	case TypeStepCompleted:
		p = &StepCompletedPayload{}
	case TypeStepFailed:
		p = &StepFailedPayload{}
	case TypeSyncRegistered:
		p = &SyncRegisteredPayload{}
	case TypeSyncArrived:
		p = &SyncArrivedPayload{}
	case TypeSyncReleased:
		p = &SyncReleasedPayload{}
	case TypeDependencyAdded:
		p = &DependencyAddedPayload{}
	case TypeCheckpointTaken:
		p = &CheckpointTakenPayload{}
	case TypeRecoveryStarted:
		p = &RecoveryStartedPayload{}
	case TypeRecoveryCompleted:
		p = &RecoveryCompletedPayload{}
	default:
		return nil, fmt.Errorf("event: unknown type %q", e.Type)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, p); err != nil {
			return nil, fmt.Errorf("event: decode %s payload: %w", e.Type, err)
		}
	}
	return p, nil
}
