// Package event defines the immutable workflow event model and the
// append-only event store contract. The per-workflow event log is the
// single source of truth: every state change, including recovery, is an
// event — there is no privileged out-of-band mutation path.
package event

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/id"
)

// Type identifies the kind of a workflow event.
type Type string

const (
	// Workflow lifecycle.
	TypeCreated   Type = "created"
	TypeStarted   Type = "started"
	TypePaused    Type = "paused"
	TypeResumed   Type = "resumed"
	TypeCancelled Type = "cancelled"
	TypeCompleted Type = "completed"

	// Step lifecycle.
	TypeStepAssigned  Type = "step_assigned"
	TypeStepStarted   Type = "step_started"
	TypeStepCompleted Type = "step_completed"
	TypeStepFailed    Type = "step_failed"

	// Sync points.
	TypeSyncRegistered Type = "sync_registered"
	TypeSyncArrived    Type = "sync_arrived"
	TypeSyncReleased   Type = "sync_released"

	// Definition amendments.
	TypeDependencyAdded Type = "dependency_added"

	// Checkpointing and recovery.
	TypeCheckpointTaken   Type = "checkpoint_taken"
	TypeRecoveryStarted   Type = "recovery_started"
	TypeRecoveryCompleted Type = "recovery_completed"
)

// FailureType classifies a failure for recovery strategy selection.
type FailureType string

const (
	// FailureStepExecution is a step that failed while running. Recovery
	// re-readies the step for reassignment, up to a bounded retry count.
	FailureStepExecution FailureType = "step_execution"

	// FailureSyncTimeout is a rendezvous that timed out before all
	// required agents arrived. Permanent unless the definition allows
	// re-arming the sync point.
	FailureSyncTimeout FailureType = "sync_timeout"

	// FailureEventStoreConflict is an optimistic-concurrency loss.
	// Recovery never changes state for it: the caller retries the
	// triggering command.
	FailureEventStoreConflict FailureType = "event_store_conflict"
)

// Valid reports whether f is a known failure type.
func (f FailureType) Valid() bool {
	switch f {
	case FailureStepExecution, FailureSyncTimeout, FailureEventStoreConflict:
		return true
	}
	return false
}

// Event is one immutable entry in a workflow's ordered log. Events are
// only ever constructed through the typed constructors in this package,
// which pair each Type with its payload shape — an Event with a payload
// that does not match its type cannot be built.
type Event struct {
	// ID is globally unique.
	ID id.EventID `json:"id"`

	// WorkflowID names the log this event belongs to.
	WorkflowID id.WorkflowID `json:"workflow_id"`

	// Sequence is monotonic and gapless per workflow, starting at 1.
	// Assigned by the store at append time; zero before that.
	Sequence uint64 `json:"sequence"`

	// Type identifies the event kind.
	Type Type `json:"type"`

	// Payload is the type-specific payload, JSON-encoded.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp records when the event was constructed.
	Timestamp time.Time `json:"timestamp"`
}

func newEvent(workflowID id.WorkflowID, typ Type, payload any) *Event {
	e := &Event{
		ID:         id.NewEventID(),
		WorkflowID: workflowID,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		// Payload structs in this package contain only marshalable
		// fields; an error here is a programming error.
		data, err := json.Marshal(payload)
		if err != nil {
			panic("event: marshal payload: " + err.Error())
		}
		e.Payload = data
	}
	return e
}
