// Package stream fans workflow log events out to connected clients via
// topic-based pub/sub. The broker hangs off the engine as a publish hook:
// every durably appended event is pushed to the matching topics together
// with the workflow state it produced.
package stream

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// Event is the envelope sent to subscribers on a topic channel. It wraps
// a single appended log event plus the workflow state derived from it.
type Event struct {
	// Type is the log event type (e.g. "step_completed").
	Type event.Type `json:"type" msgpack:"type"`

	// WorkflowID names the workflow the event belongs to.
	WorkflowID string `json:"workflow_id" msgpack:"workflow_id"`

	// Sequence is the event's position in the workflow log.
	Sequence uint64 `json:"sequence" msgpack:"sequence"`

	// State is the workflow state after folding this event.
	State workflow.State `json:"state" msgpack:"state"`

	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"ts" msgpack:"ts"`

	// Topic is the entity topic this event was published on.
	Topic string `json:"topic" msgpack:"topic"`

	// Data is the event-specific payload from the log.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// newEvent builds the envelope for an appended log event.
func newEvent(e *event.Event, snap *workflow.Snapshot) *Event {
	return &Event{
		Type:       e.Type,
		WorkflowID: e.WorkflowID.String(),
		Sequence:   e.Sequence,
		State:      snap.CurrentState,
		Timestamp:  e.Timestamp,
		Topic:      WorkflowTopic(e.WorkflowID.String()),
		Data:       e.Payload,
	}
}
