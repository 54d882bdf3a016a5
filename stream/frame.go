package stream

import "time"

// FrameType identifies the frame category on the streaming socket.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameCredits     FrameType = "credits"
	FrameEvent       FrameType = "event"
	FrameErr         FrameType = "error"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
)

// Frame is the message envelope exchanged on the streaming socket.
// Clients send subscribe/unsubscribe/credits/ping frames; the server
// answers with event/error/pong frames.
type Frame struct {
	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Topics lists the topics for subscribe/unsubscribe frames.
	Topics []string `json:"topics,omitempty" msgpack:"topics,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int64 `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Event carries the payload for event frames.
	Event *Event `json:"event,omitempty" msgpack:"event,omitempty"`

	// Error carries a message for error frames.
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// NewEventFrame wraps a stream event for the wire.
func NewEventFrame(evt *Event) *Frame {
	return &Frame{Type: FrameEvent, Event: evt, Timestamp: time.Now().UTC()}
}

// NewErrorFrame builds an error frame with the given message.
func NewErrorFrame(msg string) *Frame {
	return &Frame{Type: FrameErr, Error: msg, Timestamp: time.Now().UTC()}
}
