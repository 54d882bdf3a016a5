package api

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/stream"
	"github.com/loomworks/loom/workflow"
)

// CreateWorkflowResponse is returned by POST /workflows.
type CreateWorkflowResponse struct {
	WorkflowID string             `json:"workflow_id"`
	Snapshot   *workflow.Snapshot `json:"snapshot"`
}

// UpdateWorkflowRequest is the generic command body for PUT
// /workflows/{id}. Command selects the operation; the remaining fields
// apply to the step commands only.
type UpdateWorkflowRequest struct {
	Command string `json:"command"`

	StepID  string          `json:"step_id,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// Update commands accepted by PUT /workflows/{id}.
const (
	CommandStart        = "start"
	CommandPause        = "pause"
	CommandResume       = "resume"
	CommandAssignStep   = "assign_step"
	CommandStartStep    = "start_step"
	CommandCompleteStep = "complete_step"
	CommandFailStep     = "fail_step"
)

// AddDependencyRequest is the body for POST /workflows/{id}/dependencies.
type AddDependencyRequest struct {
	StepID    string `json:"step_id"`
	DependsOn string `json:"depends_on"`
}

// CancelRequest optionally carries a reason for DELETE /workflows/{id}.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ArriveResponse is returned by agent arrival at a sync point.
type ArriveResponse struct {
	Accepted bool     `json:"accepted"`
	Released bool     `json:"released"`
	TimedOut bool     `json:"timed_out"`
	Arrived  []string `json:"arrived"`
	Required []string `json:"required"`
}

// RecoverResponse is returned by POST /workflows/{id}/recover.
type RecoverResponse struct {
	FailureType event.FailureType  `json:"failure_type"`
	StepID      string             `json:"step_id,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	Delay       time.Duration      `json:"delay,omitempty"`
	Snapshot    *workflow.Snapshot `json:"snapshot"`
}

// CompactResponse is returned by POST /workflows/{id}/compact.
type CompactResponse struct {
	Removed int64 `json:"removed"`
}

// SyncStateRequest carries externally-originated deltas for POST
// /state/sync. ExpectedSequence must match the workflow's current tail
// or the whole batch is rejected with 409.
type SyncStateRequest struct {
	WorkflowID       string         `json:"workflow_id"`
	ExpectedSequence uint64         `json:"expected_sequence"`
	Deltas           []*event.Event `json:"deltas"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Healthy    bool               `json:"healthy"`
	Subsystems map[string]string  `json:"subsystems"`
	Stream     stream.BrokerStats `json:"stream"`
}
