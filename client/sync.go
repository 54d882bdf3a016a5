package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/stream"
	"github.com/loomworks/loom/workflow"
)

// Arrival is the outcome of an agent arriving at a sync point.
type Arrival struct {
	Accepted bool     `json:"accepted"`
	Released bool     `json:"released"`
	TimedOut bool     `json:"timed_out"`
	Arrived  []string `json:"arrived"`
	Required []string `json:"required"`
}

// RecoverResult describes the recovery plan the server executed.
type RecoverResult struct {
	FailureType event.FailureType  `json:"failure_type"`
	StepID      string             `json:"step_id,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	Delay       time.Duration      `json:"delay,omitempty"`
	Snapshot    *workflow.Snapshot `json:"snapshot"`
}

// Health is the server's health report.
type Health struct {
	Healthy    bool               `json:"healthy"`
	Subsystems map[string]string  `json:"subsystems"`
	Stream     stream.BrokerStats `json:"stream"`
}

// RegisterSyncPoint attaches a sync barrier to a pending step.
func (c *Client) RegisterSyncPoint(ctx context.Context, workflowID string, sp workflow.SyncPointDefinition) (*workflow.Snapshot, error) {
	var snap workflow.Snapshot
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/coordination"
	if err := c.do(ctx, http.MethodPost, path, sp, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Arrive records an agent's arrival at a sync point. When the last
// required agent arrives the barrier releases and the gated step starts.
func (c *Client) Arrive(ctx context.Context, workflowID, syncID, agentID string) (*Arrival, error) {
	var out Arrival
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) +
		"/sync/" + url.PathEscape(syncID) + "/agent/" + url.PathEscape(agentID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TakeCheckpoint persists a checkpoint at the workflow's current tail.
func (c *Client) TakeCheckpoint(ctx context.Context, workflowID string) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/checkpoint"
	if err := c.do(ctx, http.MethodPost, path, nil, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Checkpoints lists a workflow's checkpoints, newest first.
func (c *Client) Checkpoints(ctx context.Context, workflowID string) ([]*checkpoint.Checkpoint, error) {
	var cps []*checkpoint.Checkpoint
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/checkpoints"
	if err := c.do(ctx, http.MethodGet, path, nil, &cps); err != nil {
		return nil, err
	}
	return cps, nil
}

// CompactLog prunes log events covered by the latest checkpoint and
// returns the number removed.
func (c *Client) CompactLog(ctx context.Context, workflowID string) (int64, error) {
	var out struct {
		Removed int64 `json:"removed"`
	}
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/compact"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// Recover runs the recovery strategy for the given failure type on a
// FAILED workflow.
func (c *Client) Recover(ctx context.Context, workflowID string, failureType event.FailureType) (*RecoverResult, error) {
	var out RecoverResult
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) +
		"/recover?failure_type=" + url.QueryEscape(string(failureType))
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncState appends externally-originated deltas at the expected
// sequence. A tail mismatch is rejected with loom.ErrConflict and no
// delta is applied.
func (c *Client) SyncState(ctx context.Context, workflowID string, expectedSeq uint64, deltas []*event.Event) (*workflow.Snapshot, error) {
	body := struct {
		WorkflowID       string         `json:"workflow_id"`
		ExpectedSequence uint64         `json:"expected_sequence"`
		Deltas           []*event.Event `json:"deltas"`
	}{WorkflowID: workflowID, ExpectedSequence: expectedSeq, Deltas: deltas}

	var snap workflow.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/v1/state/sync", body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Health reports the server's subsystem health. A degraded server
// answers 503, surfaced as an *APIError.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
