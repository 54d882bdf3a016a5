package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// CreateResult is the response for a created workflow.
type CreateResult struct {
	WorkflowID string             `json:"workflow_id"`
	Snapshot   *workflow.Snapshot `json:"snapshot"`
}

// updateRequest is the generic command body for PUT /workflows/{id}.
type updateRequest struct {
	Command string          `json:"command"`
	StepID  string          `json:"step_id,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// CreateWorkflow registers a new workflow definition and returns the
// CREATED snapshot.
func (c *Client) CreateWorkflow(ctx context.Context, def *workflow.Definition) (*CreateResult, error) {
	var out CreateResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows", def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWorkflow fetches the current derived snapshot.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	var snap workflow.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(workflowID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListWorkflows lists snapshots, optionally filtered by state and paged
// with limit and offset.
func (c *Client) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Snapshot, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/v1/workflows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var snaps []*workflow.Snapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// update issues a generic workflow command and returns the new snapshot.
func (c *Client) update(ctx context.Context, workflowID string, req updateRequest) (*workflow.Snapshot, error) {
	var snap workflow.Snapshot
	if err := c.do(ctx, http.MethodPut, "/api/v1/workflows/"+url.PathEscape(workflowID), req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Start transitions a CREATED workflow to ACTIVE.
func (c *Client) Start(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	return c.update(ctx, workflowID, updateRequest{Command: "start"})
}

// Pause suspends an ACTIVE workflow.
func (c *Client) Pause(ctx context.Context, workflowID, reason string) (*workflow.Snapshot, error) {
	return c.update(ctx, workflowID, updateRequest{Command: "pause", Reason: reason})
}

// Resume reactivates a PAUSED workflow.
func (c *Client) Resume(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	return c.update(ctx, workflowID, updateRequest{Command: "resume"})
}

// Cancel terminates a workflow. The reason is recorded on the event.
func (c *Client) Cancel(ctx context.Context, workflowID, reason string) (*workflow.Snapshot, error) {
	var snap workflow.Snapshot
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(workflowID), body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// AssignStep assigns a READY step to an agent.
func (c *Client) AssignStep(ctx context.Context, workflowID, stepID, agentID string) (*workflow.Snapshot, error) {
	return c.update(ctx, workflowID, updateRequest{Command: "assign_step", StepID: stepID, AgentID: agentID})
}

// StartStep moves an ASSIGNED step to RUNNING.
func (c *Client) StartStep(ctx context.Context, workflowID, stepID string) (*workflow.Snapshot, error) {
	return c.update(ctx, workflowID, updateRequest{Command: "start_step", StepID: stepID})
}

// CompleteStep finishes a RUNNING step, recording its output.
func (c *Client) CompleteStep(ctx context.Context, workflowID, stepID string, output json.RawMessage) (*workflow.Snapshot, error) {
	return c.update(ctx, workflowID, updateRequest{Command: "complete_step", StepID: stepID, Output: output})
}

// FailStep marks a RUNNING step as failed.
func (c *Client) FailStep(ctx context.Context, workflowID, stepID, reason string) (*workflow.Snapshot, error) {
	return c.update(ctx, workflowID, updateRequest{Command: "fail_step", StepID: stepID, Reason: reason})
}

// Events returns the workflow's event log from the given sequence
// onward. fromSeq of zero returns the whole log.
func (c *Client) Events(ctx context.Context, workflowID string, fromSeq uint64) ([]*event.Event, error) {
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/events"
	if fromSeq > 0 {
		path += "?from=" + strconv.FormatUint(fromSeq, 10)
	}

	var events []*event.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// AddDependency adds a dependency edge to a pending step at runtime.
func (c *Client) AddDependency(ctx context.Context, workflowID, stepID, dependsOn string) (*workflow.Snapshot, error) {
	body := struct {
		StepID    string `json:"step_id"`
		DependsOn string `json:"depends_on"`
	}{StepID: stepID, DependsOn: dependsOn}

	var snap workflow.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/dependencies", body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// AgentWorkflows lists workflows with a step assigned to the agent.
func (c *Client) AgentWorkflows(ctx context.Context, agentID string) ([]*workflow.Snapshot, error) {
	if agentID == "" {
		return nil, fmt.Errorf("loom/client: agent ID is required")
	}
	var snaps []*workflow.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/workflows", nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}
