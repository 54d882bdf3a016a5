package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// workflowID parses the :id path parameter, writing a 400 on failure.
func (s *Server) workflowID(c *gin.Context) (id.WorkflowID, bool) {
	wfID, err := id.ParseWorkflowID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid workflow ID: %v", err)))
		return id.ID{}, false
	}
	return wfID, true
}

func (s *Server) createWorkflow(c *gin.Context) {
	var def workflow.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid definition: %v", err)))
		return
	}

	snap, err := s.eng.CreateWorkflow(c.Request.Context(), &def)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateWorkflowResponse{
		WorkflowID: snap.WorkflowID.String(),
		Snapshot:   snap,
	})
}

func (s *Server) listWorkflows(c *gin.Context) {
	opts := workflow.ListOpts{}

	if state := c.Query("state"); state != "" {
		st := workflow.State(state)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("unknown state %q", state)))
			return
		}
		opts.State = st
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}
	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody("offset must be a non-negative integer"))
			return
		}
		opts.Offset = n
	}

	snaps, err := s.eng.ListWorkflows(c.Request.Context(), opts)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) getWorkflow(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}
	snap, err := s.eng.GetWorkflow(c.Request.Context(), wfID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// updateWorkflow dispatches the generic command body to the matching
// engine command.
func (s *Server) updateWorkflow(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	var req UpdateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid command body: %v", err)))
		return
	}

	ctx := c.Request.Context()
	var (
		snap *workflow.Snapshot
		err  error
	)
	switch req.Command {
	case CommandStart:
		snap, err = s.eng.StartWorkflow(ctx, wfID)
	case CommandPause:
		snap, err = s.eng.PauseWorkflow(ctx, wfID, req.Reason)
	case CommandResume:
		snap, err = s.eng.ResumeWorkflow(ctx, wfID)
	case CommandAssignStep:
		snap, err = s.eng.AssignStep(ctx, wfID, req.StepID, req.AgentID)
	case CommandStartStep:
		snap, err = s.eng.StartStep(ctx, wfID, req.StepID)
	case CommandCompleteStep:
		snap, err = s.eng.CompleteStep(ctx, wfID, req.StepID, req.Output)
	case CommandFailStep:
		snap, err = s.eng.FailStep(ctx, wfID, req.StepID, req.Reason)
	default:
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("unknown command %q", req.Command)))
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	// Body is optional; cancellation is always accepted.
	var req CancelRequest
	_ = c.ShouldBindJSON(&req) //nolint:errcheck // empty body means no reason

	snap, err := s.eng.CancelWorkflow(c.Request.Context(), wfID, req.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) workflowEvents(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	var fromSeq uint64
	if from := c.Query("from"); from != "" {
		n, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("from must be a non-negative integer"))
			return
		}
		fromSeq = n
	}

	events, err := s.eng.WorkflowEvents(c.Request.Context(), wfID, fromSeq)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) addDependency(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	var req AddDependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid dependency body: %v", err)))
		return
	}
	if req.StepID == "" || req.DependsOn == "" {
		c.JSON(http.StatusBadRequest, errorBody("step_id and depends_on are required"))
		return
	}

	snap, err := s.eng.AddDependency(c.Request.Context(), wfID, req.StepID, req.DependsOn)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) agentWorkflows(c *gin.Context) {
	agentID := c.Param("id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, errorBody("agent ID is required"))
		return
	}

	snaps, err := s.eng.AgentWorkflows(c.Request.Context(), agentID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}
