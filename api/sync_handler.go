package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

func (s *Server) registerSyncPoint(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	var sp workflow.SyncPointDefinition
	if err := c.ShouldBindJSON(&sp); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid sync point: %v", err)))
		return
	}

	snap, err := s.eng.RegisterSyncPoint(c.Request.Context(), wfID, sp)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) agentArrive(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}
	syncID := c.Param("syncId")
	agentID := c.Param("agentId")

	arrival, err := s.eng.AgentArrive(c.Request.Context(), wfID, syncID, agentID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ArriveResponse{
		Accepted: arrival.Accepted,
		Released: arrival.Released,
		TimedOut: arrival.TimedOut,
		Arrived:  arrival.Arrived,
		Required: arrival.Required,
	})
}

func (s *Server) takeCheckpoint(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	cp, err := s.eng.TakeCheckpoint(c.Request.Context(), wfID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	cps, err := s.eng.Checkpoints(c.Request.Context(), wfID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cps)
}

func (s *Server) compactLog(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	removed, err := s.eng.CompactLog(c.Request.Context(), wfID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CompactResponse{Removed: removed})
}

func (s *Server) recoverWorkflow(c *gin.Context) {
	wfID, ok := s.workflowID(c)
	if !ok {
		return
	}

	ft := event.FailureType(c.Query("failure_type"))
	if !ft.Valid() {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("unknown failure_type %q", ft)))
		return
	}

	plan, snap, err := s.eng.Recover(c.Request.Context(), wfID, ft)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RecoverResponse{
		FailureType: ft,
		StepID:      plan.StepID,
		Attempt:     plan.Attempt,
		Delay:       plan.Delay,
		Snapshot:    snap,
	})
}

// syncState reconciles externally-originated deltas. The whole batch is
// accepted at the expected sequence or rejected; there is no merge.
func (s *Server) syncState(c *gin.Context) {
	var req SyncStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid sync body: %v", err)))
		return
	}

	wfID, err := id.ParseWorkflowID(req.WorkflowID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid workflow ID: %v", err)))
		return
	}

	snap, err := s.eng.SyncState(c.Request.Context(), wfID, req.ExpectedSequence, req.Deltas)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
