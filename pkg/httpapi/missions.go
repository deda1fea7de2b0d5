package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roastfabric/kernel/pkg/mission"
	"github.com/roastfabric/kernel/pkg/runtime"
)

// missionRoutes registers the Mission Store HTTP surface.
func (s *Server) missionRoutes(rg *gin.RouterGroup) {
	rg.POST("/missions", s.submitMission)
	rg.POST("/missions/claim", s.claimMission)
	rg.POST("/missions/:id/heartbeat", s.heartbeatMission)
	rg.POST("/missions/:id/complete", s.completeMission)
	rg.POST("/missions/:id/fail", s.failMission)
	rg.POST("/traces", s.appendTrace)
}

type submitMissionRequest struct {
	Goal           string          `json:"goal" binding:"required"`
	Params         json.RawMessage `json:"params"`
	SubjectID      *string         `json:"subjectId"`
	Priority       string          `json:"priority"`
	Constraints    []string        `json:"constraints"`
	Context        json.RawMessage `json:"context"`
	IdempotencyKey *string         `json:"idempotencyKey"`
	MaxAttempts    *int            `json:"maxAttempts"`
}

func (s *Server) submitMission(c *gin.Context) {
	var req submitMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.missions.Submit(c.Request.Context(), mission.SubmitRequest{
		Goal:           req.Goal,
		Params:         req.Params,
		SubjectID:      req.SubjectID,
		Priority:       mission.Priority(req.Priority),
		Constraints:    req.Constraints,
		Context:        req.Context,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.MissionsSubmittedTotal.WithLabelValues(string(result.Outcome)).Inc()
	}

	status := http.StatusCreated
	if result.Outcome == mission.OutcomeDeduped {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"outcome": result.Outcome, "mission": result.Mission})
}

type claimMissionRequest struct {
	AgentName string   `json:"agentName" binding:"required"`
	Goals     []string `json:"goals"`
}

func (s *Server) claimMission(c *gin.Context) {
	var req claimMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.missions.Claim(c.Request.Context(), req.AgentName, req.Goals)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.Mission == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if s.metrics != nil {
		s.metrics.MissionsClaimedTotal.WithLabelValues(result.Mission.Goal).Inc()
	}
	c.JSON(http.StatusOK, result.Mission)
}

type heartbeatRequest struct {
	LeaseID   string `json:"leaseId" binding:"required"`
	AgentName string `json:"agentName"`
}

func (s *Server) heartbeatMission(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.missions.Heartbeat(c.Request.Context(), c.Param("id"), req.LeaseID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

type completeMissionRequest struct {
	Summary json.RawMessage `json:"summary"`
	LeaseID string          `json:"leaseId" binding:"required"`
}

func (s *Server) completeMission(c *gin.Context) {
	var req completeMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.missions.Complete(c.Request.Context(), c.Param("id"), req.LeaseID, req.Summary)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.MissionsFinalizedTotal.WithLabelValues(string(outcome)).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

type failMissionRequest struct {
	Error     string `json:"error" binding:"required"`
	Details   string `json:"details"`
	Retryable bool   `json:"retryable"`
	LeaseID   string `json:"leaseId" binding:"required"`
}

func (s *Server) failMission(c *gin.Context) {
	var req failMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	errMsg := req.Error
	if req.Details != "" {
		errMsg = req.Error + ": " + req.Details
	}
	outcome, err := s.missions.Fail(c.Request.Context(), c.Param("id"), req.LeaseID, errMsg, req.Retryable)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.MissionsFinalizedTotal.WithLabelValues(string(outcome)).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (s *Server) appendTrace(c *gin.Context) {
	if s.traces == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trace store not configured"})
		return
	}

	var t runtime.Trace
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.traces.Append(c.Request.Context(), &t); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}
