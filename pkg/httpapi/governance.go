package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roastfabric/kernel/pkg/governor"
)

// governanceRoutes registers the Autonomy Governor HTTP surface.
func (s *Server) governanceRoutes(rg *gin.RouterGroup) {
	rg.GET("/metrics/latest", s.latestMetrics)
	rg.GET("/readiness/current", s.currentReadiness)
	rg.GET("/circuit-breaker/events", s.circuitBreakerEvents)
	rg.GET("/circuit-breaker/rules", s.circuitBreakerRules)
	rg.PATCH("/circuit-breaker/rules/:name", s.patchCircuitBreakerRule)
	rg.GET("/governance/state", s.governanceState)
	rg.POST("/governance/run-cycle", s.runGovernanceCycle)
}

func (s *Server) latestMetrics(c *gin.Context) {
	m, err := s.governor.LatestMetrics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metrics snapshot recorded yet"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) currentReadiness(c *gin.Context) {
	r, err := s.governor.LatestReadiness(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no readiness assessment recorded yet"})
		return
	}
	if s.metrics != nil {
		s.metrics.ReadinessScore.Set(r.Overall.Score)
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) circuitBreakerEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.governor.ListCircuitBreakerEvents(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) circuitBreakerRules(c *gin.Context) {
	rules, err := s.governor.ListCircuitBreakerRules(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

type patchRuleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) patchCircuitBreakerRule(c *gin.Context) {
	var req patchRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.governor.SetCircuitBreakerRuleEnabled(c.Request.Context(), c.Param("name"), req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) governanceState(c *gin.Context) {
	gs, err := s.governor.Governance().Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetPhase(gs.CurrentPhase, []string{governor.PhaseL3, governor.PhaseL3P, governor.PhaseL4, governor.PhaseL4P, governor.PhaseL5})
	}
	c.JSON(http.StatusOK, gs)
}

func (s *Server) runGovernanceCycle(c *gin.Context) {
	if err := s.governor.Tick(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
