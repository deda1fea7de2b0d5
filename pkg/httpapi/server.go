// Package httpapi wires the Mission Store, Command Proposal Service, and
// Autonomy Governor onto an HTTP surface.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roastfabric/kernel/pkg/command"
	"github.com/roastfabric/kernel/pkg/database"
	"github.com/roastfabric/kernel/pkg/governor"
	"github.com/roastfabric/kernel/pkg/metrics"
	"github.com/roastfabric/kernel/pkg/mission"
	"github.com/roastfabric/kernel/pkg/tracestore"
	"github.com/roastfabric/kernel/pkg/worker"
)

// Server is the kernel's HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	conn       *database.Conn
	missions   *mission.Store
	commands   *command.Service
	traces     *tracestore.Store  // nil disables POST /traces
	governor   *governor.Governor // nil disables the governance surface
	workerPool *worker.Pool       // nil disables worker stats in health
	metrics    *metrics.Metrics   // nil disables GET /metrics and instrumentation
}

// NewServer builds a Server with its routes registered. traces, gov, pool,
// and m may be nil to disable the corresponding surface.
func NewServer(conn *database.Conn, missions *mission.Store, commands *command.Service, traces *tracestore.Store, gov *governor.Governor, pool *worker.Pool, m *metrics.Metrics) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		conn:       conn,
		missions:   missions,
		commands:   commands,
		traces:     traces,
		governor:   gov,
		workerPool: pool,
		metrics:    m,
	}

	engine.GET("/health", s.healthHandler)
	if m != nil {
		engine.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := engine.Group("/api")
	s.missionRoutes(api)
	s.proposalRoutes(api)
	if gov != nil {
		s.governanceRoutes(api)
	}

	return s
}

// ServeHTTP lets a Server be used directly as an http.Handler, e.g. with
// httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener,
// used by tests serving on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]healthCheck `json:"checks"`
}

// healthHandler handles GET /health, checking only this process's own
// components (database, worker pool, governor). External dependencies
// are out of scope so a downstream outage doesn't trigger restarts here.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]healthCheck)
	status := "healthy"

	if err := s.conn.Ping(ctx); err != nil {
		status = "unhealthy"
		checks["database"] = healthCheck{Status: "unhealthy", Message: err.Error()}
	} else {
		checks["database"] = healthCheck{Status: "healthy"}
	}

	if s.workerPool != nil {
		ph := s.workerPool.Health()
		if ph != nil && !ph.IsHealthy {
			if status == "healthy" {
				status = "degraded"
			}
			checks["worker_pool"] = healthCheck{Status: "degraded"}
		} else {
			checks["worker_pool"] = healthCheck{Status: "healthy"}
		}
	}

	if s.governor != nil {
		gh := s.governor.Health(ctx)
		if !gh.Running {
			if status == "healthy" {
				status = "degraded"
			}
			checks["governor"] = healthCheck{Status: "degraded", Message: "not running"}
		} else if gh.LastTickErr != "" {
			if status == "healthy" {
				status = "degraded"
			}
			checks["governor"] = healthCheck{Status: "degraded", Message: gh.LastTickErr}
		} else {
			checks["governor"] = healthCheck{Status: "healthy"}
		}
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, healthResponse{Status: status, Checks: checks})
}
