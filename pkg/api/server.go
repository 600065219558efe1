// Package api exposes the orchestrator's RPC operations and dashboard
// query endpoints over HTTP, plus the WebSocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/health"
	"github.com/agentmux/agentmux/pkg/orchestrator"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	orch       *orchestrator.Orchestrator
	conns      *events.ConnectionManager
	daemon     *health.Daemon
}

// NewServer creates the API server and registers all routes.
func NewServer(orch *orchestrator.Orchestrator, conns *events.ConnectionManager, daemon *health.Daemon) *Server {
	e := echo.New()
	// Reject oversized payloads at the HTTP read level, before
	// deserialization.
	e.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s := &Server{echo: e, orch: orch, conns: conns, daemon: daemon}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", s.handleWebSocket)

	rpc := e.Group("/api/v1")
	rpc.POST("/tasks", s.handleCreateTask)
	rpc.GET("/tasks", s.handleListTasks)
	rpc.GET("/tasks/:task_id", s.handleGetTaskStatus)
	rpc.POST("/tasks/:task_id/agents", s.handleDeployAgent)
	rpc.POST("/tasks/:task_id/agents/:agent_id/children", s.handleSpawnChild)
	rpc.POST("/tasks/:task_id/agents/:agent_id/progress", s.handleUpdateProgress)
	rpc.POST("/tasks/:task_id/agents/:agent_id/findings", s.handleReportFinding)
	rpc.DELETE("/tasks/:task_id/agents/:agent_id", s.handleKillAgent)
	rpc.GET("/tasks/:task_id/agents/:agent_id", s.handleGetAgent)
	rpc.GET("/tasks/:task_id/agents/:agent_id/output", s.handleGetAgentOutput)
	rpc.GET("/tasks/:task_id/agents/:agent_id/findings", s.handleGetAgentFindings)
	rpc.GET("/tasks/:task_id/agents/:agent_id/progress", s.handleGetAgentProgress)

	rpc.GET("/tasks/:task_id/phases/:phase_index", s.handleGetPhase)
	rpc.GET("/tasks/:task_id/phases/:phase_index/agents/counts", s.handleGetPhaseAgentCounts)
	rpc.POST("/tasks/:task_id/review", s.handleRequestPhaseReview)
	rpc.POST("/reviews/:review_id/verdicts", s.handleSubmitReview)
	rpc.GET("/reviews/:review_id", s.handleGetReviewStatus)
	rpc.POST("/tasks/:task_id/approve", s.handleApprovePhase)
	rpc.POST("/tasks/:task_id/reject", s.handleRejectPhase)
	rpc.GET("/tasks/:task_id/phases/:phase_index/handover", s.handleGetPhaseHandover)
	rpc.POST("/tasks/:task_id/phases/:phase_index/handover", s.handleSubmitPhaseHandover)
	rpc.GET("/tasks/:task_id/handover-context", s.handleGetHandoverContext)

	rpc.GET("/dashboard/summary", s.handleDashboardSummary)
	rpc.POST("/health/scan", s.handleTriggerScan)
	rpc.GET("/health/status", s.handleDaemonStatus)
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "healthy",
		"daemon":             s.daemon.GetStatus(),
		"active_connections": s.conns.ActiveConnections(),
	})
}

func (s *Server) handleTriggerScan(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()
	s.daemon.TriggerScan(ctx)
	return c.JSON(http.StatusOK, map[string]any{"success": true, "status": s.daemon.GetStatus()})
}

func (s *Server) handleDaemonStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.daemon.GetStatus())
}

// Start begins serving on the given port. Blocks until shutdown.
func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server listening", "port", port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server failed: %w", err)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
