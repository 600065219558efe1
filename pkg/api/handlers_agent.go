package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/output"
	"github.com/agentmux/agentmux/pkg/store"
)

type deployAgentRequest struct {
	AgentType    string `json:"agent_type"`
	Prompt       string `json:"prompt"`
	Parent       string `json:"parent,omitempty"`
}

func (s *Server) handleDeployAgent(c *echo.Context) error {
	var req deployAgentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, store.NewValidationError("body", "invalid JSON"))
	}
	res, err := s.orch.DeployAgent(c.Request().Context(),
		c.Param("task_id"), req.AgentType, req.Prompt, req.Parent)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"success":      true,
		"agent_id":     res.AgentID,
		"pid":          res.PID,
		"tmux_session": res.TmuxSession,
		"phase_index":  res.PhaseIndex,
	})
}

type spawnChildRequest struct {
	AgentType string `json:"agent_type"`
	Prompt    string `json:"prompt"`
}

func (s *Server) handleSpawnChild(c *echo.Context) error {
	var req spawnChildRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, store.NewValidationError("body", "invalid JSON"))
	}
	res, err := s.orch.SpawnChildAgent(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"), req.AgentType, req.Prompt)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"success":  true,
		"agent_id": res.AgentID,
		"pid":      res.PID,
	})
}

type progressRequest struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

func (s *Server) handleUpdateProgress(c *echo.Context) error {
	var req progressRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, store.NewValidationError("body", "invalid JSON"))
	}
	err := s.orch.UpdateAgentProgress(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"),
		models.AgentStatus(req.Status), req.Message, req.Progress)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

type findingRequest struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

func (s *Server) handleReportFinding(c *echo.Context) error {
	var req findingRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, store.NewValidationError("body", "invalid JSON"))
	}
	err := s.orch.ReportAgentFinding(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"),
		models.FindingType(req.Type), models.Severity(req.Severity),
		req.Message, req.Data)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

type killRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleKillAgent(c *echo.Context) error {
	var req killRequest
	_ = c.Bind(&req)
	err := s.orch.KillAgent(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetAgent(c *echo.Context) error {
	agent, err := s.orch.GetAgent(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "agent": agent})
}

func (s *Server) handleGetAgentFindings(c *echo.Context) error {
	findings, err := s.orch.GetAgentFindings(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "findings": findings})
}

func (s *Server) handleGetAgentProgress(c *echo.Context) error {
	history, err := s.orch.GetAgentProgress(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "progress": history})
}

func (s *Server) handleGetAgentOutput(c *echo.Context) error {
	opts := output.Options{
		Format: output.Format(c.QueryParam("response_format")),
	}
	opts.MaxBytes, _ = strconv.Atoi(c.QueryParam("max_bytes"))
	opts.Aggressive, _ = strconv.ParseBool(c.QueryParam("aggressive"))

	res, err := s.orch.GetAgentOutput(c.Request().Context(),
		c.Param("task_id"), c.Param("agent_id"), opts)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "output": res})
}
