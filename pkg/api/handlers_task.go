package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/orchestrator"
	"github.com/agentmux/agentmux/pkg/store"
)

func (s *Server) handleCreateTask(c *echo.Context) error {
	var req orchestrator.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, store.NewValidationError("body", "invalid JSON"))
	}
	task, err := s.orch.CreateTask(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"success": true,
		"task_id": task.TaskID,
		"task":    task,
	})
}

func (s *Server) handleListTasks(c *echo.Context) error {
	f := store.TaskFilters{}
	if v := c.QueryParam("status"); v != "" {
		f.Status = models.TaskStatus(v)
	}
	if v := c.QueryParam("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := c.QueryParam("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &t
		}
	}
	f.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	f.Offset, _ = strconv.Atoi(c.QueryParam("offset"))

	tasks, err := s.orch.ListTasks(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}

func (s *Server) handleGetTaskStatus(c *echo.Context) error {
	snap, err := s.orch.GetTaskStatus(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "task": snap})
}

func (s *Server) handleDashboardSummary(c *echo.Context) error {
	summary, err := s.orch.GetDashboardSummary(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "summary": summary})
}
