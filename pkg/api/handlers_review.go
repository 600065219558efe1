package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
)

func (s *Server) handleRequestPhaseReview(c *echo.Context) error {
	phaseIndex, err := s.orch.RequestPhaseReview(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "phase_index": phaseIndex})
}

type submitReviewRequest struct {
	ReviewerAgentID string                `json:"reviewer_agent_id"`
	Verdict         string                `json:"verdict"`
	Findings        []models.FindingEvent `json:"findings,omitempty"`
	Notes           string                `json:"notes,omitempty"`
}

func (s *Server) handleSubmitReview(c *echo.Context) error {
	var req submitReviewRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, store.NewValidationError("body", "invalid JSON"))
	}
	err := s.orch.SubmitReview(c.Request().Context(), c.Param("review_id"),
		req.ReviewerAgentID, models.Verdict(req.Verdict), req.Findings, req.Notes)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetReviewStatus(c *echo.Context) error {
	status, err := s.orch.GetReviewStatus(c.Request().Context(), c.Param("review_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "review": status})
}

func (s *Server) handleApprovePhase(c *echo.Context) error {
	if err := s.orch.ApprovePhase(c.Request().Context(), c.Param("task_id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRejectPhase(c *echo.Context) error {
	if err := s.orch.RejectPhase(c.Request().Context(), c.Param("task_id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetPhase(c *echo.Context) error {
	idx, err := strconv.Atoi(c.Param("phase_index"))
	if err != nil {
		return writeError(c, store.NewValidationError("phase_index", "must be an integer"))
	}
	p, err := s.orch.GetPhase(c.Request().Context(), c.Param("task_id"), idx)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "phase": p})
}

func (s *Server) handleGetPhaseAgentCounts(c *echo.Context) error {
	idx, err := strconv.Atoi(c.Param("phase_index"))
	if err != nil {
		return writeError(c, store.NewValidationError("phase_index", "must be an integer"))
	}
	counts, err := s.orch.GetPhaseAgentCounts(c.Request().Context(), c.Param("task_id"), idx)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "counts": counts})
}

func (s *Server) handleGetPhaseHandover(c *echo.Context) error {
	idx, err := strconv.Atoi(c.Param("phase_index"))
	if err != nil {
		return writeError(c, store.NewValidationError("phase_index", "must be an integer"))
	}
	h, err := s.orch.GetPhaseHandover(c.Request().Context(), c.Param("task_id"), idx)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "handover": h})
}

func (s *Server) handleSubmitPhaseHandover(c *echo.Context) error {
	idx, err := strconv.Atoi(c.Param("phase_index"))
	if err != nil {
		return writeError(c, store.NewValidationError("phase_index", "must be an integer"))
	}
	var h models.Handover
	if err := c.Bind(&h); err != nil {
		return writeError(c, store.NewValidationError("body", "invalid JSON"))
	}
	h.TaskID = c.Param("task_id")
	h.FromPhaseIndex = idx
	if err := s.orch.SubmitPhaseHandover(c.Request().Context(), &h); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetHandoverContext(c *echo.Context) error {
	rendered, err := s.orch.GetHandoverContext(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "context": rendered})
}
