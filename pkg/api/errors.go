package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/store"
)

// Wire error codes. Callers distinguish these programmatically.
const (
	codeNotFound              = "not_found"
	codeValidationFailed      = "validation_failed"
	codeLimitExceeded         = "limit_exceeded"
	codeStaleVersion          = "stale_version"
	codeManualApprovalBlocked = "manual_approval_blocked"
	codeInvalidTransition     = "invalid_transition"
	codeTimeout               = "timeout"
	codeInternal              = "internal"
)

// errorBody is the structured error response: success plus a programmatic
// code and human message.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps a service-layer error to its wire code and HTTP status.
func writeError(c *echo.Context, err error) error {
	code, status := classify(err)
	if code == codeInternal {
		slog.Error("Unexpected service error", "error", err)
	}
	return c.JSON(status, errorBody{Success: false, Error: code, Message: err.Error()})
}

func classify(err error) (string, int) {
	var ve *store.ValidationError
	switch {
	case errors.As(err, &ve):
		return codeValidationFailed, http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return codeNotFound, http.StatusNotFound
	case errors.Is(err, store.ErrLimitExceeded):
		return codeLimitExceeded, http.StatusConflict
	case errors.Is(err, store.ErrStaleVersion):
		return codeStaleVersion, http.StatusConflict
	case errors.Is(err, store.ErrManualApprovalBlocked):
		return codeManualApprovalBlocked, http.StatusConflict
	case errors.Is(err, store.ErrInvalidTransition):
		return codeInvalidTransition, http.StatusConflict
	case errors.Is(err, store.ErrAlreadyExists):
		return codeValidationFailed, http.StatusConflict
	case errors.Is(err, registry.ErrLockTimeout):
		return codeTimeout, http.StatusServiceUnavailable
	default:
		return codeInternal, http.StatusInternalServerError
	}
}
