package api

import (
	"errors"
	"net/http"
	"strings"

	"adstudio/server/internal/agent"
	"adstudio/server/internal/lifecycle"
	"adstudio/server/internal/pipeline"
	"adstudio/server/internal/store"
	"adstudio/server/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

// writeFailure maps a domain error onto the error envelope. Only validation
// and state messages are passed through; anything else is logged and
// reported generically.
func (s *Server) writeFailure(c *gin.Context, err error) {
	var te *lifecycle.TransitionError
	switch {
	case errors.As(err, &te):
		writeError(c, http.StatusConflict, "INVALID_TRANSITION", te.Error(), false, map[string]any{
			"current_status":   te.Current,
			"requested_status": te.Requested,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", notFoundText(err), false, nil)
	case errors.Is(err, store.ErrBadRequest), errors.Is(err, agent.ErrUnknownStage):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), false, nil)
	case errors.Is(err, pipeline.ErrPrecondition):
		writeError(c, http.StatusConflict, "PRECONDITION_FAILED", err.Error(), false, nil)
	case errors.Is(err, store.ErrCampaignInactive):
		writeError(c, http.StatusConflict, "CAMPAIGN_INACTIVE", err.Error(), false, nil)
	case errors.Is(err, store.ErrInvalidState):
		writeError(c, http.StatusConflict, "INVALID_STATE", err.Error(), false, nil)
	case errors.Is(err, store.ErrConflict):
		writeError(c, http.StatusConflict, "CONFLICT", err.Error(), false, nil)
	case errors.Is(err, webhook.ErrInvalidToken), errors.Is(err, webhook.ErrTokenExpired):
		writeError(c, http.StatusUnauthorized, "INVALID_CALLBACK_TOKEN", err.Error(), false, nil)
	case errors.Is(err, pipeline.ErrAgentFailed):
		s.log.Warn("agent_failure", zap.String("trace_id", traceIDFromContext(c)), zap.Error(err))
		writeError(c, http.StatusBadGateway, "UPSTREAM_FAILURE", "Content agent failed; nothing was saved", true, nil)
	default:
		s.log.Error("request_failed", zap.String("trace_id", traceIDFromContext(c)), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", true, nil)
	}
}

func notFoundText(err error) string {
	sentinel := store.ErrNotFound.Error()
	msg := strings.TrimPrefix(err.Error(), sentinel+": ")
	msg = strings.TrimSuffix(msg, ": "+sentinel)
	if msg == sentinel {
		return "Not found"
	}
	return msg + " not found"
}
