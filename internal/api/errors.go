package api

import (
	"errors"
	"net/http"

	"agentsync/internal/auth"
	"agentsync/internal/dispatch"
	"agentsync/internal/logging"
	"agentsync/internal/sessionstore"

	"github.com/gin-gonic/gin"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeUnauthorized   = "UNAUTHORIZED"
	codeForbidden      = "FORBIDDEN"
	codeNotFound       = "NOT_FOUND"
	codeBusy           = "BUSY"
	codeInternal       = "INTERNAL_ERROR"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: message, Code: code})
}

// fail maps err to its HTTP status. Unknown errors are logged and hidden
// behind a generic message.
func (h *Handler) fail(c *gin.Context, err error) {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(c, http.StatusBadRequest, codeInvalidRequest, verr.Error())
	case errors.Is(err, sessionstore.ErrNotFound):
		respondError(c, http.StatusNotFound, codeNotFound, "session not found")
	case errors.Is(err, dispatch.ErrTaskNotFound):
		respondError(c, http.StatusNotFound, codeNotFound, "task not found")
	case errors.Is(err, auth.ErrUserNotFound):
		respondError(c, http.StatusNotFound, codeNotFound, "user not found")
	case errors.Is(err, dispatch.ErrBusy):
		respondError(c, http.StatusTooManyRequests, codeBusy, err.Error())
	case errors.Is(err, dispatch.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, codeBusy, err.Error())
	default:
		logging.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		respondError(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
