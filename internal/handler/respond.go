package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/socket"
)

const internalErrorMsg = "An internal error occurred, please check the server log."

// result is the acknowledgement payload of a socket event.
type result map[string]any

func okResult(msg string) result {
	r := result{"ok": true}
	if msg != "" {
		r["msg"] = msg
	}
	return r
}

// replyError acknowledges err. Unclassified errors are logged and hidden.
func replyError(logger *slog.Logger, ack socket.AckFunc, event string, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		logger.Error("event failed", "event", event, "err", err)
	} else {
		logger.Debug("event rejected", "event", event, "err", err)
	}
	ack(result{"ok": false, "msg": apperr.Message(err, internalErrorMsg)})
}

// errorKey maps an error kind to its i18n key.
func errorKey(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "error.validation"
	case errors.Is(err, apperr.ErrNotFound):
		return "error.not_found"
	case errors.Is(err, apperr.ErrUnauthorized):
		return "error.unauthorized"
	case errors.Is(err, apperr.ErrForbidden):
		return "error.forbidden"
	case errors.Is(err, apperr.ErrBusy):
		return "error.busy"
	case errors.Is(err, apperr.ErrNotConnected):
		return "error.not_connected"
	case errors.Is(err, apperr.ErrProcessFailure):
		return "error.process_failure"
	default:
		return "error.internal"
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrNotConnected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error", "error_key"}.
func respondError(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{
		"error":     apperr.Message(err, internalErrorMsg),
		"error_key": errorKey(err),
	})
}
