package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/core"
)

var statusByKind = map[core.Kind]int{
	core.KindValidation:        http.StatusBadRequest,
	core.KindCredential:        http.StatusPreconditionFailed,
	core.KindExternalTransient: http.StatusServiceUnavailable,
	core.KindExternalPermanent: http.StatusBadGateway,
	core.KindNotFound:          http.StatusNotFound,
	core.KindConflict:          http.StatusConflict,
	core.KindStorage:           http.StatusInternalServerError,
	core.KindInternal:          http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByKind[core.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes {"error", "kind", "retryable"} plus any extra fields.
// Unclassified errors are logged and hidden from the client.
func (h *Handler) respondError(c *gin.Context, err error, extra gin.H) {
	kind := core.KindOf(err)
	status := StatusFor(err)

	var e *core.Error
	classified := errors.As(err, &e)
	if !classified || kind == core.KindStorage || kind == core.KindInternal {
		h.logger.Error("Request failed",
			zap.Error(err),
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
		)
	}

	msg := err.Error()
	if !classified {
		msg = "internal error"
	}

	body := gin.H{
		"error":     msg,
		"kind":      kind,
		"retryable": core.Retryable(err),
	}
	for k, v := range extra {
		body[k] = v
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "30")
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     err.Error(),
		"kind":      core.KindValidation,
		"retryable": false,
	})
}
