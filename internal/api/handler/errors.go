package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// StatusOf maps an error to its HTTP status
func StatusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError writes the JSON error body. Internal errors are logged and their details hidden.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "code": "PAYLOAD_TOO_LARGE"})
		return
	}

	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal server error", "code": domain.CodeOf(err)})
		return
	}

	message := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		message = de.Message
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": domain.CodeOf(err)})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message, "code": "BAD_REQUEST"})
}
