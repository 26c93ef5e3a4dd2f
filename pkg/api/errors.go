package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/internal/gwerrors"
)

// openAIError mirrors pkg/proxy's client-facing error envelope so the
// inference surface's own early rejections (rate limit, bad body) look
// identical to the ones the proxy itself writes mid-forward.
type openAIError struct {
	Error openAIErrorBody `json:"error"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeOpenAIError writes status and an OpenAI-shaped error body to w.
func writeOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openAIError{Error: openAIErrorBody{Message: message, Type: errType}})
}

// writeServiceError maps a registry/store-layer error to a management-API
// JSON error response and writes it to c.
func writeServiceError(c *gin.Context, err error) {
	var validErr *gwerrors.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	switch {
	case errors.Is(err, gwerrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, gwerrors.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	case errors.Is(err, gwerrors.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		slog.Error("unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
