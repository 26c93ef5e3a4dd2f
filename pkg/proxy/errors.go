package proxy

import (
	"encoding/json"
	"net/http"
)

// OpenAIError is the OpenAI-compatible error envelope returned to clients.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody is the nested error object OpenAI clients parse.
type OpenAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Error kinds used in client-facing error envelopes.
const (
	ErrTypeServiceUnavailable = "service_unavailable"
	ErrTypeInvalidRequest     = "invalid_request_error"
	ErrTypeAPIError           = "api_error"
)

// writeError writes status and an OpenAI-shaped error body to w.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(OpenAIError{Error: OpenAIErrorBody{Message: message, Type: errType}})
}
