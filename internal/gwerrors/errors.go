// Package gwerrors defines the sentinel and typed errors shared across the
// gateway's core components. Handlers map these to HTTP responses in one
// place (pkg/api/errors.go) via errors.Is/errors.As.
package gwerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an endpoint, model, or history/audit row
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a duplicate unique key is proposed,
	// e.g. registering an endpoint whose name is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoCapableBackend is returned by the selector when no online
	// endpoint satisfies the requested capability and model.
	ErrNoCapableBackend = errors.New("no capable backend available")

	// ErrUpstream wraps a forwarded error from a backend endpoint.
	ErrUpstream = errors.New("upstream error")

	// ErrTimeout is returned when a probe or proxied request exceeds its
	// configured timeout.
	ErrTimeout = errors.New("timeout")

	// ErrClientDisconnect marks a request terminated by the caller closing
	// the connection mid-stream.
	ErrClientDisconnect = errors.New("client disconnect")

	// ErrStorage wraps a persistent-store failure on a non-critical path
	// (counter bump, history write) that is logged and swallowed rather
	// than failing the request.
	ErrStorage = errors.New("storage error")

	// ErrUnauthorized is returned when a request carries no credential, or
	// one that does not authenticate (bad password, unknown/revoked key,
	// expired/invalid JWT).
	ErrUnauthorized = errors.New("authentication required")

	// ErrForbidden is returned when a request authenticates but the actor
	// lacks the scope the operation requires.
	ErrForbidden = errors.New("insufficient permissions")
)

// ValidationError reports a single invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Message)
}

// NewValidationError constructs a *ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UpstreamError carries the forwarded status code and body from a backend
// so the proxy can relay it verbatim to the client.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// NewUpstreamError constructs an *UpstreamError.
func NewUpstreamError(status int, body string) error {
	return &UpstreamError{StatusCode: status, Body: body}
}
