// Package errors maps engine errors onto HTTP responses and error metrics
// for the gateway.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/0Andriy/livemap/internal/realtime"
)

// ErrorType categorizes an error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeRejected indicates a refused connection or operation (HTTP 403)
	TypeRejected ErrorType = "rejected"
	// TypeUnavailable indicates the instance is shutting down or a backing
	// service is degraded (HTTP 503)
	TypeUnavailable ErrorType = "unavailable"
	// TypeInternal indicates a server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error is a categorized error carried from the engine to the HTTP edge.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeRejected:
		return http.StatusForbidden
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Classify wraps an engine error with its HTTP category. Errors already
// classified pass through unchanged.
func Classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var admission *realtime.AdmissionError
	var invalid *realtime.InvalidEnvelopeError
	switch {
	case errors.As(err, &admission):
		return &Error{Type: TypeRejected, Message: "connection rejected", Cause: err}
	case errors.As(err, &invalid), errors.Is(err, realtime.ErrInvalidNamespacePath):
		return &Error{Type: TypeValidation, Message: "invalid request", Cause: err}
	case errors.Is(err, realtime.ErrServerClosed), errors.Is(err, realtime.ErrNamespaceDestroyed):
		return &Error{Type: TypeUnavailable, Message: "shutting down", Cause: err}
	default:
		return &Error{Type: TypeInternal, Message: "internal error", Cause: err}
	}
}
