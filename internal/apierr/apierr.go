// Package apierr defines the gateway's error taxonomy. Every failure that can
// reach a client is represented as an *Error with a stable code, so handlers
// have exactly one place to branch when mapping outcomes to HTTP responses.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes exposed in API responses.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeTimeout            = "TIMEOUT"
	CodeBusinessError      = "BUSINESS_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Error is a typed gateway error. CorrelationID is set for failures tied to a
// bus round trip so downstream errors stay traceable in logs and responses.
type Error struct {
	Code          string
	Message       string
	HTTPStatus    int
	CorrelationID string
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlationId=%s)", e.Code, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unauthorized builds a 401 error. The message is what the client sees, so
// callers must keep internal detail out of it.
func Unauthorized(message string) *Error {
	return &Error{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Timeout reports that no reply arrived within the deadline for the given
// correlationId. Mapped to 503 so clients treat it as retryable.
func Timeout(correlationID string) *Error {
	return &Error{
		Code:          CodeTimeout,
		Message:       "request timed out waiting for downstream reply",
		HTTPStatus:    http.StatusServiceUnavailable,
		CorrelationID: correlationID,
	}
}

// Business wraps an ERROR-status reply from a downstream service. The
// downstream-supplied message is passed through verbatim.
func Business(message, correlationID string) *Error {
	return &Error{
		Code:          CodeBusinessError,
		Message:       message,
		HTTPStatus:    http.StatusBadGateway,
		CorrelationID: correlationID,
	}
}

// Internal builds a 500 error with a client-safe message. The underlying
// cause must only ever be logged, never echoed.
func Internal(message, correlationID string) *Error {
	return &Error{
		Code:          CodeInternalError,
		Message:       message,
		HTTPStatus:    http.StatusInternalServerError,
		CorrelationID: correlationID,
	}
}

// Invalid builds a 400 error for malformed client input.
func Invalid(message string) *Error {
	return &Error{
		Code:       CodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// From normalizes any error into an *Error. Non-typed errors become generic
// internal errors so raw detail never leaks into a response body.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal("internal server error", "")
}
