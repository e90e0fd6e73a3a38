package model

import (
	"fmt"
	"time"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrSubmitRejected     = "SUBMIT_REJECTED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// ErrorEnvelope is the error body of every console response. Packages return
// it directly as an error; the transport maps Code to an HTTP status.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any envelope with the same code, so callers can write
// errors.Is(err, &ErrorEnvelope{Code: ErrForbidden}).
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerError is the error body returned by the rules backend.
type ServerError struct {
	Status    int               `json:"status"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Path      string            `json:"path,omitempty"`
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope { return envelope(ErrBadRequest, msg) }

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope { return envelope(ErrForbidden, msg) }

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope { return envelope(ErrNotFound, msg) }

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope { return envelope(ErrConflict, msg) }

// NewInvalidTransitionError reports an editor action that the session's
// current state does not allow, such as submitting a closed editor.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return envelope(ErrInvalidTransition, msg)
}

// NewSubmitRejectedError carries the backend's formatted rejection message.
func NewSubmitRejectedError(msg string) *ErrorEnvelope { return envelope(ErrSubmitRejected, msg) }

// NewValidationError reports local validation failures, one detail per field.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewInternalError hides the cause of an unexpected failure from the client.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

// NewBackendUnavailableError reports that the rules service cannot be reached
// or refused to serve the console.
func NewBackendUnavailableError() *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "The rules service is temporarily unavailable")
}

// NewBackendTimeoutError reports that the rules service did not answer
// within the configured timeout.
func NewBackendTimeoutError() *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "The rules service did not respond in time")
}
