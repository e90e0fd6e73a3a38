package rulesapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/model"
)

// DefaultErrorMessage is shown when a failure carries no usable text.
const DefaultErrorMessage = "An unexpected error occurred"

// APIError is a non-2xx response from the rules backend.
type APIError struct {
	Status  int
	Server  *model.ServerError
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Server != nil && e.Server.Message != "" {
		return fmt.Sprintf("rulesapi: status %d: %s", e.Status, e.Server.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("rulesapi: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("rulesapi: status %d", e.Status)
}

// FormatErrorMessage renders a failure for display. It prefers the server
// message, then the server's per-field errors ordered by field, then the
// transport message, and finally a generic message.
func FormatErrorMessage(err error) string {
	if err == nil {
		return DefaultErrorMessage
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if s := apiErr.Server; s != nil {
			if s.Message != "" {
				return s.Message
			}
			if len(s.Errors) > 0 {
				keys := make([]string, 0, len(s.Errors))
				for k := range s.Errors {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				values := make([]string, 0, len(keys))
				for _, k := range keys {
					values = append(values, s.Errors[k])
				}
				return strings.Join(values, ", ")
			}
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return DefaultErrorMessage
	}

	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Message != "" {
		return env.Message
	}

	if msg := err.Error(); msg != "" {
		return msg
	}
	return DefaultErrorMessage
}

// StatusOf returns the backend status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// logStatus logs a non-2xx response. Authentication, authorization and
// missing resources get their own messages; callers handle all of them alike.
func logStatus(logger *zap.Logger, op string, apiErr *APIError) {
	fields := []zap.Field{zap.String("operation", op), zap.Int("status", apiErr.Status)}
	switch apiErr.Status {
	case http.StatusUnauthorized:
		logger.Warn("unauthorized access", fields...)
	case http.StatusForbidden:
		logger.Warn("forbidden access", fields...)
	case http.StatusNotFound:
		logger.Warn("resource not found", fields...)
	default:
		fields = append(fields, zap.String("message", FormatErrorMessage(apiErr)))
		if apiErr.Status >= 500 {
			logger.Error("backend error", fields...)
			return
		}
		logger.Warn("backend error", fields...)
	}
}
