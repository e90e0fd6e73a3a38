// Package transport contains the HTTP router, middleware chain, and the
// console request handlers.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/rulesconsole/internal/mutation"
	"github.com/pitabwire/rulesconsole/internal/rulesapi"
	"github.com/pitabwire/rulesconsole/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusConflict,
	model.ErrSubmitRejected:     http.StatusBadGateway,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Backend rejections keep their 4xx status and carry the formatted message;
// backend 5xx and unknown failures are reported without internal detail.
func WriteError(w http.ResponseWriter, err error) {
	ee, status := envelopeFor(err)
	WriteJSON(w, status, errorResponse{Error: ee})
}

func envelopeFor(err error) (*model.ErrorEnvelope, int) {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		status := statusForCode[ee.Code]
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return ee, status
	}

	var apiErr *rulesapi.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return &model.ErrorEnvelope{
				Code:    codeForStatus(apiErr.Status),
				Message: rulesapi.FormatErrorMessage(apiErr),
			}, apiErr.Status
		}
		ee = &model.ErrorEnvelope{
			Code:    model.ErrSubmitRejected,
			Message: rulesapi.FormatErrorMessage(apiErr),
		}
		return ee, http.StatusBadGateway
	case errors.Is(err, rulesapi.ErrCircuitOpen):
		return model.NewBackendUnavailableError(), http.StatusBadGateway
	case errors.Is(err, mutation.ErrSessionClosed), errors.Is(err, mutation.ErrSubmitInFlight):
		return model.NewInvalidTransitionError(err.Error()), http.StatusConflict
	}
	return model.NewInternalError(), http.StatusInternalServerError
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return model.ErrUnauthorized
	case http.StatusForbidden:
		return model.ErrForbidden
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusConflict:
		return model.ErrConflict
	case http.StatusUnprocessableEntity:
		return model.ErrValidationError
	default:
		return model.ErrBadRequest
	}
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}
