package mutation

import (
	"context"
	"errors"
	"sync"

	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/internal/rulesapi"
	"github.com/pitabwire/rulesconsole/internal/validation"
	"github.com/pitabwire/rulesconsole/model"
)

// Session states.
const (
	StateClosed     = "closed"
	StateOpen       = "open"
	StateValidating = "validating"
	StateSubmitting = "submitting"
)

// Session modes.
const (
	ModeNew  = "new"
	ModeEdit = "edit"
)

var (
	// ErrSessionClosed is returned when editing a session that is not open.
	ErrSessionClosed = errors.New("mutation: editing session is not open")
	// ErrSubmitInFlight is returned while a submission is outstanding.
	ErrSubmitInFlight = errors.New("mutation: a submission is already in flight")
)

// View is a snapshot of the editing session.
type View struct {
	State       string                   `json:"state"`
	Mode        string                   `json:"mode,omitempty"`
	Record      model.Record             `json:"record,omitempty"`
	Errors      model.ValidationErrorMap `json:"errors"`
	ServerError string                   `json:"server_error,omitempty"`
	Fields      model.FieldMetadata      `json:"fields,omitempty"`
}

// Session is the create/edit form of one console. It validates locally and
// only hands a clean working copy to the gate. It is safe for concurrent use.
type Session struct {
	gate    *Gate
	engine  *validation.Engine
	metrics *observability.Metrics

	mu          sync.Mutex
	state       string
	mode        string
	record      model.Record
	fields      model.FieldMetadata
	errors      model.ValidationErrorMap
	serverError string
}

// NewSession creates a closed session.
func NewSession(gate *Gate, engine *validation.Engine, metrics *observability.Metrics) *Session {
	return &Session{
		gate:    gate,
		engine:  engine,
		metrics: metrics,
		state:   StateClosed,
		errors:  model.ValidationErrorMap{},
	}
}

// OpenNew opens the form for a new rule seeded with the schema defaults.
func (s *Session) OpenNew(fields model.FieldMetadata) error {
	return s.open(ModeNew, fields.Defaults(), fields)
}

// OpenExisting opens the form on a copy of rule.
func (s *Session) OpenExisting(rule model.Rule, fields model.FieldMetadata) error {
	if rule.IsNew() {
		return model.NewBadRequestError("rule to edit has no id")
	}
	return s.open(ModeEdit, rule.Record(), fields)
}

func (s *Session) open(mode string, rec model.Record, fields model.FieldMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSubmitting || s.state == StateValidating {
		return ErrSubmitInFlight
	}
	s.state = StateOpen
	s.mode = mode
	s.record = rec
	s.fields = fields
	s.errors = model.ValidationErrorMap{}
	s.serverError = ""
	return nil
}

// SetField edits one value. Only that field's error and any server error are
// cleared; the record is not re-validated until the next submit.
func (s *Session) SetField(field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return err
	}
	if field == model.FieldID {
		return model.NewBadRequestError("id cannot be edited")
	}
	s.record[field] = value
	delete(s.errors, field)
	s.serverError = ""
	return nil
}

// Submit validates the working copy and, when clean, sends it through the
// gate. A blocked submission returns a validation error without any network
// call. A rejected submission keeps the session open with the formatted
// backend message. A successful one closes the session.
func (s *Session) Submit(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if err := s.editableLocked(); err != nil {
		s.mu.Unlock()
		return Result{}, err
	}

	s.state = StateValidating
	errs := s.engine.Validate(s.record, s.fields)
	if !errs.Valid() {
		s.errors = errs
		s.state = StateOpen
		details := errs.FieldErrors(s.fields)
		s.mu.Unlock()
		for _, d := range details {
			s.metrics.RecordValidationFailure(d.Field)
		}
		return Result{}, model.NewValidationError(details)
	}

	s.state = StateSubmitting
	s.errors = model.ValidationErrorMap{}
	rec := s.record.Clone()
	s.mu.Unlock()

	res, err := s.gate.Submit(ctx, rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateOpen
		var env *model.ErrorEnvelope
		if errors.As(err, &env) && env.Code == model.ErrValidationError {
			for _, d := range env.Details {
				s.errors[d.Field] = d.Message
			}
		} else {
			s.serverError = rulesapi.FormatErrorMessage(err)
		}
		return Result{}, err
	}

	s.closeLocked()
	return res, nil
}

// Close discards the working copy.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSubmitting || s.state == StateValidating {
		return ErrSubmitInFlight
	}
	s.closeLocked()
	return nil
}

// View returns a copy of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		State:       s.state,
		Mode:        s.mode,
		Errors:      make(model.ValidationErrorMap, len(s.errors)),
		ServerError: s.serverError,
		Fields:      s.fields,
	}
	if s.record != nil {
		v.Record = s.record.Clone()
	}
	for k, msg := range s.errors {
		v.Errors[k] = msg
	}
	return v
}

// IsOpen reports whether a form is open, including while submitting.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateClosed
}

func (s *Session) editableLocked() error {
	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateValidating, StateSubmitting:
		return ErrSubmitInFlight
	}
	return nil
}

func (s *Session) closeLocked() {
	s.state = StateClosed
	s.mode = ""
	s.record = nil
	s.fields = nil
	s.errors = model.ValidationErrorMap{}
	s.serverError = ""
}
