package model

import (
	"context"
	"errors"
	"strings"
)

// ErrNoSubject is returned when a request carries no usable subject.
var ErrNoSubject = errors.New("request context: subject is required")

// RequestContext identifies the caller of a console request. The transport
// layer builds it once from the verified token and everything downstream
// reads it without copying.
type RequestContext struct {
	SubjectID     string
	Email         string
	Role          string // as presented; access decisions use the backend's answer
	Token         string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate reports ErrNoSubject when the caller cannot be keyed to a console.
func (rc *RequestContext) Validate() error {
	if rc == nil || strings.TrimSpace(rc.SubjectID) == "" {
		return ErrNoSubject
	}
	return nil
}

// Actor names the caller in audit entries and logs: the email claim when
// present, otherwise the subject.
func (rc *RequestContext) Actor() string {
	if rc == nil {
		return ""
	}
	if rc.Email != "" {
		return rc.Email
	}
	return rc.SubjectID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// SubjectFrom returns the validated subject of the caller in ctx.
func SubjectFrom(ctx context.Context) (string, error) {
	rctx := RequestContextFrom(ctx)
	if err := rctx.Validate(); err != nil {
		return "", err
	}
	return rctx.SubjectID, nil
}
