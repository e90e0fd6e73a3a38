package model

import (
	"context"
	"errors"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{name: "valid context", rc: &RequestContext{SubjectID: "reader"}},
		{name: "missing subject", rc: &RequestContext{Role: RoleReadOnly}, wantErr: true},
		{name: "blank subject", rc: &RequestContext{SubjectID: "   "}, wantErr: true},
		{name: "nil context", rc: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrNoSubject) {
				t.Errorf("Validate() error = %v, want ErrNoSubject", err)
			}
		})
	}
}

func TestRequestContext_Actor(t *testing.T) {
	if got := (&RequestContext{SubjectID: "u1", Email: "writer@example.com"}).Actor(); got != "writer@example.com" {
		t.Errorf("Actor() = %q, want email", got)
	}
	if got := (&RequestContext{SubjectID: "u1"}).Actor(); got != "u1" {
		t.Errorf("Actor() = %q, want subject", got)
	}
	var nilCtx *RequestContext
	if got := nilCtx.Actor(); got != "" {
		t.Errorf("Actor() on nil = %q, want empty", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "writer", Role: RoleWriteAccess}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}

func TestSubjectFrom(t *testing.T) {
	ctx := WithRequestContext(context.Background(), &RequestContext{SubjectID: "writer"})
	got, err := SubjectFrom(ctx)
	if err != nil || got != "writer" {
		t.Errorf("SubjectFrom() = %q, %v; want writer, nil", got, err)
	}
	if _, err := SubjectFrom(context.Background()); !errors.Is(err, ErrNoSubject) {
		t.Errorf("SubjectFrom(empty) error = %v, want ErrNoSubject", err)
	}
}
