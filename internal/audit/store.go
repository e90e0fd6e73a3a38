// Package audit records the outcome of every rule create and update.
package audit

import (
	"context"
	"time"
)

// List limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Entry is one recorded mutation.
type Entry struct {
	ID             string    `json:"id" db:"id"`
	Subject        string    `json:"subject" db:"subject_id"`
	Operation      string    `json:"operation" db:"operation"`
	RuleID         string    `json:"rule_id,omitempty" db:"rule_id"`
	SequenceNumber string    `json:"sequence_number,omitempty" db:"sequence_number"`
	Outcome        string    `json:"outcome" db:"outcome"`
	Message        string    `json:"message,omitempty" db:"message"`
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Filter narrows a List call. Empty fields match everything.
type Filter struct {
	Subject   string
	Operation string
	Limit     int
}

// limit returns the effective row limit.
func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

// Store persists audit entries. List returns the newest entries first.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}
