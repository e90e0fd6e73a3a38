package mutation

import (
	"context"
	"time"

	"github.com/pitabwire/rulesconsole/internal/observability"
)

// Observer receives the outcome of every backend create or update.
// Implementations may record metrics, audit logs, or other telemetry.
type Observer interface {
	OnMutation(ctx context.Context, event MutationEvent)
}

// MutationEvent describes one create or update call.
type MutationEvent struct {
	Operation      string        `json:"operation"`
	RuleID         string        `json:"rule_id,omitempty"`
	SequenceNumber string        `json:"sequence_number,omitempty"`
	SubjectID      string        `json:"subject_id"`
	Success        bool          `json:"success"`
	Replayed       bool          `json:"replayed,omitempty"`
	Status         int           `json:"status,omitempty"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// Outcome returns "success", "failure", or "replayed" for a duplicate
// answered from the idempotency store without a backend call.
func (e MutationEvent) Outcome() string {
	switch {
	case e.Replayed:
		return "replayed"
	case e.Success:
		return "success"
	default:
		return "failure"
	}
}

// MetricsObserver records mutation counts and latency.
type MetricsObserver struct {
	Metrics *observability.Metrics
}

// OnMutation implements Observer.
func (o MetricsObserver) OnMutation(_ context.Context, event MutationEvent) {
	o.Metrics.RecordMutation(event.Operation, event.Outcome(), event.Duration)
}
