package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/mutation"
	"github.com/pitabwire/rulesconsole/internal/observability"
)

// Recorder is a mutation observer that writes each event to a Store. A
// failed write is logged and never affects the submission.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// OnMutation implements mutation.Observer.
func (r *Recorder) OnMutation(ctx context.Context, event mutation.MutationEvent) {
	entry := Entry{
		ID:             uuid.NewString(),
		Subject:        event.SubjectID,
		Operation:      event.Operation,
		RuleID:         event.RuleID,
		SequenceNumber: event.SequenceNumber,
		Outcome:        event.Outcome(),
		Message:        event.Error,
		DurationMS:     event.Duration.Milliseconds(),
		CreatedAt:      r.now().UTC(),
	}
	if err := r.store.Append(ctx, entry); err != nil {
		observability.RequestLogger(ctx, r.logger).Error("failed to record audit entry",
			zap.Error(err),
			zap.String("operation", entry.Operation),
			zap.String("rule_id", entry.RuleID),
		)
	}
}
