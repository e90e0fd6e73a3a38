// Package mutation submits rule creates and updates to the backend and holds
// the editing session that leads up to a submission.
package mutation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/internal/rulesapi"
	"github.com/pitabwire/rulesconsole/model"
)

// Operations performed by the gate.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// Notices shown after a successful submission.
const (
	NoticeCreated = "Rule successfully created"
	NoticeUpdated = "Rule successfully updated"
)

// Backend persists rules. *rulesapi.Client satisfies it.
type Backend interface {
	CreateRule(ctx context.Context, rule model.Rule) (model.Rule, error)
	UpdateRule(ctx context.Context, id string, rule model.Rule) (model.Rule, error)
}

// RefreshFunc reloads the rule list after a successful submission.
type RefreshFunc func(ctx context.Context) error

// Result is the outcome of a successful submission.
type Result struct {
	Rule    model.Rule `json:"rule"`
	Created bool       `json:"created"`
	Notice  string     `json:"notice"`
}

// Gate sends validated working copies to the backend. It does not check
// capabilities; callers gate the editing affordances.
type Gate struct {
	backend     Backend
	refresh     RefreshFunc
	idempotency IdempotencyStore
	idemTTL     time.Duration
	observers   []Observer
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// GateOption configures optional dependencies.
type GateOption func(*Gate)

// WithRefresh sets the list refresh run after each success.
func WithRefresh(fn RefreshFunc) GateOption {
	return func(g *Gate) { g.refresh = fn }
}

// WithIdempotencyStore enables duplicate submission suppression.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) GateOption {
	return func(g *Gate) {
		g.idempotency = store
		g.idemTTL = ttl
	}
}

// WithObserver adds a mutation observer.
func WithObserver(obs Observer) GateOption {
	return func(g *Gate) { g.observers = append(g.observers, obs) }
}

// WithGateLogger sets the fallback logger.
func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateMetrics enables duplicate submission metrics.
func WithGateMetrics(m *observability.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a gate over backend.
func NewGate(backend Backend, opts ...GateOption) *Gate {
	g := &Gate{
		backend: backend,
		idemTTL: 10 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ForTable returns a copy of the gate that refreshes through fn. Consoles
// share one gate configuration but each refreshes its own table.
func (g *Gate) ForTable(fn RefreshFunc) *Gate {
	cp := *g
	cp.refresh = fn
	return &cp
}

// Submit creates the record when it has no id and updates it otherwise. On
// success the rule list is refreshed. Records whose values do not convert to
// a rule fail with a validation error and nothing is sent.
func (g *Gate) Submit(ctx context.Context, rec model.Record) (Result, error) {
	rule, fieldErrs := model.RuleFromRecord(rec)
	if len(fieldErrs) > 0 {
		return Result{}, model.NewValidationError(fieldErrs)
	}

	op := OpCreate
	if !rule.IsNew() {
		op = OpUpdate
	}

	ctx, span := observability.StartSpan(ctx, "mutation.submit",
		observability.AttrOperation.String(op),
		observability.AttrRuleID.String(rule.ID),
	)
	res, err := g.submit(ctx, op, rule)
	observability.EndSpanWithError(span, err)
	return res, err
}

func (g *Gate) submit(ctx context.Context, op string, rule model.Rule) (Result, error) {
	logger := observability.RequestLogger(ctx, g.logger)
	subject := ""
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		subject = rctx.SubjectID
	}

	var idemKey string
	if g.idempotency != nil {
		idemKey = SubmissionKey(subject, op, rule)
		cached, found, err := g.idempotency.Check(ctx, idemKey)
		if err != nil {
			logger.Warn("idempotency lookup failed", zap.Error(err))
		} else if found {
			g.metrics.RecordDuplicateSubmit()
			logger.Info("duplicate submission answered from idempotency store",
				zap.String("operation", op),
				zap.String("rule_id", cached.Rule.ID),
			)
			g.notify(ctx, MutationEvent{
				Operation:      op,
				RuleID:         cached.Rule.ID,
				SequenceNumber: cached.Rule.SequenceNumber,
				SubjectID:      subject,
				Success:        true,
				Replayed:       true,
			})
			g.refreshTable(ctx, logger)
			return *cached, nil
		}
	}

	start := time.Now()
	var (
		saved model.Rule
		err   error
	)
	if op == OpCreate {
		saved, err = g.backend.CreateRule(ctx, rule)
	} else {
		saved, err = g.backend.UpdateRule(ctx, rule.ID, rule)
	}
	duration := time.Since(start)

	if err != nil {
		g.notify(ctx, MutationEvent{
			Operation:      op,
			RuleID:         rule.ID,
			SequenceNumber: rule.SequenceNumber,
			SubjectID:      subject,
			Success:        false,
			Status:         rulesapi.StatusOf(err),
			Duration:       duration,
			Error:          rulesapi.FormatErrorMessage(err),
		})
		return Result{}, err
	}

	if saved.ID == "" {
		saved.ID = rule.ID
	}
	res := Result{Rule: saved, Created: op == OpCreate, Notice: NoticeUpdated}
	if res.Created {
		res.Notice = NoticeCreated
	}

	if idemKey != "" {
		if err := g.idempotency.Store(ctx, idemKey, res, g.idemTTL); err != nil {
			logger.Warn("idempotency store failed", zap.Error(err))
		}
	}

	g.notify(ctx, MutationEvent{
		Operation:      op,
		RuleID:         saved.ID,
		SequenceNumber: saved.SequenceNumber,
		SubjectID:      subject,
		Success:        true,
		Duration:       duration,
	})
	logger.Info("rule saved", zap.String("operation", op), zap.String("rule_id", saved.ID))

	g.refreshTable(ctx, logger)
	return res, nil
}

// refreshTable reloads the rule list after a save. A failed reload is logged
// only; the save itself has succeeded.
func (g *Gate) refreshTable(ctx context.Context, logger *zap.Logger) {
	if g.refresh == nil {
		return
	}
	if err := g.refresh(ctx); err != nil {
		logger.Warn("rule list refresh after save failed", zap.Error(err))
	}
}

func (g *Gate) notify(ctx context.Context, event MutationEvent) {
	for _, obs := range g.observers {
		obs.OnMutation(ctx, event)
	}
}
