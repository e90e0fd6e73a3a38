// Package fieldmeta caches the rule field schema published by the backend.
package fieldmeta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/model"
)

// DefaultStaleAfter is how long fetched metadata is considered fresh.
const DefaultStaleAfter = 5 * time.Minute

// Fetcher loads the field schema. *rulesapi.Client satisfies it.
type Fetcher interface {
	FieldMetadata(ctx context.Context) (model.FieldMetadata, error)
}

// Provider serves the shared field schema. The schema is the same for every
// user, so one entry is cached for all consoles. A failed refresh keeps
// serving the previous schema.
type Provider struct {
	fetcher    Fetcher
	staleAfter time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	fetchMu sync.Mutex

	mu        sync.RWMutex
	fields    model.FieldMetadata
	fetchedAt time.Time
}

// NewProvider creates a provider that refetches after staleAfter.
func NewProvider(fetcher Fetcher, staleAfter time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Provider {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		fetcher:    fetcher,
		staleAfter: staleAfter,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Get returns the field schema, fetching it when missing or stale.
func (p *Provider) Get(ctx context.Context) (model.FieldMetadata, error) {
	if fields, ok := p.fresh(); ok {
		p.metrics.RecordMetadataCacheHit()
		return fields, nil
	}

	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()

	// Another caller may have refreshed while we waited.
	if fields, ok := p.fresh(); ok {
		p.metrics.RecordMetadataCacheHit()
		return fields, nil
	}
	p.metrics.RecordMetadataCacheMiss()

	fields, err := p.fetcher.FieldMetadata(ctx)
	if err == nil {
		err = Check(fields)
	}
	if err != nil {
		p.mu.RLock()
		stale := p.fields
		p.mu.RUnlock()
		if stale != nil {
			observability.RequestLogger(ctx, p.logger).Warn("field metadata refresh failed, serving stale schema", zap.Error(err))
			return stale, nil
		}
		return nil, fmt.Errorf("fieldmeta: load: %w", err)
	}

	p.mu.Lock()
	p.fields = fields
	p.fetchedAt = p.now()
	p.mu.Unlock()

	p.logger.Debug("field metadata loaded", zap.Int("fields", len(fields)))
	return fields, nil
}

// Invalidate forces the next Get to refetch.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.fetchedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Provider) fresh() (model.FieldMetadata, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fields == nil || p.now().Sub(p.fetchedAt) >= p.staleAfter {
		return nil, false
	}
	return p.fields, true
}

// Check rejects a schema that consumers cannot work with: an empty list,
// blank or duplicate keys, unknown input kinds and dropdowns without options.
func Check(fields model.FieldMetadata) error {
	if len(fields) == 0 {
		return fmt.Errorf("field metadata is empty")
	}
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		if f.Field == "" {
			return fmt.Errorf("field %d has no key", i)
		}
		if seen[f.Field] {
			return fmt.Errorf("field %q is declared twice", f.Field)
		}
		seen[f.Field] = true
		switch f.Type {
		case model.FieldKindText, model.FieldKindNumber:
		case model.FieldKindDropdown:
			if len(f.Options) == 0 {
				return fmt.Errorf("dropdown field %q has no options", f.Field)
			}
		default:
			return fmt.Errorf("field %q has unknown type %q", f.Field, f.Type)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("field %q has min greater than max", f.Field)
		}
	}
	return nil
}
