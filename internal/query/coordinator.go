// Package query owns the rule table's query descriptor and keeps the
// displayed page consistent with the latest descriptor.
package query

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/model"
)

// List fetch outcomes, as recorded in metrics.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeSuperseded = "superseded"
)

// Fetcher loads one page of rules. *rulesapi.Client satisfies it.
type Fetcher interface {
	ListRules(ctx context.Context, q model.QueryDescriptor) (model.RulePage, error)
}

// Options configures the table defaults.
type Options struct {
	PageSizes        []int
	DefaultPageSize  int
	DefaultSortField string
}

// Snapshot is a consistent view of the coordinator. Page is the last page
// fetched successfully; Err is set when the latest fetch failed.
type Snapshot struct {
	Descriptor model.QueryDescriptor
	Page       model.RulePage
	Err        error
	Loading    bool
	Generation uint64
}

// Coordinator turns filter, page and sort changes into list fetches. Every
// change bumps a generation; a fetch result is applied only if no newer
// change happened while it was in flight. There is no retry and in-flight
// fetches are never cancelled.
type Coordinator struct {
	fetcher   Fetcher
	pageSizes []int
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu         sync.Mutex
	desc       model.QueryDescriptor
	generation uint64
	page       model.RulePage
	err        error
	loading    bool
}

// NewCoordinator creates a coordinator at the default descriptor. No fetch is
// issued until the first change or Refresh.
func NewCoordinator(fetcher Fetcher, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	desc := model.DefaultQuery()
	pageSizes := model.DefaultPageSizes
	if len(opts.PageSizes) > 0 {
		pageSizes = slices.Clone(opts.PageSizes)
	}
	if opts.DefaultPageSize > 0 {
		desc.PageSize = opts.DefaultPageSize
	}
	if opts.DefaultSortField != "" {
		desc.SortField = opts.DefaultSortField
	}
	return &Coordinator{
		fetcher:   fetcher,
		pageSizes: pageSizes,
		logger:    logger,
		metrics:   metrics,
		desc:      desc,
		page:      model.RulePage{Content: []model.Rule{}},
	}
}

// PageSizes returns the allowed page sizes.
func (c *Coordinator) PageSizes() []int {
	return slices.Clone(c.pageSizes)
}

// Descriptor returns the current query descriptor.
func (c *Coordinator) Descriptor() model.QueryDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc.Clone()
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetFilters replaces the filters and returns to the first page.
func (c *Coordinator) SetFilters(ctx context.Context, filters model.FilterMap) (Snapshot, error) {
	return c.update(ctx, func(d *model.QueryDescriptor) error {
		d.Filters = filters.Clone()
		d.PageIndex = 0
		return nil
	})
}

// SetPage moves to a 0-based page, keeping filters and size.
func (c *Coordinator) SetPage(ctx context.Context, page int) (Snapshot, error) {
	if page < 0 {
		return c.Snapshot(), model.NewBadRequestError(fmt.Sprintf("page %d must not be negative", page))
	}
	return c.update(ctx, func(d *model.QueryDescriptor) error {
		d.PageIndex = page
		return nil
	})
}

// SetPageSize changes the page size and returns to the first page. Sizes
// outside the allowed set are rejected without a fetch.
func (c *Coordinator) SetPageSize(ctx context.Context, size int) (Snapshot, error) {
	if !slices.Contains(c.pageSizes, size) {
		return c.Snapshot(), model.NewBadRequestError(
			fmt.Sprintf("page size %d is not one of %v", size, c.pageSizes))
	}
	return c.update(ctx, func(d *model.QueryDescriptor) error {
		d.PageSize = size
		d.PageIndex = 0
		return nil
	})
}

// SetSort toggles the sort: the current column flips direction, any other
// column starts ascending.
func (c *Coordinator) SetSort(ctx context.Context, field string) (Snapshot, error) {
	if strings.TrimSpace(field) == "" {
		return c.Snapshot(), model.NewBadRequestError("sort field is required")
	}
	return c.update(ctx, func(d *model.QueryDescriptor) error {
		d.SortDirection = NextDirection(d.SortField, d.SortDirection, field)
		d.SortField = field
		return nil
	})
}

// SetSortDirection sorts by field in an explicit direction.
func (c *Coordinator) SetSortDirection(ctx context.Context, field, direction string) (Snapshot, error) {
	if strings.TrimSpace(field) == "" {
		return c.Snapshot(), model.NewBadRequestError("sort field is required")
	}
	if direction != model.SortAsc && direction != model.SortDesc {
		return c.Snapshot(), model.NewBadRequestError(
			fmt.Sprintf("sort direction %q must be asc or desc", direction))
	}
	return c.update(ctx, func(d *model.QueryDescriptor) error {
		d.SortField = field
		d.SortDirection = direction
		return nil
	})
}

// Refresh refetches the current descriptor.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	return c.update(ctx, func(*model.QueryDescriptor) error { return nil })
}

// NextDirection returns the direction after clicking column next while the
// table is sorted by current in currentDir.
func NextDirection(current, currentDir, next string) string {
	if current == next && currentDir == model.SortAsc {
		return model.SortDesc
	}
	return model.SortAsc
}

// update applies mutate to a copy of the descriptor, publishes it under a new
// generation and fetches it outside the lock.
func (c *Coordinator) update(ctx context.Context, mutate func(*model.QueryDescriptor) error) (Snapshot, error) {
	c.mu.Lock()
	next := c.desc.Clone()
	if err := mutate(&next); err != nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}
	c.generation++
	gen := c.generation
	c.desc = next
	c.loading = true
	c.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "query.fetch",
		observability.AttrGeneration.Int64(int64(gen)),
		observability.AttrPageIndex.Int(next.PageIndex),
	)
	page, err := c.fetcher.ListRules(ctx, next.Clone())
	observability.EndSpanWithError(span, err)

	logger := observability.RequestLogger(ctx, c.logger)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.metrics.RecordListFetch(OutcomeSuperseded)
		logger.Debug("discarding superseded rule page",
			zap.Uint64("generation", gen),
			zap.Uint64("current", c.generation),
		)
		return c.snapshotLocked(), nil
	}

	c.loading = false
	if err != nil {
		c.err = err
		c.metrics.RecordListFetch(OutcomeError)
		logger.Warn("rule list fetch failed, keeping previous page", zap.Error(err))
		return c.snapshotLocked(), err
	}

	if page.Content == nil {
		page.Content = []model.Rule{}
	}
	c.page = page
	c.err = nil
	c.metrics.RecordListFetch(OutcomeOK)
	return c.snapshotLocked(), nil
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		Descriptor: c.desc.Clone(),
		Page:       c.page,
		Err:        c.err,
		Loading:    c.loading,
		Generation: c.generation,
	}
}
