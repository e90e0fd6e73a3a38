// Package console composes access, filters, the rule table and the editor
// into one stateful console per signed-in user.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/access"
	"github.com/pitabwire/rulesconsole/internal/export"
	"github.com/pitabwire/rulesconsole/internal/fieldmeta"
	"github.com/pitabwire/rulesconsole/internal/filter"
	"github.com/pitabwire/rulesconsole/internal/mutation"
	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/internal/query"
	"github.com/pitabwire/rulesconsole/internal/rulesapi"
	"github.com/pitabwire/rulesconsole/internal/validation"
	"github.com/pitabwire/rulesconsole/model"
)

// Columns are the table columns, in display order.
var Columns = []string{
	model.FieldSequenceNumber,
	model.FieldRuleType,
	model.FieldMDState,
	model.FieldShipToState,
	model.FieldChannel,
	model.FieldRegCatCode,
	model.FieldDrugSchedule,
	model.FieldRefillNumber,
	model.FieldQuantity,
	model.FieldDaysSupply,
}

// Deps are the shared collaborators every console is built from. Access,
// Metadata, Rules and Gate are required.
type Deps struct {
	Access   access.Source
	Metadata *fieldmeta.Provider
	Rules    query.Fetcher
	Gate     *mutation.Gate
	Engine   *validation.Engine
	Exporter *export.Exporter
	Query    query.Options
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// AccessView is the access state with its derived capabilities.
type AccessView struct {
	State         model.AccessState `json:"state"`
	IsWriteAccess bool              `json:"is_write_access"`
	CanCreate     bool              `json:"can_create"`
	CanEdit       bool              `json:"can_edit"`
	CanExport     bool              `json:"can_export"`
}

// FilterView describes the filter panel.
type FilterView struct {
	Inputs  []model.FilterInput `json:"inputs"`
	Draft   map[string]any      `json:"draft"`
	Active  model.FilterMap     `json:"active"`
	Summary string              `json:"summary,omitempty"`
}

// View is everything needed to render a started console.
type View struct {
	Access AccessView            `json:"access"`
	Fields model.FieldMetadata   `json:"fields"`
	Filter FilterView            `json:"filters"`
	Table  model.TableDescriptor `json:"table"`
	Editor mutation.View         `json:"editor"`
}

// Console is the state of one user's console. It is safe for concurrent use;
// network calls run outside its lock.
type Console struct {
	subject  string
	deps     Deps
	logger   *zap.Logger
	access   *access.Model
	filters  *filter.Normalizer
	query    *query.Coordinator
	editor   *mutation.Session
	exporter *export.Exporter

	now      func() time.Time
	mu       sync.Mutex
	fields   model.FieldMetadata
	started  bool
	lastUsed time.Time
}

// New creates an unstarted console for subject.
func New(subject string, deps Deps) *Console {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Console{
		subject:  subject,
		deps:     deps,
		logger:   logger.With(zap.String("console", subject)),
		access:   access.NewModel(deps.Access, logger),
		exporter: deps.Exporter,
		now:      time.Now,
		lastUsed: time.Now(),
	}
	c.query = query.NewCoordinator(deps.Rules, deps.Query, logger, deps.Metrics)
	c.filters = filter.NewNormalizer(func(ctx context.Context, fm model.FilterMap) error {
		_, err := c.query.SetFilters(ctx, fm)
		return err
	})
	gate := deps.Gate.ForTable(func(ctx context.Context) error {
		_, err := c.query.Refresh(ctx)
		return err
	})
	engine := deps.Engine
	if engine == nil {
		engine = validation.Default(logger)
	}
	c.editor = mutation.NewSession(gate, engine, deps.Metrics)
	return c
}

// Subject returns the owning subject id.
func (c *Console) Subject() string { return c.subject }

// Start loads access and the field schema and runs the first query. Calling
// it again resumes the console: the schema is reloaded and the table keeps
// its state. Access that has already loaded is kept as is; only a pending or
// failed fetch is retried. A schema failure blocks the console; a list
// failure only shows up on the table.
func (c *Console) Start(ctx context.Context) (View, error) {
	c.touch()
	logger := observability.RequestLogger(ctx, c.logger)

	if !c.access.Settled() {
		c.access.Fetch(ctx)
	}

	fields, err := c.deps.Metadata.Get(ctx)
	if err != nil {
		logger.Error("console cannot start without field metadata", zap.Error(err))
		return View{}, fmt.Errorf("console: load field metadata: %w", err)
	}

	c.filters.Restrict(fields)

	c.mu.Lock()
	c.fields = fields
	first := !c.started
	c.started = true
	c.mu.Unlock()

	if first {
		if _, err := c.query.Refresh(ctx); err != nil {
			logger.Warn("initial rule list fetch failed", zap.Error(err))
		}
		logger.Info("console started", zap.String("role", c.access.State().Role))
	}

	return c.View(), nil
}

// Started reports whether Start has succeeded at least once.
func (c *Console) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// View returns the full console state.
func (c *Console) View() View {
	return View{
		Access: c.Access(),
		Fields: c.Fields(),
		Filter: c.Filters(),
		Table:  c.Table(),
		Editor: c.editor.View(),
	}
}

// Access returns the access state and capabilities.
func (c *Console) Access() AccessView {
	st := c.access.State()
	return AccessView{
		State:         st,
		IsWriteAccess: st.IsWriteAccess(),
		CanCreate:     st.CanCreate(),
		CanEdit:       st.CanEdit(),
		CanExport:     st.CanExport(),
	}
}

// Fields returns the schema loaded by Start.
func (c *Console) Fields() model.FieldMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields
}

// Filters returns the filter panel.
func (c *Console) Filters() FilterView {
	fields := c.Fields()
	active := c.filters.Active()
	return FilterView{
		Inputs:  filter.Inputs(fields),
		Draft:   c.filters.Draft(),
		Active:  active,
		Summary: filter.Summary(active, fields),
	}
}

// SetDraft edits draft filter values without querying.
func (c *Console) SetDraft(values map[string]any) FilterView {
	c.touch()
	c.filters.SetAll(values)
	return c.Filters()
}

// ApplyFilters commits the draft and reloads the first page.
func (c *Console) ApplyFilters(ctx context.Context) (model.TableDescriptor, error) {
	c.touch()
	_, err := c.filters.Apply(ctx)
	return c.tableResult(err)
}

// ClearFilters empties the filters and reloads the first page.
func (c *Console) ClearFilters(ctx context.Context) (model.TableDescriptor, error) {
	c.touch()
	return c.tableResult(c.filters.Clear(ctx))
}

// Refresh reloads the current page.
func (c *Console) Refresh(ctx context.Context) (model.TableDescriptor, error) {
	c.touch()
	_, err := c.query.Refresh(ctx)
	return c.tableResult(err)
}

// SetPage moves to a 0-based page.
func (c *Console) SetPage(ctx context.Context, page int) (model.TableDescriptor, error) {
	c.touch()
	_, err := c.query.SetPage(ctx, page)
	return c.tableResult(err)
}

// SetPageSize changes the page size.
func (c *Console) SetPageSize(ctx context.Context, size int) (model.TableDescriptor, error) {
	c.touch()
	_, err := c.query.SetPageSize(ctx, size)
	return c.tableResult(err)
}

// ToggleSort sorts by field, flipping the direction if already sorted by it.
func (c *Console) ToggleSort(ctx context.Context, field string) (model.TableDescriptor, error) {
	c.touch()
	_, err := c.query.SetSort(ctx, field)
	return c.tableResult(err)
}

// tableResult folds list fetch failures into the table, which keeps the
// previous rows, and returns only request errors.
func (c *Console) tableResult(err error) (model.TableDescriptor, error) {
	table := c.Table()
	if err == nil {
		return table, nil
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Code == model.ErrBadRequest {
		return table, err
	}
	return table, nil
}

// Table returns the rule table.
func (c *Console) Table() model.TableDescriptor {
	snap := c.query.Snapshot()
	fields := c.Fields()
	acc := c.access.State()

	cols := make([]model.ColumnDescriptor, 0, len(Columns))
	for _, key := range Columns {
		col := model.ColumnDescriptor{Field: key, Label: fields.Label(key), Type: model.FieldKindText, Sortable: true}
		if f, ok := fields.Lookup(key); ok {
			col.Type = f.Type
		}
		cols = append(cols, col)
	}

	rows := snap.Page.Content
	if rows == nil {
		rows = []model.Rule{}
	}
	table := model.TableDescriptor{
		Columns:       cols,
		Rows:          rows,
		TotalElements: snap.Page.TotalElements,
		Query:         snap.Descriptor,
		PageSizes:     c.query.PageSizes(),
		Loading:       snap.Loading,
		Editable:      acc.CanEdit(),
		Creatable:     acc.CanCreate(),
		Exportable:    acc.CanExport(),
	}
	if snap.Err != nil {
		table.Error = rulesapi.FormatErrorMessage(snap.Err)
	}
	return table
}

// OpenCreate opens the editor on a new rule.
func (c *Console) OpenCreate() (mutation.View, error) {
	c.touch()
	if !c.access.CanCreate() {
		return mutation.View{}, model.NewForbiddenError("you do not have permission to create rules")
	}
	if err := c.editor.OpenNew(c.Fields()); err != nil {
		return mutation.View{}, err
	}
	return c.editor.View(), nil
}

// OpenEdit opens the editor on a rule from the current page.
func (c *Console) OpenEdit(id string) (mutation.View, error) {
	c.touch()
	if !c.access.CanEdit() {
		return mutation.View{}, model.NewForbiddenError("you do not have permission to edit rules")
	}
	rule, ok := c.findRow(id)
	if !ok {
		return mutation.View{}, model.NewNotFoundError(fmt.Sprintf("rule %q is not on the current page", id))
	}
	if err := c.editor.OpenExisting(rule, c.Fields()); err != nil {
		return mutation.View{}, err
	}
	return c.editor.View(), nil
}

func (c *Console) findRow(id string) (model.Rule, bool) {
	if id == "" {
		return model.Rule{}, false
	}
	for _, r := range c.query.Snapshot().Page.Content {
		if r.ID == id {
			return r, true
		}
	}
	return model.Rule{}, false
}

// Editor returns the editing session.
func (c *Console) Editor() mutation.View {
	return c.editor.View()
}

// EditFields sets several editor values. Keys are applied in sorted order and
// the first failure stops the batch.
func (c *Console) EditFields(values map[string]any) (mutation.View, error) {
	c.touch()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.editor.SetField(k, values[k]); err != nil {
			return c.editor.View(), err
		}
	}
	return c.editor.View(), nil
}

// Submit validates and saves the editor's working copy.
func (c *Console) Submit(ctx context.Context) (mutation.Result, error) {
	c.touch()
	return c.editor.Submit(ctx)
}

// CloseEditor discards the working copy.
func (c *Console) CloseEditor() error {
	c.touch()
	return c.editor.Close()
}

// CheckExport reports why an export cannot run: FORBIDDEN without the export
// permission, INTERNAL_ERROR when no exporter is configured. Callers that
// stream must check before writing any response header.
func (c *Console) CheckExport() error {
	if !c.access.CanExport() {
		return model.NewForbiddenError("you do not have permission to export rules")
	}
	if c.exporter == nil {
		return model.NewInternalError()
	}
	return nil
}

// Export streams the CSV for the active filters. It reports false when the
// stream failed; the failure is already logged.
func (c *Console) Export(ctx context.Context, w io.Writer, compress bool) (bool, error) {
	c.touch()
	if err := c.CheckExport(); err != nil {
		return false, err
	}
	filters := c.query.Descriptor().Filters
	if compress {
		return c.exporter.ExportGzip(ctx, filters, w), nil
	}
	return c.exporter.Export(ctx, filters, w), nil
}

// IsWriteAccess reports whether the user holds the write role.
func (c *Console) IsWriteAccess() bool {
	return c.access.IsWriteAccess()
}

// Busy reports whether a submission is in flight.
func (c *Console) Busy() bool {
	return c.editor.View().State == mutation.StateSubmitting
}

func (c *Console) touch() {
	c.mu.Lock()
	c.lastUsed = c.now()
	c.mu.Unlock()
}

// LastUsed returns the time of the last interaction.
func (c *Console) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}
