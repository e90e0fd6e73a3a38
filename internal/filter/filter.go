// Package filter turns the user's draft filter inputs into the canonical
// filter map committed to the rule query.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pitabwire/rulesconsole/model"
)

// AnyOption is the dropdown choice meaning "do not filter on this field".
const AnyOption = ""

// CommitFunc receives the normalized filters when they are applied or
// cleared. The query coordinator's SetFilters is the usual commit target.
type CommitFunc func(ctx context.Context, filters model.FilterMap) error

// Normalize drops nil and blank values from a draft and renders the rest as
// trimmed strings. Paging and sorting parameter names are dropped too. The
// result never holds an empty value.
func Normalize(draft map[string]any) model.FilterMap {
	out := make(model.FilterMap, len(draft))
	for k, v := range draft {
		if model.IsReservedParam(k) {
			continue
		}
		if s, ok := render(v); ok {
			out[k] = s
		}
	}
	return out
}

func render(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = formatFloat(t)
	case float32:
		s = formatFloat(float64(t))
	case bool:
		s = strconv.FormatBool(t)
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Normalizer holds the draft being edited and the filters last committed.
// It is safe for concurrent use.
type Normalizer struct {
	commit CommitFunc

	mu     sync.Mutex
	fields map[string]bool // nil until Restrict
	draft  map[string]any
	active model.FilterMap
}

// NewNormalizer creates an empty normalizer that commits through commit.
func NewNormalizer(commit CommitFunc) *Normalizer {
	return &Normalizer{
		commit: commit,
		draft:  map[string]any{},
		active: model.FilterMap{},
	}
}

// Restrict limits the draft to the fields described by fm and discards any
// draft value for other keys.
func (n *Normalizer) Restrict(fm model.FieldMetadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fields = make(map[string]bool, len(fm))
	for _, f := range fm {
		n.fields[f.Field] = true
	}
	for k := range n.draft {
		if !n.accepts(k) {
			delete(n.draft, k)
		}
	}
}

func (n *Normalizer) accepts(field string) bool {
	if model.IsReservedParam(field) {
		return false
	}
	return n.fields == nil || n.fields[field]
}

// Set edits one draft value. Keys that are not filterable fields are
// ignored. Nothing is committed.
func (n *Normalizer) Set(field string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.accepts(field) {
		return
	}
	if _, ok := render(value); !ok {
		delete(n.draft, field)
		return
	}
	n.draft[field] = value
}

// SetAll edits several draft values at once.
func (n *Normalizer) SetAll(values map[string]any) {
	for k, v := range values {
		n.Set(k, v)
	}
}

// Draft returns a copy of the uncommitted inputs.
func (n *Normalizer) Draft() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]any, len(n.draft))
	for k, v := range n.draft {
		out[k] = v
	}
	return out
}

// Active returns a copy of the committed filters.
func (n *Normalizer) Active() model.FilterMap {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active.Clone()
}

// Apply normalizes the draft, makes it the active filter set and commits it.
func (n *Normalizer) Apply(ctx context.Context) (model.FilterMap, error) {
	n.mu.Lock()
	active := Normalize(n.draft)
	n.active = active
	n.mu.Unlock()

	return active.Clone(), n.send(ctx, active.Clone())
}

// Clear empties both the draft and the active filters and commits the empty
// set.
func (n *Normalizer) Clear(ctx context.Context) error {
	n.mu.Lock()
	n.draft = map[string]any{}
	n.active = model.FilterMap{}
	n.mu.Unlock()

	return n.send(ctx, model.FilterMap{})
}

func (n *Normalizer) send(ctx context.Context, filters model.FilterMap) error {
	if n.commit == nil {
		return nil
	}
	return n.commit(ctx, filters)
}

// Inputs describes one filter control per field. Dropdowns get AnyOption
// first; number bounds are advisory only.
func Inputs(fields model.FieldMetadata) []model.FilterInput {
	out := make([]model.FilterInput, 0, len(fields))
	for _, f := range fields {
		in := model.FilterInput{Field: f.Field, Label: f.Label, Type: f.Type}
		switch {
		case f.IsDropdown():
			in.Options = append([]string{AnyOption}, f.Options...)
		case f.IsNumber():
			in.Min, in.Max = f.Min, f.Max
		}
		out = append(out, in)
	}
	return out
}

// Summary renders active filters as "key: value" pairs in metadata order,
// with unknown keys last.
func Summary(filters model.FilterMap, fields model.FieldMetadata) string {
	parts := make([]string, 0, len(filters))
	seen := make(map[string]bool, len(filters))
	for _, f := range fields {
		if v, ok := filters[f.Field]; ok {
			parts = append(parts, f.Field+": "+v)
			seen[f.Field] = true
		}
	}
	var rest []string
	for k := range filters {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		parts = append(parts, k+": "+filters[k])
	}
	return strings.Join(parts, ", ")
}
