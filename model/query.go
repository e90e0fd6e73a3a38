package model

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Query defaults used when nothing else is configured.
const (
	DefaultPageSize  = 25
	DefaultSortField = FieldSequenceNumber
)

// DefaultPageSizes are the page sizes offered by the table.
var DefaultPageSizes = []int{25, 50, 100}

// List query parameters owned by paging and sorting. They are never filter
// keys.
const (
	ParamPage = "page"
	ParamSize = "size"
	ParamSort = "sort"
)

// IsReservedParam reports whether key is a paging or sorting parameter.
func IsReservedParam(key string) bool {
	return key == ParamPage || key == ParamSize || key == ParamSort
}

// FilterMap maps a field key to a non-empty filter value.
type FilterMap map[string]string

// Clone returns a copy of the map. A nil map clones to an empty map.
func (fm FilterMap) Clone() FilterMap {
	out := make(FilterMap, len(fm))
	for k, v := range fm {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same entries.
func (fm FilterMap) Equal(other FilterMap) bool {
	if len(fm) != len(other) {
		return false
	}
	for k, v := range fm {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Values encodes the filters as query parameters. Reserved keys are skipped.
func (fm FilterMap) Values() url.Values {
	v := url.Values{}
	for k, val := range fm {
		if !IsReservedParam(k) {
			v.Set(k, val)
		}
	}
	return v
}

// QueryDescriptor fully determines one list request.
type QueryDescriptor struct {
	Filters       FilterMap `json:"filters"`
	PageIndex     int       `json:"page"`
	PageSize      int       `json:"size"`
	SortField     string    `json:"sort_field"`
	SortDirection string    `json:"sort_direction"`
}

// DefaultQuery returns the descriptor of a freshly opened table.
func DefaultQuery() QueryDescriptor {
	return QueryDescriptor{
		Filters:       FilterMap{},
		PageIndex:     0,
		PageSize:      DefaultPageSize,
		SortField:     DefaultSortField,
		SortDirection: SortAsc,
	}
}

// SortToken returns the "field,direction" sort parameter.
func (q QueryDescriptor) SortToken() string {
	return fmt.Sprintf("%s,%s", q.SortField, q.SortDirection)
}

// Values encodes the descriptor as list query parameters.
func (q QueryDescriptor) Values() url.Values {
	v := q.Filters.Values()
	v.Set(ParamPage, strconv.Itoa(q.PageIndex))
	v.Set(ParamSize, strconv.Itoa(q.PageSize))
	v.Set(ParamSort, q.SortToken())
	return v
}

// Clone returns a deep copy.
func (q QueryDescriptor) Clone() QueryDescriptor {
	q.Filters = q.Filters.Clone()
	return q
}

// ValidationErrorMap maps a field key to a human-readable error. An empty map
// means the candidate is valid.
type ValidationErrorMap map[string]string

// Valid reports whether there are no errors.
func (m ValidationErrorMap) Valid() bool { return len(m) == 0 }

// FieldErrors converts the map into error envelope details, ordered by the
// given metadata. Fields not described by the metadata come last.
func (m ValidationErrorMap) FieldErrors(fields FieldMetadata) []FieldError {
	out := make([]FieldError, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, f := range fields {
		if msg, ok := m[f.Field]; ok {
			out = append(out, FieldError{Field: f.Field, Code: "INVALID", Message: msg})
			seen[f.Field] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out = append(out, FieldError{Field: k, Code: "INVALID", Message: m[k]})
	}
	return out
}
