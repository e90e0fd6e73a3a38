package model

// Field input kinds.
const (
	FieldKindText     = "text"
	FieldKindNumber   = "number"
	FieldKindDropdown = "dropdown"
)

// FieldDescriptor describes one rule attribute: its input kind, label and
// constraints. It is fetched from the backend and never mutated.
type FieldDescriptor struct {
	Field    string   `json:"field"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// IsNumber reports whether the field takes numeric input.
func (f FieldDescriptor) IsNumber() bool { return f.Type == FieldKindNumber }

// IsDropdown reports whether the field takes one of a fixed set of options.
func (f FieldDescriptor) IsDropdown() bool { return f.Type == FieldKindDropdown }

// FieldMetadata is the ordered field schema shared by filters, forms,
// validation and the table.
type FieldMetadata []FieldDescriptor

// Lookup returns the descriptor for the given field key.
func (fm FieldMetadata) Lookup(field string) (FieldDescriptor, bool) {
	for _, f := range fm {
		if f.Field == field {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Label returns the display label for a field, falling back to the key.
func (fm FieldMetadata) Label(field string) string {
	if f, ok := fm.Lookup(field); ok && f.Label != "" {
		return f.Label
	}
	return field
}

// Defaults returns the working copy of a new rule: number fields start at
// their minimum (or 0), everything else starts empty.
func (fm FieldMetadata) Defaults() Record {
	rec := make(Record, len(fm))
	for _, f := range fm {
		if f.IsNumber() {
			if f.Min != nil {
				rec[f.Field] = *f.Min
			} else {
				rec[f.Field] = float64(0)
			}
			continue
		}
		rec[f.Field] = ""
	}
	return rec
}

// ColumnDescriptor describes a visible table column.
type ColumnDescriptor struct {
	Field    string `json:"field"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Sortable bool   `json:"sortable"`
}

// FilterInput describes one filter control. Bounds on number inputs are
// advisory.
type FilterInput struct {
	Field   string   `json:"field"`
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// TableDescriptor is the rule table sent to the frontend. Editable, Creatable
// and Exportable gate the row edit, add and export affordances.
type TableDescriptor struct {
	Columns       []ColumnDescriptor `json:"columns"`
	Rows          []Rule             `json:"rows"`
	TotalElements int64              `json:"total_elements"`
	Query         QueryDescriptor    `json:"query"`
	PageSizes     []int              `json:"page_sizes"`
	Loading       bool               `json:"loading"`
	Error         string             `json:"error,omitempty"`
	Editable      bool               `json:"editable"`
	Creatable     bool               `json:"creatable"`
	Exportable    bool               `json:"exportable"`
}
