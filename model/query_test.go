package model

import "testing"

func TestDefaultQuery(t *testing.T) {
	q := DefaultQuery()
	if q.PageIndex != 0 || q.PageSize != 25 || q.SortField != "sequenceNumber" || q.SortDirection != SortAsc {
		t.Errorf("DefaultQuery() = %+v", q)
	}
}

func TestQueryDescriptor_Values(t *testing.T) {
	q := DefaultQuery()
	q.Filters = FilterMap{"mdState": "NY"}
	q.PageIndex = 2
	q.SortField = "quantity"
	q.SortDirection = SortDesc

	v := q.Values()
	want := map[string]string{"mdState": "NY", "page": "2", "size": "25", "sort": "quantity,desc"}
	for k, w := range want {
		if got := v.Get(k); got != w {
			t.Errorf("Values().Get(%q) = %q, want %q", k, got, w)
		}
	}
	if len(v) != len(want) {
		t.Errorf("Values() has %d keys, want %d", len(v), len(want))
	}
}

func TestFilterMap_ValuesSkipsReservedKeys(t *testing.T) {
	v := FilterMap{"mdState": "NY", "size": "999", "page": "4", "sort": "x,asc"}.Values()
	if len(v) != 1 || v.Get("mdState") != "NY" {
		t.Errorf("Values() = %v, want only mdState", v)
	}
}

func TestQueryDescriptor_Clone_is_independent(t *testing.T) {
	q := DefaultQuery()
	q.Filters["channel"] = "retail"
	c := q.Clone()
	c.Filters["channel"] = "mail"
	if q.Filters["channel"] != "retail" {
		t.Errorf("original filters mutated: %v", q.Filters)
	}
}

func TestFilterMap_Equal(t *testing.T) {
	a := FilterMap{"mdState": "NY"}
	if !a.Equal(FilterMap{"mdState": "NY"}) {
		t.Error("Equal(same) = false")
	}
	if a.Equal(FilterMap{"mdState": "NJ"}) {
		t.Error("Equal(different value) = true")
	}
	if a.Equal(FilterMap{}) {
		t.Error("Equal(empty) = true")
	}
}

func TestValidationErrorMap_FieldErrors_order(t *testing.T) {
	fields := FieldMetadata{{Field: "ruleType"}, {Field: "quantity"}}
	m := ValidationErrorMap{"quantity": "q", "zeta": "z", "ruleType": "r", "alpha": "a"}
	got := m.FieldErrors(fields)
	want := []string{"ruleType", "quantity", "alpha", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("FieldErrors() len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Field != w {
			t.Errorf("FieldErrors()[%d].Field = %q, want %q", i, got[i].Field, w)
		}
	}
}

func TestFieldMetadata_Defaults(t *testing.T) {
	min := 5.0
	fm := FieldMetadata{
		{Field: "ruleType", Type: FieldKindDropdown},
		{Field: "quantity", Type: FieldKindNumber, Min: &min},
		{Field: "daysAgo", Type: FieldKindNumber},
		{Field: "channel", Type: FieldKindText},
	}
	d := fm.Defaults()
	if d["ruleType"] != "" || d["channel"] != "" {
		t.Errorf("text defaults = %v", d)
	}
	if d["quantity"] != 5.0 {
		t.Errorf("quantity default = %v, want 5", d["quantity"])
	}
	if d["daysAgo"] != 0.0 {
		t.Errorf("daysAgo default = %v, want 0", d["daysAgo"])
	}
	if fm.Label("quantity") != "quantity" {
		t.Errorf("Label() fallback = %q", fm.Label("quantity"))
	}
}
