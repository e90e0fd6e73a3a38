package model

import (
	"fmt"
	"strings"
)

// Rule attribute keys, as used by the backend and the field metadata.
const (
	FieldID                         = "id"
	FieldSequenceNumber             = "sequenceNumber"
	FieldRuleType                   = "ruleType"
	FieldMDState                    = "mdState"
	FieldShipToState                = "shipToState"
	FieldZipCode                    = "zipCode"
	FieldChannel                    = "channel"
	FieldRegCatCode                 = "regCatCode"
	FieldDrugSchedule               = "drugSchedule"
	FieldRefillNumber               = "refillNumber"
	FieldQuantity                   = "quantity"
	FieldDaysSupply                 = "daysSupply"
	FieldUserLocation               = "userLocation"
	FieldDispensingLocation         = "dispensingLocation"
	FieldProtocol                   = "protocol"
	FieldDaysAgo                    = "daysAgo"
	FieldMaxDaysSupply              = "maxDaysSupply"
	FieldMaxQuantity                = "maxQuantity"
	FieldMaxRefill                  = "maxRefill"
	FieldMaxDaysAllowedToExpiryDate = "maxDaysAllowedToExpiryDate"
)

// Rule is a regulatory dispensing-constraint record as stored by the backend.
type Rule struct {
	ID                         string `json:"id,omitempty"`
	SequenceNumber             string `json:"sequenceNumber"`
	RuleType                   string `json:"ruleType"`
	MDState                    string `json:"mdState"`
	ShipToState                string `json:"shipToState"`
	ZipCode                    string `json:"zipCode,omitempty"`
	Channel                    string `json:"channel,omitempty"`
	RegCatCode                 string `json:"regCatCode,omitempty"`
	DrugSchedule               string `json:"drugSchedule,omitempty"`
	RefillNumber               *int64 `json:"refillNumber,omitempty"`
	Quantity                   *int64 `json:"quantity,omitempty"`
	DaysSupply                 *int64 `json:"daysSupply,omitempty"`
	UserLocation               string `json:"userLocation,omitempty"`
	DispensingLocation         string `json:"dispensingLocation,omitempty"`
	Protocol                   string `json:"protocol,omitempty"`
	DaysAgo                    *int64 `json:"daysAgo,omitempty"`
	MaxDaysSupply              *int64 `json:"maxDaysSupply,omitempty"`
	MaxQuantity                *int64 `json:"maxQuantity,omitempty"`
	MaxRefill                  *int64 `json:"maxRefill,omitempty"`
	MaxDaysAllowedToExpiryDate *int64 `json:"maxDaysAllowedToExpiryDate,omitempty"`
}

// IsNew reports whether the rule has not been persisted yet.
func (r Rule) IsNew() bool {
	return r.ID == ""
}

func (r *Rule) stringFields() map[string]*string {
	return map[string]*string{
		FieldSequenceNumber:     &r.SequenceNumber,
		FieldRuleType:           &r.RuleType,
		FieldMDState:            &r.MDState,
		FieldShipToState:        &r.ShipToState,
		FieldZipCode:            &r.ZipCode,
		FieldChannel:            &r.Channel,
		FieldRegCatCode:         &r.RegCatCode,
		FieldDrugSchedule:       &r.DrugSchedule,
		FieldUserLocation:       &r.UserLocation,
		FieldDispensingLocation: &r.DispensingLocation,
		FieldProtocol:           &r.Protocol,
	}
}

func (r *Rule) numericFields() map[string]**int64 {
	return map[string]**int64{
		FieldRefillNumber:               &r.RefillNumber,
		FieldQuantity:                   &r.Quantity,
		FieldDaysSupply:                 &r.DaysSupply,
		FieldDaysAgo:                    &r.DaysAgo,
		FieldMaxDaysSupply:              &r.MaxDaysSupply,
		FieldMaxQuantity:                &r.MaxQuantity,
		FieldMaxRefill:                  &r.MaxRefill,
		FieldMaxDaysAllowedToExpiryDate: &r.MaxDaysAllowedToExpiryDate,
	}
}

// Record returns a mutable working copy of the rule. Absent numeric values
// are carried as nil.
func (r Rule) Record() Record {
	rec := Record{}
	if r.ID != "" {
		rec[FieldID] = r.ID
	}
	for k, p := range r.stringFields() {
		rec[k] = *p
	}
	for k, p := range r.numericFields() {
		if *p == nil {
			rec[k] = nil
		} else {
			rec[k] = **p
		}
	}
	return rec
}

// RuleFromRecord converts a working copy into a Rule. Unknown keys are
// ignored. Numeric values that do not parse as whole numbers are reported as
// field errors.
func RuleFromRecord(rec Record) (Rule, []FieldError) {
	var r Rule
	var errs []FieldError
	r.ID = rec.ID()
	for k, p := range r.stringFields() {
		if v, ok := rec[k]; ok && v != nil {
			*p = strings.TrimSpace(fmt.Sprint(v))
		}
	}
	for k, p := range r.numericFields() {
		n, err := ParseInt(rec[k])
		if err != nil {
			errs = append(errs, FieldError{Field: k, Code: "INVALID_NUMBER", Message: err.Error()})
			continue
		}
		*p = n
	}
	return r, errs
}

// Record is the ephemeral working copy of a rule while it is being edited.
// Values are whatever the UI sent: strings, JSON numbers or nil.
type Record map[string]any

// ID returns the record identifier, or "" for a new record.
func (r Record) ID() string {
	switch v := r[FieldID].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RulePage is one page of the rule list.
type RulePage struct {
	Content       []Rule `json:"content"`
	TotalElements int64  `json:"totalElements"`
}
