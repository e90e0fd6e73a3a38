package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseNumber converts a working-copy value into a decimal. present is false
// for nil values and blank strings. Values that are not numbers return an
// error.
func ParseNumber(v any) (d decimal.Decimal, present bool, err error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, false, nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, false, nil
		}
		d, err = decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, true, fmt.Errorf("%q is not a number", n)
		}
		return d, true, nil
	case json.Number:
		d, err = decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, true, fmt.Errorf("%q is not a number", n.String())
		}
		return d, true, nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, true, fmt.Errorf("%v is not a number", n)
		}
		return decimal.NewFromFloat(n), true, nil
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Zero, true, fmt.Errorf("%v is not a number", n)
		}
		return decimal.NewFromFloat32(n), true, nil
	case int:
		return decimal.NewFromInt(int64(n)), true, nil
	case int32:
		return decimal.NewFromInt32(n), true, nil
	case int64:
		return decimal.NewFromInt(n), true, nil
	case *int64:
		if n == nil {
			return decimal.Zero, false, nil
		}
		return decimal.NewFromInt(*n), true, nil
	default:
		return decimal.Zero, true, fmt.Errorf("%v is not a number", v)
	}
}

// ParseInt is ParseNumber restricted to whole numbers.
func ParseInt(v any) (*int64, error) {
	d, present, err := ParseNumber(v)
	if err != nil || !present {
		return nil, err
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("%s is not a whole number", d.String())
	}
	i := d.IntPart()
	return &i, nil
}
