// Package validation checks a rule working copy against the field schema and
// the cross-field business rules before it may be submitted.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/model"
)

// CrossFieldRule relates numeric fields of one record. Expression is an
// expr-lang boolean over the operand fields, bound as decimal.Decimal values,
// that is true when the rule is violated. The rule is skipped unless every
// operand is present and numeric.
type CrossFieldRule struct {
	Field      string
	Operands   []string
	Expression string
	Message    string
}

// DefaultRules are the dispensing limits every rule record must respect.
var DefaultRules = []CrossFieldRule{
	{
		Field:      model.FieldDaysSupply,
		Operands:   []string{model.FieldDaysSupply, model.FieldMaxDaysSupply},
		Expression: "daysSupply.GreaterThan(maxDaysSupply)",
		Message:    "Days supply cannot exceed max days supply",
	},
	{
		Field:      model.FieldQuantity,
		Operands:   []string{model.FieldQuantity, model.FieldMaxQuantity},
		Expression: "quantity.GreaterThan(maxQuantity)",
		Message:    "Quantity cannot exceed max quantity",
	},
	{
		Field:      model.FieldRefillNumber,
		Operands:   []string{model.FieldRefillNumber, model.FieldMaxRefill},
		Expression: "refillNumber.GreaterThan(maxRefill)",
		Message:    "Refill number cannot exceed max refill",
	},
}

type compiledRule struct {
	CrossFieldRule
	program *vm.Program
}

// Engine validates working copies. It holds only compiled rules and is safe
// for concurrent use.
type Engine struct {
	rules  []compiledRule
	logger *zap.Logger
}

// NewEngine compiles rules once. A rule that does not compile is an error.
func NewEngine(rules []CrossFieldRule, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger}
	for _, r := range rules {
		if r.Field == "" || len(r.Operands) == 0 {
			return nil, fmt.Errorf("validation: rule %q needs a field and operands", r.Expression)
		}
		env := make(map[string]any, len(r.Operands))
		for _, op := range r.Operands {
			env[op] = decimal.Decimal{}
		}
		prog, err := expr.Compile(r.Expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("validation: compile %q: %w", r.Expression, err)
		}
		e.rules = append(e.rules, compiledRule{CrossFieldRule: r, program: prog})
	}
	return e, nil
}

// Default returns an engine with DefaultRules.
func Default(logger *zap.Logger) *Engine {
	e, err := NewEngine(DefaultRules, logger)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate returns one message per failing field. Checks run in order,
// required then bounds then cross-field rules, and a later failure replaces
// an earlier message for the same field. The candidate is not modified.
func (e *Engine) Validate(candidate model.Record, fields model.FieldMetadata) model.ValidationErrorMap {
	errs := model.ValidationErrorMap{}

	for _, f := range fields {
		if f.Required && isFalsy(candidate[f.Field], f) {
			errs[f.Field] = fmt.Sprintf("%s is required", labelOf(f))
		}
	}

	for _, f := range fields {
		if !f.IsNumber() {
			continue
		}
		if msg := checkBounds(candidate[f.Field], f); msg != "" {
			errs[f.Field] = msg
		}
	}

	for _, r := range e.rules {
		if violated, ok := e.evaluate(r, candidate); ok && violated {
			errs[r.Field] = r.Message
		}
	}

	return errs
}

// evaluate runs one cross-field rule. ok is false when the rule does not
// apply or could not be evaluated.
func (e *Engine) evaluate(r compiledRule, candidate model.Record) (violated, ok bool) {
	env := make(map[string]any, len(r.Operands))
	for _, op := range r.Operands {
		d, present, err := model.ParseNumber(candidate[op])
		if err != nil || !present {
			return false, false
		}
		env[op] = d
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Debug("cross-field rule panicked", zap.String("rule", r.Expression), zap.Any("panic", rec))
			violated, ok = false, false
		}
	}()

	out, err := expr.Run(r.program, env)
	if err != nil {
		e.logger.Debug("cross-field rule evaluation failed", zap.String("rule", r.Expression), zap.Error(err))
		return false, false
	}
	b, isBool := out.(bool)
	return b, isBool
}

func checkBounds(v any, f model.FieldDescriptor) string {
	d, present, err := model.ParseNumber(v)
	if !present {
		return ""
	}
	if err != nil {
		return fmt.Sprintf("%s must be a number", labelOf(f))
	}
	if f.Min != nil {
		if lo, ok := boundOf(*f.Min); ok && d.LessThan(lo) {
			return fmt.Sprintf("Minimum value is %s", lo.String())
		}
	}
	if f.Max != nil {
		if hi, ok := boundOf(*f.Max); ok && d.GreaterThan(hi) {
			return fmt.Sprintf("Maximum value is %s", hi.String())
		}
	}
	return ""
}

func boundOf(f float64) (decimal.Decimal, bool) {
	d, present, err := model.ParseNumber(f)
	return d, present && err == nil
}

// isFalsy reports whether a required value counts as missing.
func isFalsy(v any, f model.FieldDescriptor) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return true
		}
		if f.IsNumber() {
			d, err := decimal.NewFromString(s)
			return err == nil && d.IsZero()
		}
		return false
	case json.Number, float64, float32, int, int32, int64, *int64:
		d, present, err := model.ParseNumber(t)
		return !present || (err == nil && d.IsZero())
	default:
		return false
	}
}

func labelOf(f model.FieldDescriptor) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Field
}
