package condition

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Evaluate reports whether record satisfies groups. Conditions within a
// group are AND-ed and groups are OR-ed; an empty group list matches.
// Fields absent from record evaluate as null. types may be nil.
//
// Evaluate has no side effects and is safe for concurrent use.
func Evaluate(groups []rule.ConditionGroup, record map[string]any, types rule.FieldTypes) (bool, error) {
	if len(groups) == 0 {
		return true, nil
	}
	for _, g := range groups {
		ok, err := evalGroup(g, record, types)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil // short-circuit
		}
	}
	return false, nil
}

func evalGroup(g rule.ConditionGroup, record map[string]any, types rule.FieldTypes) (bool, error) {
	for _, c := range g.Conditions {
		ok, err := EvaluateCondition(c, record, types)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil // short-circuit
		}
	}
	return true, nil
}

// EvaluateCondition applies a single condition to record.
func EvaluateCondition(c rule.Condition, record map[string]any, types rule.FieldTypes) (bool, error) {
	val, _ := Resolve(record, c.Field)
	switch c.Operator {
	case rule.OpIsNull:
		return isNull(val), nil
	case rule.OpIsNotNull:
		return !isNull(val), nil
	case rule.OpEquals:
		return equal(val, c.Value, isDateField(c.Field, types)), nil
	case rule.OpNotEquals:
		return !equal(val, c.Value, isDateField(c.Field, types)), nil
	case rule.OpGreaterThan:
		n, ok := order(val, c.Value)
		return ok && n > 0, nil
	case rule.OpLessThan:
		n, ok := order(val, c.Value)
		return ok && n < 0, nil
	case rule.OpContains:
		return containsOp(val, c.Value), nil
	default:
		return false, fmt.Errorf("%w %q on field %q", rule.ErrUnknownOperator, c.Operator, c.Field)
	}
}

// Resolve looks up field in record. An exact key wins; otherwise a dotted
// path like "address.city" walks nested maps.
func Resolve(record map[string]any, field string) (any, bool) {
	if record == nil {
		return nil, false
	}
	if v, ok := record[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}
	var cur any = record
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
