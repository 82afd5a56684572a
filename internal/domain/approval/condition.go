package approval

import (
	"encoding/json"
	"strings"
)

// ConditionType discriminates the closed set of condition variants.
type ConditionType string

const (
	ConditionAmount     ConditionType = "amount"
	ConditionEntityType ConditionType = "entity_type"
	ConditionUserRole   ConditionType = "user_role"
	ConditionField      ConditionType = "field"
	ConditionManual     ConditionType = "manual"
)

// Operator is a comparison operator used by amount and field conditions.
type Operator string

const (
	OpGT       Operator = "gt"
	OpGTE      Operator = "gte"
	OpLT       Operator = "lt"
	OpLTE      Operator = "lte"
	OpEQ       Operator = "eq"
	OpNEQ      Operator = "neq"
	OpContains Operator = "contains"
)

// Condition is one declarative predicate over entity data. The Type field
// selects the variant; unused fields are left zero.
type Condition struct {
	Type     ConditionType `json:"type"`
	Field    string        `json:"field,omitempty"`
	Operator Operator      `json:"operator,omitempty"`
	Value    interface{}   `json:"value,omitempty"`
}

// Evaluate applies a single condition to an entity data snapshot. Missing
// fields, type mismatches and unknown variants all evaluate false rather
// than erroring, so a misconfigured condition can never widen a match.
func Evaluate(c Condition, entityData map[string]interface{}) bool {
	switch c.Type {
	case ConditionManual:
		return true

	case ConditionAmount:
		actual, ok := asNumber(entityData["amount"])
		if !ok {
			return false
		}
		expected, ok := asNumber(c.Value)
		if !ok {
			return false
		}
		return compareNumbers(actual, expected, c.Operator)

	case ConditionEntityType:
		return stringEquals(entityData["entity_type"], c.Value)

	case ConditionUserRole:
		return stringEquals(entityData["user_role"], c.Value)

	case ConditionField:
		if c.Field == "" {
			return false
		}
		return evaluateField(entityData[c.Field], c.Operator, c.Value)
	}
	return false
}

func evaluateField(actual interface{}, op Operator, expected interface{}) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		a, aok := asNumber(actual)
		e, eok := asNumber(expected)
		if !aok || !eok {
			return false
		}
		return compareNumbers(a, e, op)

	case OpEQ, OpNEQ:
		eq := looseEquals(actual, expected)
		if op == OpNEQ {
			return !eq
		}
		return eq

	case OpContains:
		as, aok := actual.(string)
		es, eok := expected.(string)
		if !aok || !eok {
			return false
		}
		return strings.Contains(as, es)
	}
	return false
}

func compareNumbers(a, b float64, op Operator) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	}
	return false
}

// asNumber coerces the numeric shapes that survive a JSON round trip.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringEquals(actual, expected interface{}) bool {
	as, aok := actual.(string)
	es, eok := expected.(string)
	return aok && eok && as == es
}

// looseEquals compares scalars, treating all numeric types as float64 so
// that an int in config matches a float64 decoded from JSON.
func looseEquals(a, b interface{}) bool {
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}
