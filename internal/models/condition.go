package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition is a parsed "metric operator value" expression, e.g.
// "memory_usage < 85" or "error_rate <= 0.05".
type Condition struct {
	Metric   string
	Operator string
	Value    float64
}

// Eval applies the condition to a current metric value.
func (c Condition) Eval(current float64) bool {
	return Compare(current, c.Value, c.Operator)
}

// ParseCondition parses a three-token threshold expression.
func ParseCondition(expr string) (Condition, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return Condition{}, fmt.Errorf("condition %q must be \"metric operator value\"", expr)
	}
	switch fields[1] {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return Condition{}, fmt.Errorf("condition %q has unknown operator %q", expr, fields[1])
	}
	value, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q has non-numeric value: %w", expr, err)
	}
	return Condition{Metric: fields[0], Operator: fields[1], Value: value}, nil
}
