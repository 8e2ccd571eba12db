package evaluator

import (
	"strings"

	"github.com/attestra/ccm/internal/models"
)

// The success-condition grammar is closed: exactly the three forms below,
// compared whitespace- and case-insensitively. Anything else is a
// ConditionSyntaxError. Conditions compile once at catalog load, never per
// evaluation.
type predicateKind int

const (
	predNone predicateKind = iota
	predRowCountZero
	predRowCountMax
	predValueMin
)

type Predicate struct {
	kind predicateKind
	raw  string
}

func CompilePredicate(raw string) (Predicate, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(raw)), " ")

	switch normalized {
	case "row_count = 0":
		return Predicate{kind: predRowCountZero, raw: raw}, nil
	case "row_count <= threshold":
		return Predicate{kind: predRowCountMax, raw: raw}, nil
	case "value >= minimum":
		return Predicate{kind: predValueMin, raw: raw}, nil
	}

	return Predicate{}, &models.ConditionSyntaxError{Expr: raw}
}

// Holds reports whether the condition is satisfied by the query result.
// threshold is the control's numeric bound; it backs both
// `row_count <= threshold` and `value >= minimum`.
func (p Predicate) Holds(results []models.Record, threshold float64) (bool, error) {
	switch p.kind {
	case predRowCountZero:
		return len(results) == 0, nil

	case predRowCountMax:
		return float64(len(results)) <= threshold, nil

	case predValueMin:
		if len(results) == 0 {
			return false, &models.QueryExecutionError{
				Expr:   p.raw,
				Reason: "condition reads a value field but the query returned no records",
			}
		}
		v, found := lookupField(results[0], "value")
		f, numeric := toFloat(v)
		if !found || !numeric {
			return false, &models.QueryExecutionError{
				Expr:   p.raw,
				Reason: "condition reads a value field but the first record has no numeric value",
			}
		}
		return f >= threshold, nil
	}

	return false, &models.ConditionSyntaxError{Expr: p.raw}
}
