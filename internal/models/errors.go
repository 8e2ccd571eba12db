package models

import (
	"errors"
	"fmt"
)

// ErrNotFound signals an unknown control, finding, or evidence id. Callers
// branch on it with errors.Is; it is a lookup outcome, not a failure mode.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition rejects a finding status change that would move
// backwards in the open -> in_progress -> resolved lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// DefinitionError reports a malformed or incomplete control definition.
// It is fatal to the whole catalog load; partial catalogs are never kept.
type DefinitionError struct {
	ControlID string
	Field     string
	Reason    string
}

func (e *DefinitionError) Error() string {
	if e.ControlID == "" {
		return fmt.Sprintf("control definition: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("control %s: %s: %s", e.ControlID, e.Field, e.Reason)
}

// MissingSourceError reports a required data source absent from the context
// at evaluation time. The control resolves to error status; the batch
// continues.
type MissingSourceError struct {
	ControlID string
	Source    string
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("control %s: required source %q missing from data context", e.ControlID, e.Source)
}

// QueryExecutionError reports a malformed query expression or a runtime
// failure evaluating one.
type QueryExecutionError struct {
	Expr   string
	Reason string
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query %q: %s", e.Expr, e.Reason)
}

// ConditionSyntaxError reports a success-condition expression outside the
// supported grammar. Distinct from a failing check: the control resolves to
// error status.
type ConditionSyntaxError struct {
	Expr string
}

func (e *ConditionSyntaxError) Error() string {
	return fmt.Sprintf("unrecognized success condition %q", e.Expr)
}

// IntegrityViolation reports an evidence payload whose recomputed hash does
// not match the hash recorded at write time. Never silently tolerated.
type IntegrityViolation struct {
	ID       string
	Expected string
	Actual   string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("evidence %s: integrity violation: expected hash %s, got %s", e.ID, e.Expected, e.Actual)
}
