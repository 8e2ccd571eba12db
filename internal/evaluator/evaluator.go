// Package evaluator executes a control's logic against a data context. It is
// pure: no I/O, no clock, no mutation of the context. Identical inputs give
// identical outcomes.
package evaluator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/attestra/ccm/internal/models"
)

// Outcome is the result of evaluating one control's logic.
type Outcome struct {
	Status     models.EvalStatus
	Violations []models.Record
	Message    string
	Err        error
}

// Compiled holds a control's logic in executable form. Compile failures are
// carried rather than returned so a bad expression fails that control
// deterministically at evaluation time instead of failing the catalog load.
type Compiled struct {
	query *Query
	pred  Predicate
	err   error
}

// Compile prepares a control's logic. Called once per control at catalog
// load.
func Compile(c *models.Control) *Compiled {
	cl := &Compiled{}

	switch c.Logic.Type {
	case models.LogicBooleanCheck:
		q, err := CompileQuery(c.Logic.Query)
		if err != nil {
			cl.err = err
			return cl
		}
		cl.query = q

		p, err := CompilePredicate(c.Logic.SuccessCondition)
		if err != nil {
			cl.err = err
			return cl
		}
		cl.pred = p

	case models.LogicManualReview:
		q, err := CompileQuery(c.Logic.Query)
		if err != nil {
			cl.err = err
			return cl
		}
		cl.query = q

	case models.LogicLLMBased:
		// Placeholder variant; nothing to compile.
	}

	return cl
}

// Err exposes the carried compile failure, if any.
func (cl *Compiled) Err() error {
	return cl.err
}

// Evaluate runs the compiled logic against the context. The logic kinds are
// matched exhaustively; a new kind must add a case here.
func (cl *Compiled) Evaluate(c *models.Control, data models.DataContext) Outcome {
	if cl.err != nil {
		return Outcome{Status: models.EvalStatusError, Message: cl.err.Error(), Err: cl.err}
	}

	switch c.Logic.Type {
	case models.LogicBooleanCheck:
		return cl.evaluateBooleanCheck(c, data)

	case models.LogicManualReview:
		return cl.evaluateManualReview(c, data)

	case models.LogicLLMBased:
		return Outcome{
			Status:  models.EvalStatusNotEvaluated,
			Message: "llm_based logic requires automated reasoning, which is not available; control not evaluated",
		}

	default:
		err := fmt.Errorf("unknown logic type %q", c.Logic.Type)
		return Outcome{Status: models.EvalStatusError, Message: err.Error(), Err: err}
	}
}

func (cl *Compiled) evaluateBooleanCheck(c *models.Control, data models.DataContext) Outcome {
	results, err := cl.query.Run(data)
	if err != nil {
		return Outcome{Status: models.EvalStatusError, Message: err.Error(), Err: err}
	}

	ok, err := cl.pred.Holds(results, c.Threshold())
	if err != nil {
		return Outcome{Status: models.EvalStatusError, Message: err.Error(), Err: err}
	}

	if ok {
		return Outcome{
			Status:     models.EvalStatusPassed,
			Violations: results,
			Message:    fmt.Sprintf("success condition %q held (%d matching records)", c.Logic.SuccessCondition, len(results)),
		}
	}

	return Outcome{
		Status:     models.EvalStatusFailed,
		Violations: results,
		Message:    failureMessage(c, len(results)),
	}
}

func (cl *Compiled) evaluateManualReview(c *models.Control, data models.DataContext) Outcome {
	results, err := cl.query.Run(data)
	if err != nil {
		return Outcome{Status: models.EvalStatusError, Message: err.Error(), Err: err}
	}

	return Outcome{
		Status:     models.EvalStatusReviewRequired,
		Violations: results,
		Message:    fmt.Sprintf("%d items flagged for manual review", len(results)),
	}
}

func failureMessage(c *models.Control, count int) string {
	msg := c.Logic.FailureMessage
	if msg == "" {
		msg = "Control check failed"
	}
	return strings.ReplaceAll(msg, "{count}", strconv.Itoa(count))
}
