// Package engine orchestrates evaluation batches: it fans controls out to
// a bounded worker pool, persists every result, archives evidence, and
// folds outcomes into finding state. One control failing never stops the
// rest of the batch.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attestra/ccm/internal/catalog"
	"github.com/attestra/ccm/internal/evaluator"
	"github.com/attestra/ccm/internal/evidence"
	"github.com/attestra/ccm/internal/findings"
	"github.com/attestra/ccm/internal/models"
)

// ResultStore persists evaluation results as they complete.
type ResultStore interface {
	SaveEvaluation(ctx context.Context, result *models.EvaluationResult) error
}

type Config struct {
	Workers int
	Timeout time.Duration
}

type Engine struct {
	catalog *catalog.Active
	results ResultStore
	tracker *findings.Tracker
	vault   *evidence.Vault
	logger  *slog.Logger

	workers int
	timeout time.Duration
}

func New(active *catalog.Active, results ResultStore, tracker *findings.Tracker, vault *evidence.Vault, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog: active,
		results: results,
		tracker: tracker,
		vault:   vault,
		logger:  logger,
		workers: cfg.Workers,
		timeout: cfg.Timeout,
	}
}

// RunControl evaluates a single control against the given context.
func (e *Engine) RunControl(ctx context.Context, controlID string, data models.DataContext) (*models.EvaluationResult, error) {
	snap := e.catalog.Snapshot()
	entry, ok := snap.Get(controlID)
	if !ok {
		return nil, fmt.Errorf("control %s: %w", controlID, models.ErrNotFound)
	}

	e.archiveContext(ctx, snap, []string{controlID}, data)
	oc := e.evaluateOne(ctx, entry, data)
	return oc.result, nil
}

// RunAll evaluates every enabled control in the active catalog.
func (e *Engine) RunAll(ctx context.Context, data models.DataContext) (*models.BatchSummary, error) {
	snap := e.catalog.Snapshot()

	enabled := true
	controls := snap.List(catalog.Filter{Enabled: &enabled})
	ids := make([]string, len(controls))
	for i, c := range controls {
		ids[i] = c.ID
	}
	return e.run(ctx, snap, ids, data)
}

// RunControls evaluates the named controls, enabled or not. Unknown ids
// fail the call before anything runs.
func (e *Engine) RunControls(ctx context.Context, ids []string, data models.DataContext) (*models.BatchSummary, error) {
	snap := e.catalog.Snapshot()

	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := snap.Get(id); !ok {
			return nil, fmt.Errorf("control %s: %w", id, models.ErrNotFound)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return e.run(ctx, snap, unique, data)
}

type controlOutcome struct {
	result   *models.EvaluationResult
	opened   int
	resolved int
}

func (e *Engine) run(ctx context.Context, snap *catalog.Catalog, ids []string, data models.DataContext) (*models.BatchSummary, error) {
	batch := &models.BatchSummary{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
	}

	e.logger.Info("evaluation batch started",
		"batch_id", batch.ID,
		"controls", len(ids),
		"sources", len(data),
		"workers", e.workers)

	e.archiveContext(ctx, snap, ids, data)

	jobCh := make(chan *catalog.Entry, len(ids))
	outcomes := make(chan controlOutcome, len(ids))

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobCh {
				select {
				case <-ctx.Done():
					// Batch cancelled: remaining controls are skipped,
					// already-written results stay.
					continue
				default:
				}
				outcomes <- e.evaluateOne(ctx, entry, data)
			}
		}()
	}

	for _, id := range ids {
		if entry, ok := snap.Get(id); ok {
			jobCh <- entry
		}
	}
	close(jobCh)
	wg.Wait()
	close(outcomes)

	byControl := make(map[string]*models.EvaluationResult, len(ids))
	for oc := range outcomes {
		byControl[oc.result.ControlID] = oc.result
		batch.Evaluated++
		batch.FindingsOpened += oc.opened
		batch.FindingsResolved += oc.resolved

		switch oc.result.Status {
		case models.EvalStatusPassed:
			batch.Passed++
		case models.EvalStatusFailed:
			batch.Failed++
		case models.EvalStatusWarning:
			batch.Warnings++
		case models.EvalStatusReviewRequired:
			batch.ReviewRequired++
		case models.EvalStatusNotEvaluated:
			batch.NotEvaluated++
		case models.EvalStatusError:
			batch.Errors++
		}
	}

	// Results in catalog order, independent of worker interleaving.
	for _, id := range ids {
		if r, ok := byControl[id]; ok {
			batch.Results = append(batch.Results, r)
		}
	}
	batch.CompletedAt = time.Now().UTC()

	if ctx.Err() != nil {
		e.logger.Warn("evaluation batch cancelled",
			"batch_id", batch.ID,
			"evaluated", batch.Evaluated,
			"skipped", len(ids)-batch.Evaluated)
	}

	e.logger.Info("evaluation batch completed",
		"batch_id", batch.ID,
		"evaluated", batch.Evaluated,
		"passed", batch.Passed,
		"failed", batch.Failed,
		"errors", batch.Errors,
		"findings_opened", batch.FindingsOpened,
		"findings_resolved", batch.FindingsResolved,
		"duration", batch.CompletedAt.Sub(batch.StartedAt))

	return batch, nil
}

// evaluateOne runs one control end to end: logic, evidence, persistence,
// findings. Persistence uses a detached context so work that finished
// evaluating is recorded even when the batch is cancelled mid-flight.
func (e *Engine) evaluateOne(ctx context.Context, entry *catalog.Entry, data models.DataContext) controlOutcome {
	control := entry.Control
	start := time.Now()

	outcome := e.runLogic(ctx, entry, data)

	result := &models.EvaluationResult{
		ID:         uuid.New(),
		ControlID:  control.ID,
		Timestamp:  time.Now().UTC(),
		Status:     outcome.Status,
		Violations: models.RecordList(outcome.Violations),
		Message:    outcome.Message,
	}

	wctx := context.WithoutCancel(ctx)

	if rec, err := e.vault.CollectEvaluation(wctx, result); err != nil {
		e.logger.Error("archiving evaluation evidence", "control_id", control.ID, "error", err)
	} else {
		result.EvidenceID = rec.ID
	}

	if err := e.results.SaveEvaluation(wctx, result); err != nil {
		e.logger.Error("persisting evaluation result", "control_id", control.ID, "error", err)
	}

	opened, resolved, err := e.tracker.Apply(wctx, &control, result)
	if err != nil {
		e.logger.Error("updating findings", "control_id", control.ID, "error", err)
	}

	e.logger.Info("control evaluated",
		"control_id", control.ID,
		"status", result.Status,
		"violations", len(result.Violations),
		"findings_opened", opened,
		"findings_resolved", resolved,
		"duration", time.Since(start))

	return controlOutcome{result: result, opened: opened, resolved: resolved}
}

// runLogic checks source availability, then evaluates the compiled logic
// under the per-control timeout.
func (e *Engine) runLogic(ctx context.Context, entry *catalog.Entry, data models.DataContext) evaluator.Outcome {
	control := &entry.Control

	// Fail closed: a declared source missing from the context is an
	// error outcome before any query runs. Absence of data must never
	// read as compliance.
	for _, src := range control.Sources {
		if !data.Has(src) {
			err := &models.MissingSourceError{ControlID: control.ID, Source: src}
			return evaluator.Outcome{Status: models.EvalStatusError, Message: err.Error(), Err: err}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outcomeCh := make(chan evaluator.Outcome, 1)
	go func() {
		outcomeCh <- entry.Logic.Evaluate(control, data)
	}()

	select {
	case out := <-outcomeCh:
		return out
	case <-cctx.Done():
		err := fmt.Errorf("control %s: evaluation aborted: %w", control.ID, cctx.Err())
		return evaluator.Outcome{Status: models.EvalStatusError, Message: err.Error(), Err: err}
	}
}

// archiveContext snapshots each source the selected controls read, so the
// inputs to this batch can be produced for an auditor later.
func (e *Engine) archiveContext(ctx context.Context, snap *catalog.Catalog, ids []string, data models.DataContext) {
	users := make(map[string][]string)
	for _, id := range ids {
		entry, ok := snap.Get(id)
		if !ok {
			continue
		}
		for _, src := range entry.Control.Sources {
			users[src] = append(users[src], id)
		}
	}

	sources := make([]string, 0, len(data))
	for src := range data {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		controls := users[src]
		if len(controls) == 0 {
			continue
		}
		if _, err := e.vault.CollectSnapshot(ctx, src, data[src], controls); err != nil {
			e.logger.Error("archiving context snapshot", "source", src, "error", err)
		}
	}
}
