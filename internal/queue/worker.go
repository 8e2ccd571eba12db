package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attestra/ccm/internal/catalog"
	"github.com/attestra/ccm/internal/connectors"
	"github.com/attestra/ccm/internal/engine"
	"github.com/attestra/ccm/internal/findings"
	"github.com/attestra/ccm/internal/models"
	"github.com/attestra/ccm/internal/notifications"
)

// Worker drains the evaluation queue: each job collects a fresh data
// context from the registered connectors and runs the requested controls
// through the engine. Notifications go out after the batch, never from
// inside it.
type Worker struct {
	id       string
	queue    *Queue
	registry *connectors.Registry
	engine   *engine.Engine
	catalog  *catalog.Active
	tracker  *findings.Tracker
	notifier *notifications.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue    *Queue
	Registry *connectors.Registry
	Engine   *engine.Engine
	Catalog  *catalog.Active
	Tracker  *findings.Tracker
	Notifier *notifications.Service // nil disables notifications
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:       workerID,
		queue:    cfg.Queue,
		registry: cfg.Registry,
		engine:   cfg.Engine,
		catalog:  cfg.Catalog,
		tracker:  cfg.Tracker,
		notifier: cfg.Notifier,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.cleanupLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				log.Printf("[%s] Error dequeuing job: %v", w.id, err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			scope := "all enabled controls"
			if len(job.ControlIDs) > 0 {
				scope = fmt.Sprintf("%d selected controls", len(job.ControlIDs))
			}
			log.Printf("[%s] Processing job %s (type: %s, scope: %s)",
				w.id, job.ID, job.Type, scope)

			if err := w.processJob(job); err != nil {
				log.Printf("[%s] Job %s failed: %v", w.id, job.ID, err)
				w.queue.RequeueJob(w.ctx, job, err.Error())

				// RequeueJob bumped the attempt count; alert once the job
				// is out of retries.
				if job.Attempts >= maxAttempts && w.notifier != nil {
					w.notifier.NotifyEvaluationError(w.ctx, fmt.Sprintf("evaluation job %s", job.ID), err)
				}
			} else {
				log.Printf("[%s] Job %s completed successfully", w.id, job.ID)
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

func (w *Worker) processJob(job *Job) error {
	if job.Type != JobTypeEvaluation {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	data, err := w.registry.CollectAll(w.ctx)
	if err != nil {
		return fmt.Errorf("collecting evidence: %w", err)
	}

	var summary *models.BatchSummary
	if len(job.ControlIDs) == 0 {
		summary, err = w.engine.RunAll(w.ctx, data)
	} else {
		summary, err = w.engine.RunControls(w.ctx, job.ControlIDs, data)
	}
	if err != nil {
		return fmt.Errorf("running evaluations: %w", err)
	}

	progress, _ := w.queue.GetProgress(w.ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID, WorkerID: w.id}
	}
	progress.ControlsTotal = summary.Evaluated + summary.NotEvaluated
	progress.ControlsEvaluated = summary.Evaluated
	progress.Passed = summary.Passed
	progress.Failed = summary.Failed
	progress.FindingsOpened = summary.FindingsOpened
	progress.FindingsResolved = summary.FindingsResolved
	progress.BatchID = summary.ID.String()
	w.queue.UpdateProgress(w.ctx, progress)

	w.notifyResults(summary)

	return nil
}

// notifyResults sends the batch digest plus one alert per control that
// opened findings in this run. Notification failures are logged, never
// propagated: a down webhook must not fail the job.
func (w *Worker) notifyResults(summary *models.BatchSummary) {
	if w.notifier == nil {
		return
	}

	if err := w.notifier.NotifyBatch(w.ctx, summary); err != nil {
		log.Printf("[%s] Error sending batch notification: %v", w.id, err)
	}

	if summary.FindingsOpened == 0 {
		return
	}

	snap := w.catalog.Snapshot()
	for _, res := range summary.Results {
		if res.Status != models.EvalStatusFailed {
			continue
		}
		entry, ok := snap.Get(res.ControlID)
		if !ok {
			continue
		}

		opened, err := w.tracker.OpenedSince(w.ctx, res.ControlID, summary.StartedAt)
		if err != nil {
			log.Printf("[%s] Error listing new findings for %s: %v", w.id, res.ControlID, err)
			continue
		}
		if len(opened) == 0 {
			continue
		}

		if err := w.notifier.NotifyFindings(w.ctx, &entry.Control, opened); err != nil {
			log.Printf("[%s] Error sending finding notification for %s: %v", w.id, res.ControlID, err)
		}
	}
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				log.Printf("[%s] Error cleaning stale jobs: %v", w.id, err)
			} else if cleaned > 0 {
				log.Printf("[%s] Cleaned up %d stale jobs", w.id, cleaned)
			}
		}
	}
}
