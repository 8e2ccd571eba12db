// Package findings maintains the open/resolved violation lifecycle. One
// finding exists per (control id, violating item) pair regardless of how
// many times the violation is re-observed.
package findings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attestra/ccm/internal/models"
)

type Tracker struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// controlLock serializes read-modify-write per control id. Two controls
// never contend with each other.
func (t *Tracker) controlLock(controlID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[controlID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[controlID] = l
	}
	return l
}

// Apply folds one evaluation outcome into finding state and returns how
// many findings were opened and resolved. Only conclusive outcomes change
// anything: failed opens/resolves per item, passed resolves everything
// open; warning, review_required, error and not_evaluated leave state
// untouched so an evaluation problem can never mask or fabricate
// compliance.
func (t *Tracker) Apply(ctx context.Context, control *models.Control, result *models.EvaluationResult) (opened, resolved int, err error) {
	switch result.Status {
	case models.EvalStatusFailed:
	case models.EvalStatusPassed:
	default:
		return 0, 0, nil
	}

	l := t.controlLock(control.ID)
	l.Lock()
	defer l.Unlock()

	existing, err := t.store.ListUnresolvedByControl(ctx, control.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing open findings for %s: %w", control.ID, err)
	}

	byItem := make(map[string]*models.Finding, len(existing))
	for _, f := range existing {
		byItem[f.ResourceID] = f
	}

	current := make(map[string]struct{}, len(result.Violations))

	if result.Status == models.EvalStatusFailed {
		for i, item := range result.Violations {
			key := StableItemID(item)
			if _, seen := current[key]; seen {
				continue
			}
			current[key] = struct{}{}

			if _, ok := byItem[key]; ok {
				// Already tracked; no duplicate, no timestamp refresh.
				continue
			}

			f := &models.Finding{
				ID:           uuid.New(),
				ControlID:    control.ID,
				Severity:     control.Severity,
				Title:        fmt.Sprintf("%s - Violation %d", control.Name, i+1),
				Description:  describeViolation(result.Message, item),
				ResourceID:   key,
				Status:       models.FindingStatusOpen,
				DiscoveredAt: result.Timestamp,
				Remediation:  remediationFor(control),
			}
			if err := t.store.Create(ctx, f); err != nil {
				return opened, resolved, fmt.Errorf("creating finding for %s: %w", control.ID, err)
			}
			opened++

			t.logger.Info("finding opened",
				"control_id", control.ID,
				"finding_id", f.ID,
				"resource_id", f.ResourceID,
				"severity", f.Severity)
		}
	}

	for _, f := range existing {
		if _, stillViolating := current[f.ResourceID]; stillViolating {
			continue
		}
		now := result.Timestamp
		f.Status = models.FindingStatusResolved
		f.ResolvedAt = &now
		if err := t.store.Update(ctx, f); err != nil {
			return opened, resolved, fmt.Errorf("resolving finding %s: %w", f.ID, err)
		}
		resolved++

		t.logger.Info("finding resolved",
			"control_id", control.ID,
			"finding_id", f.ID,
			"resource_id", f.ResourceID)
	}

	return opened, resolved, nil
}

// List returns findings ordered by severity (critical first) then newest
// first.
func (t *Tracker) List(ctx context.Context, filter ListFilter) ([]*models.Finding, int, error) {
	return t.store.List(ctx, filter)
}

func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	return t.store.Get(ctx, id)
}

// OpenedSince returns still-open findings for a control discovered at or
// after since. Callers use it to pick out what a just-finished evaluation
// opened, so re-observed older findings are excluded.
func (t *Tracker) OpenedSince(ctx context.Context, controlID string, since time.Time) ([]*models.Finding, error) {
	unresolved, err := t.store.ListUnresolvedByControl(ctx, controlID)
	if err != nil {
		return nil, fmt.Errorf("listing open findings for %s: %w", controlID, err)
	}

	var out []*models.Finding
	for _, f := range unresolved {
		if f.Status == models.FindingStatusOpen && !f.DiscoveredAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Resolve manually closes a finding.
func (t *Tracker) Resolve(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	return t.Transition(ctx, id, models.FindingStatusResolved)
}

// Transition moves a finding along open -> in_progress -> resolved (or
// open -> resolved directly). Backwards moves are rejected.
func (t *Tracker) Transition(ctx context.Context, id uuid.UUID, status models.FindingStatus) (*models.Finding, error) {
	f, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	l := t.controlLock(f.ControlID)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock; Apply may have raced us.
	f, err = t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !validTransition(f.Status, status) {
		return nil, fmt.Errorf("finding %s: %w: %s -> %s", id, models.ErrInvalidTransition, f.Status, status)
	}

	f.Status = status
	if status == models.FindingStatusResolved {
		now := time.Now().UTC()
		f.ResolvedAt = &now
	}

	if err := t.store.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("updating finding %s: %w", id, err)
	}
	return f, nil
}

func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	return t.store.Stats(ctx)
}

func validTransition(from, to models.FindingStatus) bool {
	switch from {
	case models.FindingStatusOpen:
		return to == models.FindingStatusInProgress || to == models.FindingStatusResolved
	case models.FindingStatusInProgress:
		return to == models.FindingStatusResolved
	}
	return false
}

// StableItemID derives the dedup key of a violating item. Connector records
// carry a resource_id by convention; the remaining names cover the common
// shapes, and a digest of the whole record keeps the key total.
func StableItemID(r models.Record) string {
	for _, k := range []string{"resource_id", "id", "user_id", "arn", "name"} {
		if v, ok := r[k]; ok && v != nil {
			if s := fmt.Sprintf("%v", v); s != "" {
				return s
			}
		}
	}

	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:12]
}

func describeViolation(message string, item models.Record) string {
	detail, _ := json.Marshal(item)
	return fmt.Sprintf("%s\n\nDetails: %s", message, detail)
}

func remediationFor(c *models.Control) string {
	if c.Remediation != "" {
		return c.Remediation
	}
	return "See control description"
}
