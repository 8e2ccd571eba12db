package findings

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/attestra/ccm/internal/models"
)

// Store persists findings. Implementations must keep List ordered by
// severity rank (critical first) and then by discovered_at descending.
type Store interface {
	Create(ctx context.Context, f *models.Finding) error
	Update(ctx context.Context, f *models.Finding) error
	Get(ctx context.Context, id uuid.UUID) (*models.Finding, error)
	ListUnresolvedByControl(ctx context.Context, controlID string) ([]*models.Finding, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Finding, int, error)
	Stats(ctx context.Context) (Stats, error)
}

type ListFilter struct {
	Status    *models.FindingStatus
	Severity  *models.Severity
	ControlID *string
	Limit     int
	Offset    int
}

// Stats counts unresolved findings.
type Stats struct {
	Open       int                     `json:"open"`
	BySeverity map[models.Severity]int `json:"by_severity"`
}

// MemStore is the in-process Store used when no database is configured
// and in tests.
type MemStore struct {
	mu       sync.RWMutex
	findings map[uuid.UUID]*models.Finding
}

func NewMemStore() *MemStore {
	return &MemStore{findings: make(map[uuid.UUID]*models.Finding)}
}

func (m *MemStore) Create(ctx context.Context, f *models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.findings[f.ID] = &cp
	return nil
}

func (m *MemStore) Update(ctx context.Context, f *models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.findings[f.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *f
	m.findings[f.ID] = &cp
	return nil
}

func (m *MemStore) Get(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.findings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemStore) ListUnresolvedByControl(ctx context.Context, controlID string) ([]*models.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Finding
	for _, f := range m.findings {
		if f.ControlID == controlID && f.Status != models.FindingStatusResolved {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemStore) List(ctx context.Context, filter ListFilter) ([]*models.Finding, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Finding
	for _, f := range m.findings {
		if filter.Status != nil && f.Status != *filter.Status {
			continue
		}
		if filter.Severity != nil && f.Severity != *filter.Severity {
			continue
		}
		if filter.ControlID != nil && f.ControlID != *filter.ControlID {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.SeverityRank(out[i].Severity), models.SeverityRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	total := len(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (m *MemStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{BySeverity: make(map[models.Severity]int)}
	for _, f := range m.findings {
		if f.Status == models.FindingStatusResolved {
			continue
		}
		stats.Open++
		stats.BySeverity[f.Severity]++
	}
	return stats, nil
}
