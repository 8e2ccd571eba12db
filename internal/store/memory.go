package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attestra/ccm/internal/models"
)

// Memory is the in-process Store used when no database is configured. It
// mirrors Postgres semantics, including newest-first ordering.
type Memory struct {
	mu          sync.RWMutex
	evaluations []*models.EvaluationResult
	accounts    map[uuid.UUID]*models.ConnectorAccount
}

func NewMemory() *Memory {
	return &Memory{accounts: make(map[uuid.UUID]*models.ConnectorAccount)}
}

func (m *Memory) SaveEvaluation(ctx context.Context, result *models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	m.evaluations = append(m.evaluations, &cp)
	return nil
}

func (m *Memory) GetEvaluation(ctx context.Context, id uuid.UUID) (*models.EvaluationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.evaluations {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) ListEvaluations(ctx context.Context, filters EvaluationFilters) ([]*models.EvaluationResult, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.EvaluationResult
	for _, r := range m.evaluations {
		if filters.ControlID != nil && r.ControlID != *filters.ControlID {
			continue
		}
		if filters.Status != nil && r.Status != *filters.Status {
			continue
		}
		if filters.Since != nil && r.Timestamp.Before(*filters.Since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}

	sortNewestFirst(out)

	total := len(out)
	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			out = nil
		} else {
			out = out[filters.Offset:]
		}
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, total, nil
}

func (m *Memory) ListEvaluationsByControl(ctx context.Context, controlID string, limit int) ([]*models.EvaluationResult, error) {
	results, _, err := m.ListEvaluations(ctx, EvaluationFilters{ControlID: &controlID, Limit: limit})
	return results, err
}

func (m *Memory) LatestEvaluations(ctx context.Context) (map[string]*models.EvaluationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]*models.EvaluationResult)
	for _, r := range m.evaluations {
		cur, ok := latest[r.ControlID]
		if !ok || r.Timestamp.After(cur.Timestamp) {
			cp := *r
			latest[r.ControlID] = &cp
		}
	}
	return latest, nil
}

func (m *Memory) CreateAccount(ctx context.Context, account *models.ConnectorAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	if account.Status == "" {
		account.Status = string(models.AccountStatusActive)
	}

	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id uuid.UUID) (*models.ConnectorAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAccounts(ctx context.Context, kind *string) ([]*models.ConnectorAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ConnectorAccount
	for _, a := range m.accounts {
		if kind != nil && a.Kind != *kind {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.Status = string(status)
	a.StatusMessage = message
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateAccountLastSync(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	now := time.Now().UTC()
	a.LastSyncAt = &now
	a.UpdatedAt = now
	return nil
}

func (m *Memory) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func sortNewestFirst(results []*models.EvaluationResult) {
	sort.Slice(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.After(results[j].Timestamp)
		}
		return results[i].ID.String() > results[j].ID.String()
	})
}
