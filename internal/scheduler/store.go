package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/attestra/ccm/internal/models"
)

// PostgresStore implements Store with PostgreSQL, sharing the application's
// connection pool.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type jobRow struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Description string     `db:"description"`
	Schedule    string     `db:"schedule"`
	JobType     string     `db:"job_type"`
	Config      []byte     `db:"config"`
	Enabled     bool       `db:"enabled"`
	LastRun     *time.Time `db:"last_run"`
	NextRun     *time.Time `db:"next_run"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *jobRow) toJob() (*Job, error) {
	var config map[string]string
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &config); err != nil {
			return nil, err
		}
	}

	return &Job{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Schedule:    r.Schedule,
		JobType:     JobType(r.JobType),
		Config:      config,
		Enabled:     r.Enabled,
		LastRun:     r.LastRun,
		NextRun:     r.NextRun,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at
		FROM scheduled_jobs WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return row.toJob()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at
		FROM scheduled_jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, len(rows))
	for i, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, description, schedule, job_type, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.Name, job.Description, job.Schedule, string(job.JobType), configJSON, job.Enabled, job.CreatedAt, job.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			name = $2, description = $3, schedule = $4, job_type = $5,
			config = $6, enabled = $7, next_run = $8, updated_at = $9
		WHERE id = $1
	`, job.ID, job.Name, job.Description, job.Schedule, string(job.JobType), configJSON, job.Enabled, job.NextRun, job.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW()
		WHERE id = $1
	`, id, lastRun)
	return err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.ID, exec.JobID, string(exec.Status), exec.StartedAt, exec.Error, exec.Output)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1
	`, exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	return err
}

func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, limit)
	return execs, err
}

func (s *PostgresStore) PruneExecutions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_executions WHERE started_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MemStore keeps jobs in memory for deployments without a database. The
// frequency cycles still run; only job history is lost on restart.
type MemStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	execs map[string][]*JobExecution
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:  make(map[string]*Job),
		execs: make(map[string][]*JobExecution),
	}
}

func (m *MemStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *MemStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return models.ErrNotFound
	}
	job.UpdatedAt = time.Now()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.execs, id)
	return nil
}

func (m *MemStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	job.LastRun = &lastRun
	job.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	cp := *exec
	m.execs[exec.JobID] = append(m.execs[exec.JobID], &cp)
	return nil
}

func (m *MemStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs[exec.JobID] {
		if e.ID == exec.ID {
			*e = *exec
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *MemStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	execs := m.execs[jobID]
	out := make([]*JobExecution, 0, len(execs))
	for _, e := range execs {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) PruneExecutions(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for jobID, execs := range m.execs {
		kept := execs[:0]
		for _, e := range execs {
			if e.StartedAt.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, e)
		}
		m.execs[jobID] = kept
	}
	return pruned, nil
}
