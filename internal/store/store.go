// Package store keeps the evaluation history and the connector account
// registry. History is append-only: results are inserted, listed and
// aggregated, never updated or deleted.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/attestra/ccm/internal/models"
)

// Store is implemented by Postgres for deployments and Memory for
// development without a database.
type Store interface {
	SaveEvaluation(ctx context.Context, result *models.EvaluationResult) error
	GetEvaluation(ctx context.Context, id uuid.UUID) (*models.EvaluationResult, error)
	ListEvaluations(ctx context.Context, filters EvaluationFilters) ([]*models.EvaluationResult, int, error)
	ListEvaluationsByControl(ctx context.Context, controlID string, limit int) ([]*models.EvaluationResult, error)
	LatestEvaluations(ctx context.Context) (map[string]*models.EvaluationResult, error)

	CreateAccount(ctx context.Context, account *models.ConnectorAccount) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.ConnectorAccount, error)
	ListAccounts(ctx context.Context, kind *string) ([]*models.ConnectorAccount, error)
	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus, message string) error
	UpdateAccountLastSync(ctx context.Context, id uuid.UUID) error
	DeleteAccount(ctx context.Context, id uuid.UUID) error

	Ping(ctx context.Context) error
	Close() error
}

// EvaluationFilters narrows ListEvaluations. Results are always newest
// first.
type EvaluationFilters struct {
	ControlID *string
	Status    *models.EvalStatus
	Since     *time.Time
	Limit     int
	Offset    int
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(cfg Config) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Postgres{db: db}, nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle so per-package stores (findings,
// scheduler) can share the connection pool.
func (s *Postgres) DB() *sqlx.DB {
	return s.db
}

func (s *Postgres) SaveEvaluation(ctx context.Context, result *models.EvaluationResult) error {
	query := `
		INSERT INTO evaluations (id, control_id, timestamp, status, violations, message, evidence_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		result.ID,
		result.ControlID,
		result.Timestamp,
		result.Status,
		result.Violations,
		result.Message,
		result.EvidenceID,
	)
	return err
}

func (s *Postgres) GetEvaluation(ctx context.Context, id uuid.UUID) (*models.EvaluationResult, error) {
	var result models.EvaluationResult
	query := `SELECT * FROM evaluations WHERE id = $1`
	err := s.db.GetContext(ctx, &result, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Postgres) ListEvaluations(ctx context.Context, filters EvaluationFilters) ([]*models.EvaluationResult, int, error) {
	query := `SELECT * FROM evaluations`
	countQuery := `SELECT COUNT(*) FROM evaluations`

	var conditions []string
	var args []interface{}
	argIdx := 1

	if filters.ControlID != nil {
		conditions = append(conditions, fmt.Sprintf("control_id = $%d", argIdx))
		args = append(args, *filters.ControlID)
		argIdx++
	}
	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *filters.Status)
		argIdx++
	}
	if filters.Since != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argIdx))
		args = append(args, *filters.Since)
		argIdx++
	}

	if len(conditions) > 0 {
		where := " WHERE " + strings.Join(conditions, " AND ")
		query += where
		countQuery += where
	}

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	var results []*models.EvaluationResult
	if err := s.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (s *Postgres) ListEvaluationsByControl(ctx context.Context, controlID string, limit int) ([]*models.EvaluationResult, error) {
	query := `SELECT * FROM evaluations WHERE control_id = $1 ORDER BY timestamp DESC, id DESC`
	args := []interface{}{controlID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var results []*models.EvaluationResult
	err := s.db.SelectContext(ctx, &results, query, args...)
	return results, err
}

func (s *Postgres) LatestEvaluations(ctx context.Context) (map[string]*models.EvaluationResult, error) {
	query := `
		SELECT DISTINCT ON (control_id) *
		FROM evaluations
		ORDER BY control_id, timestamp DESC, id DESC
	`
	var results []*models.EvaluationResult
	if err := s.db.SelectContext(ctx, &results, query); err != nil {
		return nil, err
	}

	latest := make(map[string]*models.EvaluationResult, len(results))
	for _, r := range results {
		latest[r.ControlID] = r
	}
	return latest, nil
}

func (s *Postgres) CreateAccount(ctx context.Context, account *models.ConnectorAccount) error {
	query := `
		INSERT INTO connector_accounts (id, name, kind, config, status, status_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	if account.Status == "" {
		account.Status = string(models.AccountStatusActive)
	}

	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Name,
		account.Kind,
		account.Config,
		account.Status,
		account.StatusMessage,
		account.CreatedAt,
		account.UpdatedAt,
	)
	return err
}

func (s *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*models.ConnectorAccount, error) {
	var account models.ConnectorAccount
	query := `SELECT * FROM connector_accounts WHERE id = $1`
	err := s.db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Postgres) ListAccounts(ctx context.Context, kind *string) ([]*models.ConnectorAccount, error) {
	query := `SELECT * FROM connector_accounts`
	var args []interface{}
	if kind != nil {
		query += ` WHERE kind = $1`
		args = append(args, *kind)
	}
	query += ` ORDER BY created_at DESC`

	var accounts []*models.ConnectorAccount
	err := s.db.SelectContext(ctx, &accounts, query, args...)
	return accounts, err
}

func (s *Postgres) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus, message string) error {
	query := `UPDATE connector_accounts SET status = $1, status_message = $2, updated_at = $3 WHERE id = $4`
	res, err := s.db.ExecContext(ctx, query, status, message, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Postgres) UpdateAccountLastSync(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE connector_accounts SET last_sync_at = $1, updated_at = $1 WHERE id = $2`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connector_accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}
