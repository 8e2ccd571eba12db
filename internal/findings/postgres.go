package findings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/attestra/ccm/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type findingRow struct {
	ID           uuid.UUID  `db:"id"`
	ControlID    string     `db:"control_id"`
	Severity     string     `db:"severity"`
	Title        string     `db:"title"`
	Description  string     `db:"description"`
	ResourceID   string     `db:"resource_id"`
	Status       string     `db:"status"`
	DiscoveredAt time.Time  `db:"discovered_at"`
	ResolvedAt   *time.Time `db:"resolved_at"`
	Remediation  string     `db:"remediation"`
}

func (r *findingRow) toFinding() *models.Finding {
	return &models.Finding{
		ID:           r.ID,
		ControlID:    r.ControlID,
		Severity:     models.Severity(r.Severity),
		Title:        r.Title,
		Description:  r.Description,
		ResourceID:   r.ResourceID,
		Status:       models.FindingStatus(r.Status),
		DiscoveredAt: r.DiscoveredAt,
		ResolvedAt:   r.ResolvedAt,
		Remediation:  r.Remediation,
	}
}

const findingColumns = `id, control_id, severity, title, description, resource_id, status, discovered_at, resolved_at, remediation`

// severityOrder ranks rows critical first regardless of collation.
const severityOrder = `CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 WHEN 'info' THEN 4 ELSE 5 END`

func (s *PostgresStore) Create(ctx context.Context, f *models.Finding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (id, control_id, severity, title, description, resource_id, status, discovered_at, resolved_at, remediation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, f.ID, f.ControlID, string(f.Severity), f.Title, f.Description,
		f.ResourceID, string(f.Status), f.DiscoveredAt, f.ResolvedAt, f.Remediation)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, f *models.Finding) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE findings SET status = $2, resolved_at = $3 WHERE id = $1
	`, f.ID, string(f.Status), f.ResolvedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	var row findingRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+findingColumns+` FROM findings WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return row.toFinding(), nil
}

func (s *PostgresStore) ListUnresolvedByControl(ctx context.Context, controlID string) ([]*models.Finding, error) {
	var rows []findingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+findingColumns+` FROM findings
		WHERE control_id = $1 AND status != 'resolved'
		ORDER BY discovered_at, id
	`, controlID)
	if err != nil {
		return nil, err
	}

	findings := make([]*models.Finding, len(rows))
	for i, row := range rows {
		findings[i] = row.toFinding()
	}
	return findings, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*models.Finding, int, error) {
	query := `SELECT ` + findingColumns + ` FROM findings`
	countQuery := `SELECT COUNT(*) FROM findings`

	var conditions []string
	var args []interface{}
	argIdx := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*filter.Status))
		argIdx++
	}
	if filter.Severity != nil {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argIdx))
		args = append(args, string(*filter.Severity))
		argIdx++
	}
	if filter.ControlID != nil {
		conditions = append(conditions, fmt.Sprintf("control_id = $%d", argIdx))
		args = append(args, *filter.ControlID)
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

	query += " ORDER BY " + severityOrder + ", discovered_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}

	findings := make([]*models.Finding, len(rows))
	for i, row := range rows {
		findings[i] = row.toFinding()
	}
	return findings, total, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT severity, COUNT(*) FROM findings WHERE status != 'resolved' GROUP BY severity
	`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	stats := Stats{BySeverity: make(map[models.Severity]int)}
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return Stats{}, err
		}
		stats.BySeverity[models.Severity(severity)] = count
		stats.Open += count
	}
	return stats, rows.Err()
}
