package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) CountCallsByStatus(ctx context.Context, companyID string, from, to time.Time) ([]StatusCount, error) {
	const q = `
SELECT status, COUNT(*), COALESCE(SUM(duration_seconds), 0)
FROM call_logs
WHERE company_id = $1 AND start_at >= $2 AND start_at < $3
GROUP BY status`

	rows, err := r.db.QueryContext(ctx, q, companyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reporting: count calls: %w", err)
	}
	defer rows.Close()

	out := make([]StatusCount, 0, 3)
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Calls, &sc.DurationSeconds); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
