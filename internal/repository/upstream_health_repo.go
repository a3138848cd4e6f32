package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/g1331/autorouter/internal/models"
)

// SQLHealthRepository implements HealthRepository using database/sql.
type SQLHealthRepository struct {
	db *sql.DB
}

// NewHealthRepository creates a new SQLHealthRepository.
func NewHealthRepository(db *sql.DB) *SQLHealthRepository {
	return &SQLHealthRepository{db: db}
}

const healthColumns = `upstream_id, is_healthy, last_check_at, last_success_at,
	        failure_count, latency_ms, error_message`

func (r *SQLHealthRepository) Get(ctx context.Context, upstreamID string) (*models.HealthRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM upstream_health WHERE upstream_id = ?`, upstreamID)
	return scanHealthRecord(row)
}

func (r *SQLHealthRepository) Upsert(ctx context.Context, rec *models.HealthRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upstream_health
		        (upstream_id, is_healthy, last_check_at, last_success_at,
		         failure_count, latency_ms, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(upstream_id) DO UPDATE SET
		        is_healthy = excluded.is_healthy,
		        last_check_at = excluded.last_check_at,
		        last_success_at = excluded.last_success_at,
		        failure_count = excluded.failure_count,
		        latency_ms = excluded.latency_ms,
		        error_message = excluded.error_message`,
		rec.UpstreamID, boolToInt(rec.IsHealthy), timeOrNil(rec.LastCheckAt),
		timeOrNil(rec.LastSuccessAt), rec.FailureCount, rec.LatencyMs, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to upsert health record: %w", err)
	}
	return nil
}

func (r *SQLHealthRepository) List(ctx context.Context) ([]*models.HealthRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+healthColumns+` FROM upstream_health ORDER BY upstream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.HealthRecord
	for rows.Next() {
		rec, err := scanHealthRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanHealthRecord(s scanner) (*models.HealthRecord, error) {
	var rec models.HealthRecord
	var isHealthy int
	var lastCheck, lastSuccess sql.NullTime

	err := s.Scan(
		&rec.UpstreamID, &isHealthy, &lastCheck, &lastSuccess,
		&rec.FailureCount, &rec.LatencyMs, &rec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	rec.IsHealthy = isHealthy == 1
	rec.LastCheckAt = nullTimePtr(lastCheck)
	rec.LastSuccessAt = nullTimePtr(lastSuccess)
	return &rec, nil
}
