package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/g1331/autorouter/internal/models"
)

// SQLCircuitBreakerRepository implements CircuitBreakerRepository using database/sql.
type SQLCircuitBreakerRepository struct {
	db *sql.DB
}

// NewCircuitBreakerRepository creates a new SQLCircuitBreakerRepository.
func NewCircuitBreakerRepository(db *sql.DB) *SQLCircuitBreakerRepository {
	return &SQLCircuitBreakerRepository{db: db}
}

const breakerColumns = `upstream_id, state, failure_count, success_count,
	        opened_at, last_failure_at, last_probe_at, config, updated_at`

// Get returns the breaker row, or sql.ErrNoRows when the upstream has none yet.
func (r *SQLCircuitBreakerRepository) Get(ctx context.Context, upstreamID string) (*models.CircuitBreakerState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker_states WHERE upstream_id = ?`, upstreamID)
	return scanBreakerState(row)
}

func (r *SQLCircuitBreakerRepository) Upsert(ctx context.Context, st *models.CircuitBreakerState) error {
	st.UpdatedAt = time.Now().UTC()

	var configJSON any
	if st.Config != nil {
		b, err := json.Marshal(st.Config)
		if err != nil {
			return fmt.Errorf("marshal breaker config: %w", err)
		}
		configJSON = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circuit_breaker_states
		        (upstream_id, state, failure_count, success_count, opened_at,
		         last_failure_at, last_probe_at, config, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(upstream_id) DO UPDATE SET
		        state = excluded.state,
		        failure_count = excluded.failure_count,
		        success_count = excluded.success_count,
		        opened_at = excluded.opened_at,
		        last_failure_at = excluded.last_failure_at,
		        last_probe_at = excluded.last_probe_at,
		        config = excluded.config,
		        updated_at = excluded.updated_at`,
		st.UpstreamID, string(st.State), st.FailureCount, st.SuccessCount,
		timeOrNil(st.OpenedAt), timeOrNil(st.LastFailureAt), timeOrNil(st.LastProbeAt),
		configJSON, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert breaker state: %w", err)
	}
	return nil
}

func (r *SQLCircuitBreakerRepository) List(ctx context.Context) ([]*models.CircuitBreakerState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker_states ORDER BY upstream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.CircuitBreakerState
	for rows.Next() {
		st, err := scanBreakerState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func scanBreakerState(s scanner) (*models.CircuitBreakerState, error) {
	var st models.CircuitBreakerState
	var state string
	var openedAt, lastFailure, lastProbe sql.NullTime
	var configJSON sql.NullString

	err := s.Scan(
		&st.UpstreamID, &state, &st.FailureCount, &st.SuccessCount,
		&openedAt, &lastFailure, &lastProbe, &configJSON, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.State = models.BreakerState(state)
	st.OpenedAt = nullTimePtr(openedAt)
	st.LastFailureAt = nullTimePtr(lastFailure)
	st.LastProbeAt = nullTimePtr(lastProbe)
	if configJSON.Valid && configJSON.String != "" {
		var cfg models.BreakerConfig
		if err := json.Unmarshal([]byte(configJSON.String), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal breaker config for %s: %w", st.UpstreamID, err)
		}
		st.Config = &cfg
	}
	return &st, nil
}
