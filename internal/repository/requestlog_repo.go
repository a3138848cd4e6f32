package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/g1331/autorouter/internal/models"
)

// SQLRequestLogRepository implements RequestLogRepository using database/sql.
type SQLRequestLogRepository struct {
	db *sql.DB
}

// NewRequestLogRepository creates a new SQLRequestLogRepository.
func NewRequestLogRepository(db *sql.DB) *SQLRequestLogRepository {
	return &SQLRequestLogRepository{db: db}
}

// Insert writes the in-progress row and returns its id for Finalize.
func (r *SQLRequestLogRepository) Insert(ctx context.Context, e *models.RequestLogEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, api_key_id, method, path, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.RequestID, strOrNil(e.APIKeyID), e.Method, e.Path, e.Model, e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert request log: %w", err)
	}
	return result.LastInsertId()
}

// Finalize completes the row written by Insert.
func (r *SQLRequestLogRepository) Finalize(ctx context.Context, e *models.RequestLogEntry) error {
	now := time.Now().UTC()
	if e.CompletedAt == nil {
		e.CompletedAt = &now
	}

	var decisionJSON any
	if e.RoutingDecision != nil {
		b, err := json.Marshal(e.RoutingDecision)
		if err != nil {
			return fmt.Errorf("marshal routing decision: %w", err)
		}
		decisionJSON = string(b)
	}
	var attemptsJSON any
	if len(e.FailoverAttempts) > 0 {
		b, err := json.Marshal(e.FailoverAttempts)
		if err != nil {
			return fmt.Errorf("marshal failover attempts: %w", err)
		}
		attemptsJSON = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE request_logs SET
		        model = ?, resolved_model = ?, upstream_id = ?, upstream_name = ?,
		        status_code = ?, stream = ?,
		        prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
		        cached_tokens = ?, reasoning_tokens = ?, cache_creation_tokens = ?, cache_read_tokens = ?,
		        duration_ms = ?, error_code = ?, error_detail = ?,
		        routing_decision = ?, failover_attempts = ?, completed_at = ?
		 WHERE id = ?`,
		e.Model, e.ResolvedModel, strOrNil(e.UpstreamID), e.UpstreamName,
		intOrNil(e.StatusCode), boolToInt(e.Stream),
		e.Usage.PromptTokens, e.Usage.CompletionTokens, e.Usage.TotalTokens,
		e.Usage.CachedTokens, e.Usage.ReasoningTokens, e.Usage.CacheCreationTokens, e.Usage.CacheReadTokens,
		e.DurationMs, e.ErrorCode, e.ErrorDetail,
		decisionJSON, attemptsJSON, *e.CompletedAt,
		e.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize request log: %w", err)
	}
	return nil
}

func (r *SQLRequestLogRepository) FindRecent(ctx context.Context, limit, offset int) ([]*models.RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, api_key_id, method, path, model, resolved_model,
		        upstream_id, upstream_name, status_code, stream,
		        prompt_tokens, completion_tokens, total_tokens,
		        cached_tokens, reasoning_tokens, cache_creation_tokens, cache_read_tokens,
		        duration_ms, error_code, error_detail,
		        routing_decision, failover_attempts, created_at, completed_at
		 FROM request_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (r *SQLRequestLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRequestLog(s scanner) (*models.RequestLog, error) {
	var l models.RequestLog
	var apiKeyID, upstreamID sql.NullString
	var statusCode sql.NullInt64
	var stream int
	var decisionJSON, attemptsJSON sql.NullString
	var completedAt sql.NullTime

	err := s.Scan(
		&l.ID, &l.RequestID, &apiKeyID, &l.Method, &l.Path, &l.Model, &l.ResolvedModel,
		&upstreamID, &l.UpstreamName, &statusCode, &stream,
		&l.Usage.PromptTokens, &l.Usage.CompletionTokens, &l.Usage.TotalTokens,
		&l.Usage.CachedTokens, &l.Usage.ReasoningTokens, &l.Usage.CacheCreationTokens, &l.Usage.CacheReadTokens,
		&l.DurationMs, &l.ErrorCode, &l.ErrorDetail,
		&decisionJSON, &attemptsJSON, &l.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if apiKeyID.Valid {
		l.APIKeyID = &apiKeyID.String
	}
	if upstreamID.Valid {
		l.UpstreamID = &upstreamID.String
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		l.StatusCode = &code
	}
	l.Stream = stream == 1
	l.CompletedAt = nullTimePtr(completedAt)
	if decisionJSON.Valid && decisionJSON.String != "" {
		var d models.RoutingDecision
		if err := json.Unmarshal([]byte(decisionJSON.String), &d); err == nil {
			l.RoutingDecision = &d
		}
	}
	if attemptsJSON.Valid && attemptsJSON.String != "" {
		if err := json.Unmarshal([]byte(attemptsJSON.String), &l.FailoverAttempts); err != nil {
			return nil, fmt.Errorf("unmarshal failover attempts for log %d: %w", l.ID, err)
		}
	}
	return &l, nil
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func intOrNil(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
