package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/g1331/autorouter/internal/models"
)

// SQLUpstreamRepository implements UpstreamRepository using database/sql.
type SQLUpstreamRepository struct {
	db *sql.DB
}

// NewUpstreamRepository creates a new SQLUpstreamRepository.
func NewUpstreamRepository(db *sql.DB) *SQLUpstreamRepository {
	return &SQLUpstreamRepository{db: db}
}

const upstreamColumns = `id, name, provider_type, base_url, api_key_encrypted,
	        timeout_seconds, is_active, weight, allowed_models, model_redirects,
	        created_at, updated_at`

func (r *SQLUpstreamRepository) FindByID(ctx context.Context, id string) (*models.Upstream, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	return scanUpstream(row)
}

func (r *SQLUpstreamRepository) FindAll(ctx context.Context) ([]*models.Upstream, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpstreams(rows)
}

func (r *SQLUpstreamRepository) FindByProviderType(ctx context.Context, pt models.ProviderType) ([]*models.Upstream, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE provider_type = ? ORDER BY created_at, id`, string(pt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpstreams(rows)
}

func (r *SQLUpstreamRepository) Insert(ctx context.Context, u *models.Upstream) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Weight < 1 {
		u.Weight = 1
	}

	allowed, err := json.Marshal(u.AllowedModels)
	if err != nil {
		return fmt.Errorf("marshal allowed_models: %w", err)
	}
	redirects, err := json.Marshal(u.ModelRedirects)
	if err != nil {
		return fmt.Errorf("marshal model_redirects: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO upstreams (id, name, provider_type, base_url, api_key_encrypted,
		        timeout_seconds, is_active, weight, allowed_models, model_redirects,
		        created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, string(u.ProviderType), u.BaseURL, u.APIKeyEncrypted,
		u.TimeoutSeconds, boolToInt(u.IsActive), u.Weight, string(allowed), string(redirects),
		u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert upstream: %w", err)
	}
	return nil
}

func (r *SQLUpstreamRepository) Update(ctx context.Context, u *models.Upstream) error {
	u.UpdatedAt = time.Now().UTC()

	allowed, err := json.Marshal(u.AllowedModels)
	if err != nil {
		return fmt.Errorf("marshal allowed_models: %w", err)
	}
	redirects, err := json.Marshal(u.ModelRedirects)
	if err != nil {
		return fmt.Errorf("marshal model_redirects: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE upstreams SET name = ?, provider_type = ?, base_url = ?, api_key_encrypted = ?,
		        timeout_seconds = ?, is_active = ?, weight = ?, allowed_models = ?,
		        model_redirects = ?, updated_at = ?
		 WHERE id = ?`,
		u.Name, string(u.ProviderType), u.BaseURL, u.APIKeyEncrypted,
		u.TimeoutSeconds, boolToInt(u.IsActive), u.Weight, string(allowed),
		string(redirects), u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("failed to update upstream: %w", err)
	}
	return nil
}

func (r *SQLUpstreamRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM upstreams WHERE id = ?`, id)
	return err
}

func scanUpstream(s scanner) (*models.Upstream, error) {
	var u models.Upstream
	var providerType string
	var isActive int
	var allowed, redirects string

	err := s.Scan(
		&u.ID, &u.Name, &providerType, &u.BaseURL, &u.APIKeyEncrypted,
		&u.TimeoutSeconds, &isActive, &u.Weight, &allowed, &redirects,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.ProviderType = models.ProviderType(providerType)
	u.IsActive = isActive == 1
	if allowed != "" {
		if err := json.Unmarshal([]byte(allowed), &u.AllowedModels); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_models for upstream %s: %w", u.ID, err)
		}
	}
	if redirects != "" {
		if err := json.Unmarshal([]byte(redirects), &u.ModelRedirects); err != nil {
			return nil, fmt.Errorf("unmarshal model_redirects for upstream %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

func scanUpstreams(rows *sql.Rows) ([]*models.Upstream, error) {
	var result []*models.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}
