package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/g1331/autorouter/internal/models"
)

// SQLAPIKeyRepository implements APIKeyRepository using database/sql.
type SQLAPIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new SQLAPIKeyRepository.
func NewAPIKeyRepository(db *sql.DB) *SQLAPIKeyRepository {
	return &SQLAPIKeyRepository{db: db}
}

const apiKeyColumns = `id, name, key_prefix, key_hash, expires_at, is_active, created_at, last_used_at`

func (r *SQLAPIKeyRepository) FindActiveByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE key_prefix = ? AND is_active = 1 ORDER BY created_at, id`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys, err := scanAPIKeys(rows)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := r.loadAllowedUpstreams(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (r *SQLAPIKeyRepository) FindByID(ctx context.Context, id string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadAllowedUpstreams(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

func (r *SQLAPIKeyRepository) FindAll(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys, err := scanAPIKeys(rows)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := r.loadAllowedUpstreams(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (r *SQLAPIKeyRepository) Insert(ctx context.Context, key *models.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_prefix, key_hash, expires_at, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyPrefix, key.KeyHash,
		timeOrNil(key.ExpiresAt), boolToInt(key.IsActive), key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}

	for _, uid := range key.AllowedUpstreamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_upstreams (api_key_id, upstream_id) VALUES (?, ?)`,
			key.ID, uid); err != nil {
			return fmt.Errorf("failed to insert api_key_upstream: %w", err)
		}
	}

	return tx.Commit()
}

func (r *SQLAPIKeyRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	return err
}

func (r *SQLAPIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

func (r *SQLAPIKeyRepository) loadAllowedUpstreams(ctx context.Context, k *models.APIKey) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT upstream_id FROM api_key_upstreams WHERE api_key_id = ? ORDER BY upstream_id`, k.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return err
		}
		k.AllowedUpstreamIDs = append(k.AllowedUpstreamIDs, uid)
	}
	return rows.Err()
}

func scanAPIKey(s scanner) (*models.APIKey, error) {
	var k models.APIKey
	var isActive int
	var expires, lastUsed sql.NullTime

	err := s.Scan(
		&k.ID, &k.Name, &k.KeyPrefix, &k.KeyHash,
		&expires, &isActive, &k.CreatedAt, &lastUsed,
	)
	if err != nil {
		return nil, err
	}

	k.IsActive = isActive == 1
	k.ExpiresAt = nullTimePtr(expires)
	k.LastUsedAt = nullTimePtr(lastUsed)
	return &k, nil
}

func scanAPIKeys(rows *sql.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
