// Package repository provides the persistence port over SQLite.
package repository

import (
	"context"
	"time"

	"github.com/g1331/autorouter/internal/models"
)

// UpstreamRepository manages provider endpoint configuration.
type UpstreamRepository interface {
	FindByID(ctx context.Context, id string) (*models.Upstream, error)
	FindAll(ctx context.Context) ([]*models.Upstream, error)
	FindByProviderType(ctx context.Context, pt models.ProviderType) ([]*models.Upstream, error)
	Insert(ctx context.Context, u *models.Upstream) error
	Update(ctx context.Context, u *models.Upstream) error
	Delete(ctx context.Context, id string) error
}

// APIKeyRepository manages downstream client credentials.
type APIKeyRepository interface {
	FindActiveByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	FindByID(ctx context.Context, id string) (*models.APIKey, error)
	FindAll(ctx context.Context) ([]*models.APIKey, error)
	Insert(ctx context.Context, key *models.APIKey) error
	Revoke(ctx context.Context, id string) error
	UpdateLastUsed(ctx context.Context, id string) error
}

// CircuitBreakerRepository persists breaker rows; the state column is the
// source of truth across restarts.
type CircuitBreakerRepository interface {
	Get(ctx context.Context, upstreamID string) (*models.CircuitBreakerState, error)
	Upsert(ctx context.Context, state *models.CircuitBreakerState) error
	List(ctx context.Context) ([]*models.CircuitBreakerState, error)
}

// HealthRepository persists advisory health records.
type HealthRepository interface {
	Get(ctx context.Context, upstreamID string) (*models.HealthRecord, error)
	Upsert(ctx context.Context, rec *models.HealthRecord) error
	List(ctx context.Context) ([]*models.HealthRecord, error)
}

// RequestLogRepository persists request logs. Insert writes the in-progress
// row; Finalize completes it after the response (or stream) finishes.
type RequestLogRepository interface {
	Insert(ctx context.Context, entry *models.RequestLogEntry) (int64, error)
	Finalize(ctx context.Context, entry *models.RequestLogEntry) error
	FindRecent(ctx context.Context, limit, offset int) ([]*models.RequestLog, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
