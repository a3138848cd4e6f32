//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/models"
)

// In-memory repository fakes shared by the service tests.

type memUpstreamRepo struct {
	mu        sync.Mutex
	upstreams []*models.Upstream
}

func (r *memUpstreamRepo) FindByID(_ context.Context, id string) (*models.Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.upstreams {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memUpstreamRepo) FindAll(_ context.Context) ([]*models.Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Upstream(nil), r.upstreams...), nil
}

func (r *memUpstreamRepo) FindByProviderType(_ context.Context, pt models.ProviderType) ([]*models.Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Upstream
	for _, u := range r.upstreams {
		if u.ProviderType == pt {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *memUpstreamRepo) Insert(_ context.Context, u *models.Upstream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams = append(r.upstreams, u)
	return nil
}

func (r *memUpstreamRepo) Update(_ context.Context, u *models.Upstream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.upstreams {
		if existing.ID == u.ID {
			r.upstreams[i] = u
			return nil
		}
	}
	return sql.ErrNoRows
}

func (r *memUpstreamRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, u := range r.upstreams {
		if u.ID == id {
			r.upstreams = append(r.upstreams[:i], r.upstreams[i+1:]...)
			return nil
		}
	}
	return nil
}

type memBreakerRepo struct {
	mu     sync.Mutex
	states map[string]*models.CircuitBreakerState
}

func newMemBreakerRepo() *memBreakerRepo {
	return &memBreakerRepo{states: make(map[string]*models.CircuitBreakerState)}
}

func (r *memBreakerRepo) Get(_ context.Context, id string) (*models.CircuitBreakerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *st
	return &cp, nil
}

func (r *memBreakerRepo) Upsert(_ context.Context, st *models.CircuitBreakerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *st
	r.states[st.UpstreamID] = &cp
	return nil
}

func (r *memBreakerRepo) List(_ context.Context) ([]*models.CircuitBreakerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.CircuitBreakerState
	for _, st := range r.states {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

type memHealthRepo struct {
	mu      sync.Mutex
	records map[string]*models.HealthRecord
}

func newMemHealthRepo() *memHealthRepo {
	return &memHealthRepo{records: make(map[string]*models.HealthRecord)}
}

func (r *memHealthRepo) Get(_ context.Context, id string) (*models.HealthRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *rec
	return &cp, nil
}

func (r *memHealthRepo) Upsert(_ context.Context, rec *models.HealthRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.UpstreamID] = &cp
	return nil
}

func (r *memHealthRepo) List(_ context.Context) ([]*models.HealthRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.HealthRecord
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

type memKeyRepo struct {
	mu   sync.Mutex
	keys []*models.APIKey
}

func (r *memKeyRepo) FindActiveByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.APIKey
	for _, k := range r.keys {
		if k.IsActive && k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *memKeyRepo) FindByID(_ context.Context, id string) (*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memKeyRepo) FindAll(_ context.Context) ([]*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.APIKey(nil), r.keys...), nil
}

func (r *memKeyRepo) Insert(_ context.Context, key *models.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *memKeyRepo) Revoke(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.ID == id {
			k.IsActive = false
		}
	}
	return nil
}

func (r *memKeyRepo) UpdateLastUsed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, k := range r.keys {
		if k.ID == id {
			k.LastUsedAt = &now
		}
	}
	return nil
}

// newTestBreaker returns a breaker over an in-memory repo with a controllable
// clock.
func newTestBreaker(cfg models.BreakerConfig) (*CircuitBreaker, *memBreakerRepo, *time.Time) {
	repo := newMemBreakerRepo()
	cb := NewCircuitBreaker(repo, cfg, zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	cb.now = func() time.Time { return *clock }
	return cb, repo, clock
}

// newTestStore builds an UpstreamStore over the given upstreams.
func newTestStore(t interface{ Fatalf(string, ...any) }, upstreams ...*models.Upstream) *UpstreamStore {
	repo := &memUpstreamRepo{upstreams: upstreams}
	store, err := NewUpstreamStore(repo, time.Millisecond)
	if err != nil {
		t.Fatalf("new upstream store: %v", err)
	}
	return store
}

func testUpstream(id, name string, pt models.ProviderType, weight int) *models.Upstream {
	return &models.Upstream{
		ID:             id,
		Name:           name,
		ProviderType:   pt,
		BaseURL:        "https://api.example.com/v1",
		TimeoutSeconds: 30,
		IsActive:       true,
		Weight:         weight,
	}
}
