package service

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/repository"
)

// cachedUpstreams holds one cached listing with its load time.
type cachedUpstreams struct {
	upstreams []*models.Upstream
	cachedAt  time.Time
}

// UpstreamStore serves the read-mostly upstream configuration from a small
// TTL cache over the repository. Admin writes call Invalidate so the next
// request observes the change.
type UpstreamStore struct {
	repo  repository.UpstreamRepository
	cache *lru.Cache[string, *cachedUpstreams]
	ttl   time.Duration
	mu    sync.Mutex
}

const (
	cacheKeyAll = "all"

	upstreamCacheSize = 16
)

// NewUpstreamStore creates an UpstreamStore with the given TTL.
func NewUpstreamStore(repo repository.UpstreamRepository, ttl time.Duration) (*UpstreamStore, error) {
	cache, err := lru.New[string, *cachedUpstreams](upstreamCacheSize)
	if err != nil {
		return nil, err
	}
	return &UpstreamStore{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
	}, nil
}

// ListAll returns every configured upstream (active or not), cached.
func (s *UpstreamStore) ListAll(ctx context.Context) ([]*models.Upstream, error) {
	if cached, ok := s.cache.Get(cacheKeyAll); ok && time.Since(cached.cachedAt) < s.ttl {
		return cached.upstreams, nil
	}

	// Single-flight-ish: serialize reload so a cold cache does not fan out
	// one query per in-flight request.
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache.Get(cacheKeyAll); ok && time.Since(cached.cachedAt) < s.ttl {
		return cached.upstreams, nil
	}

	upstreams, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Add(cacheKeyAll, &cachedUpstreams{upstreams: upstreams, cachedAt: time.Now()})
	return upstreams, nil
}

// ListActive returns active upstreams only.
func (s *UpstreamStore) ListActive(ctx context.Context) ([]*models.Upstream, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*models.Upstream, 0, len(all))
	for _, u := range all {
		if u.IsActive {
			active = append(active, u)
		}
	}
	return active, nil
}

// ListByProviderType returns every upstream of the given provider type,
// preserving store ordering.
func (s *UpstreamStore) ListByProviderType(ctx context.Context, pt models.ProviderType) ([]*models.Upstream, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*models.Upstream, 0, len(all))
	for _, u := range all {
		if u.ProviderType == pt {
			matched = append(matched, u)
		}
	}
	return matched, nil
}

// Invalidate drops the cache; called after admin writes.
func (s *UpstreamStore) Invalidate() {
	s.cache.Purge()
}
