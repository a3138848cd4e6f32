package service

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/g1331/autorouter/internal/models"
)

// ErrNoCandidates is returned when the filtered candidate set is empty.
var ErrNoCandidates = errors.New("no healthy upstreams available")

// LoadBalancer selects one upstream from a filtered candidate set and tracks
// in-flight connection counts for least-connections. Cursors and counters are
// process-local; in multi-replica deployments least-connections is therefore
// best-effort per replica.
type LoadBalancer struct {
	mu       sync.Mutex
	cursors  map[string]int
	inflight map[string]int
}

// NewLoadBalancer creates a new LoadBalancer.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		cursors:  make(map[string]int),
		inflight: make(map[string]int),
	}
}

// Select picks one upstream using the given strategy, skipping ids in exclude.
func (lb *LoadBalancer) Select(candidates []*models.Upstream, strategy models.LoadBalanceStrategy, exclude map[string]bool) (*models.Upstream, error) {
	eligible := make([]*models.Upstream, 0, len(candidates))
	for _, u := range candidates {
		if !exclude[u.ID] {
			eligible = append(eligible, u)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoCandidates
	}
	if len(eligible) == 1 {
		return eligible[0], nil
	}

	switch strategy {
	case models.StrategyRoundRobin:
		return lb.selectRoundRobin(eligible), nil
	case models.StrategyLeastConnections:
		return lb.selectLeastConnections(eligible), nil
	default:
		return lb.selectWeighted(eligible), nil
	}
}

// fingerprint keys the rotating cursor by the candidate set so repeated
// requests over the same set advance deterministically.
func fingerprint(candidates []*models.Upstream, strategy string) string {
	ids := make([]string, len(candidates))
	for i, u := range candidates {
		ids[i] = u.ID
	}
	sort.Strings(ids)
	return strategy + "|" + strings.Join(ids, ",")
}

// selectWeighted implements weighted round-robin: the cursor walks positions
// in the cumulative weight space, so an upstream with weight 3 is picked three
// times per cycle.
func (lb *LoadBalancer) selectWeighted(candidates []*models.Upstream) *models.Upstream {
	total := 0
	for _, u := range candidates {
		total += weightOf(u)
	}

	key := fingerprint(candidates, "weighted")
	lb.mu.Lock()
	pos := lb.cursors[key] % total
	lb.cursors[key] = (lb.cursors[key] + 1) % total
	lb.mu.Unlock()

	cumulative := 0
	for _, u := range candidates {
		cumulative += weightOf(u)
		if pos < cumulative {
			return u
		}
	}
	return candidates[len(candidates)-1]
}

func (lb *LoadBalancer) selectRoundRobin(candidates []*models.Upstream) *models.Upstream {
	key := fingerprint(candidates, "round_robin")
	lb.mu.Lock()
	idx := lb.cursors[key] % len(candidates)
	lb.cursors[key] = (lb.cursors[key] + 1) % len(candidates)
	lb.mu.Unlock()
	return candidates[idx]
}

// selectLeastConnections picks the smallest in-flight count; ties break by
// weight (descending) then id (ascending).
func (lb *LoadBalancer) selectLeastConnections(candidates []*models.Upstream) *models.Upstream {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	best := candidates[0]
	bestConns := lb.inflight[best.ID]
	for _, u := range candidates[1:] {
		conns := lb.inflight[u.ID]
		switch {
		case conns < bestConns:
			best, bestConns = u, conns
		case conns == bestConns:
			if weightOf(u) > weightOf(best) ||
				(weightOf(u) == weightOf(best) && u.ID < best.ID) {
				best = u
			}
		}
	}
	return best
}

// RecordConnection increments the in-flight count for id.
func (lb *LoadBalancer) RecordConnection(id string) {
	lb.mu.Lock()
	lb.inflight[id]++
	lb.mu.Unlock()
}

// ReleaseConnection decrements the in-flight count for id.
func (lb *LoadBalancer) ReleaseConnection(id string) {
	lb.mu.Lock()
	if lb.inflight[id] > 0 {
		lb.inflight[id]--
	}
	lb.mu.Unlock()
}

// Connections returns the current in-flight count for id.
func (lb *LoadBalancer) Connections(id string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.inflight[id]
}

func weightOf(u *models.Upstream) int {
	if u.Weight < 1 {
		return 1
	}
	return u.Weight
}
