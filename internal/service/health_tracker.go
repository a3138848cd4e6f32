package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/repository"
)

// HealthTracker maintains the advisory per-upstream health records. It never
// gates routing (the circuit breaker does); records exist for observability
// and for the optional background probe.
type HealthTracker struct {
	repo    repository.HealthRepository
	breaker *CircuitBreaker
	store   *UpstreamStore
	client  *http.Client
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(
	repo repository.HealthRepository,
	breaker *CircuitBreaker,
	store *UpstreamStore,
	probeTimeout time.Duration,
	logger *zap.Logger,
) *HealthTracker {
	return &HealthTracker{
		repo:    repo,
		breaker: breaker,
		store:   store,
		client:  &http.Client{Timeout: probeTimeout},
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// MarkHealthy records a successful request against the upstream.
func (ht *HealthTracker) MarkHealthy(ctx context.Context, id string, latencyMs float64) {
	now := time.Now().UTC()
	rec, err := ht.repo.Get(ctx, id)
	if err != nil {
		rec = &models.HealthRecord{UpstreamID: id}
	}
	rec.IsHealthy = true
	rec.LastCheckAt = &now
	rec.LastSuccessAt = &now
	rec.FailureCount = 0
	rec.LatencyMs = latencyMs
	rec.ErrorMessage = ""
	if err := ht.repo.Upsert(ctx, rec); err != nil {
		ht.logger.Warn("failed to persist health record",
			zap.String("upstream_id", id), zap.Error(err))
	}
}

// MarkUnhealthy records a failed request against the upstream.
func (ht *HealthTracker) MarkUnhealthy(ctx context.Context, id string, reason string) {
	now := time.Now().UTC()
	rec, err := ht.repo.Get(ctx, id)
	if err != nil {
		rec = &models.HealthRecord{UpstreamID: id, IsHealthy: true}
	}
	rec.IsHealthy = false
	rec.LastCheckAt = &now
	rec.FailureCount++
	rec.ErrorMessage = reason
	if err := ht.repo.Upsert(ctx, rec); err != nil {
		ht.logger.Warn("failed to persist health record",
			zap.String("upstream_id", id), zap.Error(err))
	}
}

// Get returns the health record for one upstream.
func (ht *HealthTracker) Get(ctx context.Context, id string) (*models.HealthRecord, error) {
	return ht.repo.Get(ctx, id)
}

// List returns all health records.
func (ht *HealthTracker) List(ctx context.Context) ([]*models.HealthRecord, error) {
	return ht.repo.List(ctx)
}

// Start launches the background probe loop. On each tick, breakers whose open
// duration has fully elapsed are flipped to HALF_OPEN by CanRequestPass before
// any probe is sent; every HALF_OPEN upstream whose probe interval has passed
// then gets a minimal GET. A response below 500 marks it healthy and counts
// toward closing the breaker; a failed probe only marks it unhealthy and
// leaves the breaker state unchanged. Breakers still inside their open
// duration are not probed. The loop is a convenience — the lazy transition in
// AcquirePermit is sufficient on its own.
func (ht *HealthTracker) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	ht.cancel = cancel
	go ht.loop(ctx, interval)
	ht.logger.Info("health probe started", zap.Duration("interval", interval))
}

// Stop halts the probe loop.
func (ht *HealthTracker) Stop() {
	if ht.cancel != nil {
		ht.cancel()
		<-ht.done
	}
}

func (ht *HealthTracker) loop(ctx context.Context, interval time.Duration) {
	defer close(ht.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ht.probeOpenUpstreams(ctx)
		}
	}
}

func (ht *HealthTracker) probeOpenUpstreams(ctx context.Context) {
	upstreams, err := ht.store.ListActive(ctx)
	if err != nil {
		ht.logger.Warn("probe: failed to list upstreams", zap.Error(err))
		return
	}

	for _, up := range upstreams {
		ok, err := ht.breaker.CanRequestPass(ctx, up.ID)
		if err != nil || !ok {
			continue
		}
		st, err := ht.breaker.Snapshot(ctx, up.ID)
		if err != nil || st.State != models.BreakerHalfOpen {
			continue
		}
		ht.probe(ctx, up)
	}
}

func (ht *HealthTracker) probe(ctx context.Context, up *models.Upstream) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, up.BaseURL, nil)
	if err != nil {
		ht.MarkUnhealthy(ctx, up.ID, err.Error())
		return
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		ht.MarkUnhealthy(ctx, up.ID, err.Error())
		return
	}
	defer resp.Body.Close()

	latencyMs := float64(time.Since(start).Milliseconds())
	if resp.StatusCode >= 500 {
		ht.MarkUnhealthy(ctx, up.ID, resp.Status)
		return
	}

	// Any response below 500 proves the upstream is reachable.
	ht.MarkHealthy(ctx, up.ID, latencyMs)
	if err := ht.breaker.RecordSuccess(ctx, up.ID); err != nil {
		ht.logger.Warn("probe: failed to record breaker success",
			zap.String("upstream_id", up.ID), zap.Error(err))
	}
	ht.logger.Debug("probe succeeded",
		zap.String("upstream", up.Name),
		zap.Float64("latency_ms", latencyMs))
}
