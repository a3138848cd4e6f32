package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
	"github.com/g1331/autorouter/internal/repository"
)

// CircuitBreaker is the per-upstream CLOSED/OPEN/HALF_OPEN state machine.
// State lives in the store and survives restarts; all operations on one
// upstream id are serialized by a per-id mutex so concurrent failures are
// both counted.
type CircuitBreaker struct {
	repo     repository.CircuitBreakerRepository
	defaults models.BreakerConfig
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with the given defaults.
func NewCircuitBreaker(repo repository.CircuitBreakerRepository, defaults models.BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		repo:     repo,
		defaults: defaults,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (cb *CircuitBreaker) lockFor(id string) *sync.Mutex {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	l, ok := cb.locks[id]
	if !ok {
		l = &sync.Mutex{}
		cb.locks[id] = l
	}
	return l
}

// load reads the row for id, synthesizing a CLOSED row when none exists yet.
func (cb *CircuitBreaker) load(ctx context.Context, id string) (*models.CircuitBreakerState, error) {
	st, err := cb.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.CircuitBreakerState{UpstreamID: id, State: models.BreakerClosed}, nil
		}
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	return st, nil
}

// configFor resolves the effective config: per-upstream override fields win,
// zero fields fall back to the defaults.
func (cb *CircuitBreaker) configFor(st *models.CircuitBreakerState) models.BreakerConfig {
	cfg := cb.defaults
	if st.Config == nil {
		return cfg
	}
	if st.Config.FailureThreshold > 0 {
		cfg.FailureThreshold = st.Config.FailureThreshold
	}
	if st.Config.SuccessThreshold > 0 {
		cfg.SuccessThreshold = st.Config.SuccessThreshold
	}
	if st.Config.OpenDurationSeconds > 0 {
		cfg.OpenDurationSeconds = st.Config.OpenDurationSeconds
	}
	if st.Config.ProbeIntervalSeconds > 0 {
		cfg.ProbeIntervalSeconds = st.Config.ProbeIntervalSeconds
	}
	return cfg
}

// Snapshot returns a read-only copy of the current row (for routing traces
// and the admin surface).
func (cb *CircuitBreaker) Snapshot(ctx context.Context, id string) (*models.CircuitBreakerState, error) {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return cb.load(ctx, id)
}

// IsBlocking reports whether routing should exclude the upstream: state is
// OPEN and the open duration has not yet elapsed. Elapsed-OPEN rows stay
// eligible; AcquirePermit performs the lazy HALF_OPEN transition.
func (cb *CircuitBreaker) IsBlocking(ctx context.Context, id string) (bool, error) {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := cb.load(ctx, id)
	if err != nil {
		return false, err
	}
	if st.State != models.BreakerOpen {
		return false, nil
	}
	cfg := cb.configFor(st)
	return st.OpenedAt == nil || cb.now().Sub(*st.OpenedAt) < cfg.OpenDuration(), nil
}

// CanRequestPass reads the current state, lazily flipping an elapsed OPEN row
// to HALF_OPEN. It does not record a probe; the failover loop uses
// AcquirePermit instead.
func (cb *CircuitBreaker) CanRequestPass(ctx context.Context, id string) (bool, error) {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return cb.pass(ctx, id, false)
}

// AcquirePermit is CanRequestPass plus probe accounting: entering (or probing
// in) HALF_OPEN stamps last_probe_at. Denied permits fail with CIRCUIT_OPEN.
func (cb *CircuitBreaker) AcquirePermit(ctx context.Context, id string) error {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()

	ok, err := cb.pass(ctx, id, true)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerr.New(proxyerr.KindCircuitOpen, "circuit open for upstream "+id)
	}
	return nil
}

// pass holds the shared gate logic. Caller must hold the per-id lock.
func (cb *CircuitBreaker) pass(ctx context.Context, id string, recordProbe bool) (bool, error) {
	st, err := cb.load(ctx, id)
	if err != nil {
		return false, err
	}
	cfg := cb.configFor(st)
	now := cb.now()

	switch st.State {
	case models.BreakerClosed:
		return true, nil

	case models.BreakerOpen:
		if st.OpenedAt != nil && now.Sub(*st.OpenedAt) >= cfg.OpenDuration() {
			st.State = models.BreakerHalfOpen
			st.SuccessCount = 0
			if recordProbe {
				st.LastProbeAt = &now
			}
			if err := cb.repo.Upsert(ctx, st); err != nil {
				return false, fmt.Errorf("persist half-open transition: %w", err)
			}
			cb.logger.Info("circuit breaker half-open", zap.String("upstream_id", id))
			return true, nil
		}
		return false, nil

	case models.BreakerHalfOpen:
		if st.LastProbeAt != nil && now.Sub(*st.LastProbeAt) < cfg.ProbeInterval() {
			return false, nil
		}
		if recordProbe {
			st.LastProbeAt = &now
			if err := cb.repo.Upsert(ctx, st); err != nil {
				return false, fmt.Errorf("persist probe time: %w", err)
			}
		}
		return true, nil
	}

	return true, nil
}

// RecordSuccess is a no-op in CLOSED; in HALF_OPEN it counts toward the
// success threshold and closes the breaker once reached.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, id string) error {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := cb.load(ctx, id)
	if err != nil {
		return err
	}
	if st.State != models.BreakerHalfOpen {
		return nil
	}

	cfg := cb.configFor(st)
	st.SuccessCount++
	if st.SuccessCount >= cfg.SuccessThreshold {
		st.State = models.BreakerClosed
		st.FailureCount = 0
		st.SuccessCount = 0
		st.OpenedAt = nil
		cb.logger.Info("circuit breaker closed", zap.String("upstream_id", id))
	}
	return cb.repo.Upsert(ctx, st)
}

// RecordFailure counts a failure. In CLOSED the breaker opens once the
// failure threshold is reached; in HALF_OPEN a single failure re-opens it.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, id string, errType models.FailoverErrorType) error {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := cb.load(ctx, id)
	if err != nil {
		return err
	}
	cfg := cb.configFor(st)
	now := cb.now()

	st.FailureCount++
	st.LastFailureAt = &now

	switch st.State {
	case models.BreakerClosed:
		if st.FailureCount >= cfg.FailureThreshold {
			st.State = models.BreakerOpen
			st.OpenedAt = &now
			cb.logger.Warn("circuit breaker opened",
				zap.String("upstream_id", id),
				zap.Int("failure_count", st.FailureCount),
				zap.String("error_type", string(errType)))
		}
	case models.BreakerHalfOpen:
		st.State = models.BreakerOpen
		st.OpenedAt = &now
		st.SuccessCount = 0
		cb.logger.Warn("circuit breaker re-opened from half-open",
			zap.String("upstream_id", id),
			zap.String("error_type", string(errType)))
	}

	return cb.repo.Upsert(ctx, st)
}

// ForceOpen opens the breaker regardless of counters (admin operation).
func (cb *CircuitBreaker) ForceOpen(ctx context.Context, id string) error {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := cb.load(ctx, id)
	if err != nil {
		return err
	}
	now := cb.now()
	st.State = models.BreakerOpen
	st.OpenedAt = &now
	st.SuccessCount = 0
	return cb.repo.Upsert(ctx, st)
}

// ForceClose closes the breaker and zeroes its counters (admin operation).
func (cb *CircuitBreaker) ForceClose(ctx context.Context, id string) error {
	l := cb.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := cb.load(ctx, id)
	if err != nil {
		return err
	}
	st.State = models.BreakerClosed
	st.FailureCount = 0
	st.SuccessCount = 0
	st.OpenedAt = nil
	return cb.repo.Upsert(ctx, st)
}
