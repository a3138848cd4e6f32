package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/config"
	"github.com/g1331/autorouter/internal/metrics"
	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
)

// failoverAttemptCap bounds the exhaust-all loop regardless of configuration.
const failoverAttemptCap = 10

// FailoverResult is the outcome of the exhaust-all loop.
type FailoverResult struct {
	Response *ProxyResult
	Upstream *models.Upstream
	Attempts []models.FailoverAttempt
}

// FailoverExecutor wraps selection and forwarding in an exhaust-all retry
// loop: select a candidate, acquire a breaker permit, forward, classify, and
// record, until success or every candidate has failed.
type FailoverExecutor struct {
	balancer  *LoadBalancer
	breaker   *CircuitBreaker
	health    *HealthTracker
	forwarder *Forwarder
	metrics   *metrics.Metrics
	cfg       config.FailoverConfig
	logger    *zap.Logger
}

// NewFailoverExecutor creates a new FailoverExecutor.
func NewFailoverExecutor(
	balancer *LoadBalancer,
	breaker *CircuitBreaker,
	health *HealthTracker,
	forwarder *Forwarder,
	m *metrics.Metrics,
	cfg config.FailoverConfig,
	logger *zap.Logger,
) *FailoverExecutor {
	return &FailoverExecutor{
		balancer:  balancer,
		breaker:   breaker,
		health:    health,
		forwarder: forwarder,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs the failover loop over the routed candidate set. The request
// body is already buffered on preq, so every attempt replays identical bytes.
func (e *FailoverExecutor) Execute(ctx context.Context, preq *ProxyRequest, candidates []*models.Upstream) (*FailoverResult, error) {
	result := &FailoverResult{}
	failed := make(map[string]bool, len(candidates))

	maxAttempts := len(candidates)
	if maxAttempts > e.cfg.MaxAttempts {
		maxAttempts = e.cfg.MaxAttempts
	}
	if maxAttempts > failoverAttemptCap {
		maxAttempts = failoverAttemptCap
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return result, proxyerr.Wrap(proxyerr.KindClientDisconnected, "client went away", ctx.Err())
		}

		up, err := e.balancer.Select(candidates, e.cfg.Strategy, failed)
		if err != nil {
			break
		}

		e.balancer.RecordConnection(up.ID)

		if err := e.breaker.AcquirePermit(ctx, up.ID); err != nil {
			e.balancer.ReleaseConnection(up.ID)
			if !proxyerr.IsKind(err, proxyerr.KindCircuitOpen) {
				return result, err
			}
			failed[up.ID] = true
			result.Attempts = append(result.Attempts, e.attempt(up, models.FailoverCircuitOpen, err.Error(), nil))
			e.metrics.ObserveAttempt(up.Name, "circuit_reject")
			continue
		}

		start := time.Now()
		res, err := e.forwarder.Forward(ctx, preq, up, e.streamHooks(up))
		if err != nil {
			e.balancer.ReleaseConnection(up.ID)

			kind := proxyerr.KindOf(err)
			if kind == proxyerr.KindClientDisconnected {
				return result, err
			}
			errType, failoverable := classifyAttemptError(err)
			if !failoverable {
				return result, err
			}

			e.recordFailure(up, errType, err.Error())
			failed[up.ID] = true
			result.Attempts = append(result.Attempts, e.attempt(up, errType, err.Error(), nil))
			e.metrics.ObserveAttempt(up.Name, string(errType))
			e.logger.Warn("upstream attempt failed",
				zap.String("upstream", up.Name),
				zap.String("error_type", string(errType)),
				zap.Error(err))
			continue
		}

		if e.isFailoverStatus(res.StatusCode) {
			errType := statusErrorType(res.StatusCode)
			statusErr := &UpstreamStatusError{StatusCode: res.StatusCode, Upstream: up.Name}

			if res.IsStream {
				// Closing the wrapper releases the connection via OnCancel.
				_ = res.Stream.Close()
			} else {
				e.balancer.ReleaseConnection(up.ID)
			}
			e.recordFailure(up, errType, statusErr.Error())
			failed[up.ID] = true
			code := res.StatusCode
			result.Attempts = append(result.Attempts, e.attempt(up, errType, statusErr.Error(), &code))
			e.metrics.ObserveAttempt(up.Name, string(errType))
			e.logger.Warn("upstream returned failover status",
				zap.String("upstream", up.Name),
				zap.Int("status", res.StatusCode))
			continue
		}

		// Success. Streams defer release and breaker/health recording to the
		// wrapper's clean-close hook; non-stream responses settle now.
		if !res.IsStream {
			e.balancer.ReleaseConnection(up.ID)
			latencyMs := float64(time.Since(start).Milliseconds())
			e.recordSuccess(up, latencyMs)
		}
		if attempt > 0 {
			e.metrics.RecordFailover(string(result.Attempts[len(result.Attempts)-1].ErrorType))
		}
		e.metrics.ObserveAttempt(up.Name, "success")

		code := res.StatusCode
		result.Attempts = append(result.Attempts, e.attempt(up, "", "", &code))

		result.Response = res
		result.Upstream = up
		return result, nil
	}

	// Exhausted. Pure timeout exhaustion surfaces as REQUEST_TIMEOUT; any
	// other mix maps to ALL_UPSTREAMS_UNAVAILABLE.
	if len(result.Attempts) > 0 && allTimeouts(result.Attempts) {
		return result, proxyerr.New(proxyerr.KindTimeout,
			fmt.Sprintf("all %d candidate(s) timed out", len(result.Attempts)))
	}
	return result, proxyerr.New(proxyerr.KindAllUnavailable,
		fmt.Sprintf("all %d candidate(s) failed", len(candidates)))
}

func allTimeouts(attempts []models.FailoverAttempt) bool {
	for _, a := range attempts {
		if a.ErrorType != models.FailoverTimeout {
			return false
		}
	}
	return true
}

// streamHooks settles bookkeeping when a wrapped stream finishes. Hooks run
// after the downstream context may already be cancelled, so store writes use
// detached contexts.
func (e *FailoverExecutor) streamHooks(up *models.Upstream) StreamHooks {
	return StreamHooks{
		OnClean: func(latencyMs float64) {
			e.balancer.ReleaseConnection(up.ID)
			e.recordSuccess(up, latencyMs)
		},
		OnError: func(err error) {
			e.balancer.ReleaseConnection(up.ID)
			e.recordFailure(up, models.FailoverStreamError, err.Error())
			e.metrics.ObserveAttempt(up.Name, string(models.FailoverStreamError))
		},
		OnCancel: func() {
			e.balancer.ReleaseConnection(up.ID)
		},
	}
}

func (e *FailoverExecutor) recordSuccess(up *models.Upstream, latencyMs float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.breaker.RecordSuccess(ctx, up.ID); err != nil {
		e.logger.Warn("failed to record breaker success",
			zap.String("upstream", up.Name), zap.Error(err))
	}
	e.health.MarkHealthy(ctx, up.ID, latencyMs)
	if snap, err := e.breaker.Snapshot(ctx, up.ID); err == nil {
		e.metrics.SetBreakerState(up.Name, snap.State)
	}
}

func (e *FailoverExecutor) recordFailure(up *models.Upstream, errType models.FailoverErrorType, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.breaker.RecordFailure(ctx, up.ID, errType); err != nil {
		e.logger.Warn("failed to record breaker failure",
			zap.String("upstream", up.Name), zap.Error(err))
	}
	e.health.MarkUnhealthy(ctx, up.ID, reason)
	if snap, err := e.breaker.Snapshot(ctx, up.ID); err == nil {
		e.metrics.SetBreakerState(up.Name, snap.State)
	}
}

func (e *FailoverExecutor) attempt(up *models.Upstream, errType models.FailoverErrorType, message string, status *int) models.FailoverAttempt {
	return models.FailoverAttempt{
		UpstreamID:   up.ID,
		UpstreamName: up.Name,
		AttemptedAt:  time.Now().UTC(),
		ErrorType:    errType,
		ErrorMessage: message,
		StatusCode:   status,
	}
}

// isFailoverStatus applies the configurable failover status set: 429 and any
// 5xx by default, widened by ExtraStatusCodes and narrowed by
// IgnoreStatusCodes.
func (e *FailoverExecutor) isFailoverStatus(status int) bool {
	for _, code := range e.cfg.IgnoreStatusCodes {
		if status == code {
			return false
		}
	}
	for _, code := range e.cfg.ExtraStatusCodes {
		if status == code {
			return true
		}
	}
	return status == 429 || status >= 500
}

// statusErrorType classifies a failover-status response. Status wins over
// message content.
func statusErrorType(status int) models.FailoverErrorType {
	switch {
	case status == 429:
		return models.FailoverHTTP429
	case status >= 500:
		return models.FailoverHTTP5xx
	case status >= 400:
		return models.FailoverHTTP4xx
	default:
		return models.FailoverConnectionError
	}
}

// classifyAttemptError maps a forwarding error to its failover classification.
// Timeouts and network errors fail over; anything tagged with a non-transport
// kind is rethrown.
func classifyAttemptError(err error) (models.FailoverErrorType, bool) {
	switch proxyerr.KindOf(err) {
	case proxyerr.KindTimeout:
		return models.FailoverTimeout, true
	case proxyerr.KindCircuitOpen:
		return models.FailoverCircuitOpen, true
	}
	var pe *proxyerr.Error
	if errors.As(err, &pe) {
		// Tagged internal failures (bad config, crypto) are not the
		// upstream's fault; do not burn further candidates on them.
		return models.FailoverConnectionError, false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailoverTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FailoverTimeout, true
	}
	// Connection refused, reset, unexpected EOF and friends.
	return models.FailoverConnectionError, true
}
