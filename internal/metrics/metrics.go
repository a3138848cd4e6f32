// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/g1331/autorouter/internal/models"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"method", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autorouter_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method"},
	)

	UpstreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_upstream_attempts_total",
			Help: "Forwarding attempts per upstream and outcome",
		},
		[]string{"upstream", "outcome"},
	)

	FailoverTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_failover_total",
			Help: "Requests that required at least one failover",
		},
		[]string{"reason"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autorouter_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0 closed, 1 open, 2 half-open)",
		},
		[]string{"upstream"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_tokens_total",
			Help: "Extracted token usage",
		},
		[]string{"direction"},
	)
)

// Metrics is the instrumentation facade handed to services. A nil *Metrics
// disables recording, so call sites never need guards.
type Metrics struct{}

// New creates the metrics facade.
func New() *Metrics {
	return &Metrics{}
}

// ObserveRequest records one finished downstream request.
func (m *Metrics) ObserveRequest(method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method).Observe(dur.Seconds())
}

// ObserveAttempt records one upstream forwarding attempt.
func (m *Metrics) ObserveAttempt(upstream, outcome string) {
	if m == nil {
		return
	}
	UpstreamAttemptsTotal.WithLabelValues(upstream, outcome).Inc()
}

// RecordFailover records that a request moved past its first candidate.
func (m *Metrics) RecordFailover(reason string) {
	if m == nil {
		return
	}
	FailoverTotal.WithLabelValues(reason).Inc()
}

// SetBreakerState exports the current breaker state for an upstream.
func (m *Metrics) SetBreakerState(upstream string, state models.BreakerState) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case models.BreakerOpen:
		v = 1
	case models.BreakerHalfOpen:
		v = 2
	}
	CircuitBreakerState.WithLabelValues(upstream).Set(v)
}

// AddUsage records extracted token usage.
func (m *Metrics) AddUsage(u models.Usage) {
	if m == nil || u.IsZero() {
		return
	}
	TokensTotal.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	TokensTotal.WithLabelValues("completion").Add(float64(u.CompletionTokens))
}
