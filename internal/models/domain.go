// Package models defines the domain models for the LLM proxy gateway.
package models

import "time"

// ProviderType identifies the wire protocol dialect an upstream speaks.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGoogle    ProviderType = "google"
	ProviderCustom    ProviderType = "custom"
)

// LoadBalanceStrategy represents a load balancing strategy.
type LoadBalanceStrategy string

const (
	StrategyWeighted         LoadBalanceStrategy = "weighted"
	StrategyRoundRobin       LoadBalanceStrategy = "round_robin"
	StrategyLeastConnections LoadBalanceStrategy = "least_connections"
)

// Upstream represents a single provider endpoint.
type Upstream struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	ProviderType    ProviderType      `json:"provider_type"`
	BaseURL         string            `json:"base_url"`
	APIKeyEncrypted string            `json:"-"` // AES-GCM ciphertext; decrypted only in the forwarder
	TimeoutSeconds  int               `json:"timeout_seconds"`
	IsActive        bool              `json:"is_active"`
	Weight          int               `json:"weight"`
	AllowedModels   []string          `json:"allowed_models,omitempty"`  // empty: any model of its provider type
	ModelRedirects  map[string]string `json:"model_redirects,omitempty"` // source model -> target model
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Timeout returns the per-upstream forwarding timeout.
func (u *Upstream) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// AllowsModel reports whether the upstream may serve the given (redirect-resolved) model.
func (u *Upstream) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// BreakerState is the circuit breaker state for one upstream.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig holds circuit breaker tuning parameters. A zero field falls
// back to the gateway-wide default.
type BreakerConfig struct {
	FailureThreshold     int `json:"failure_threshold"`
	SuccessThreshold     int `json:"success_threshold"`
	OpenDurationSeconds  int `json:"open_duration_seconds"`
	ProbeIntervalSeconds int `json:"probe_interval_seconds"`
}

// DefaultBreakerConfig returns the gateway-wide breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		OpenDurationSeconds:  300,
		ProbeIntervalSeconds: 30,
	}
}

// OpenDuration returns the configured open duration.
func (c BreakerConfig) OpenDuration() time.Duration {
	return time.Duration(c.OpenDurationSeconds) * time.Second
}

// ProbeInterval returns the configured half-open probe interval.
func (c BreakerConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// CircuitBreakerState is the durable breaker row for one upstream.
// The state field is the source of truth across restarts.
type CircuitBreakerState struct {
	UpstreamID    string         `json:"upstream_id"`
	State         BreakerState   `json:"state"`
	FailureCount  int            `json:"failure_count"`
	SuccessCount  int            `json:"success_count"` // meaningful only in HALF_OPEN
	OpenedAt      *time.Time     `json:"opened_at,omitempty"`
	LastFailureAt *time.Time     `json:"last_failure_at,omitempty"`
	LastProbeAt   *time.Time     `json:"last_probe_at,omitempty"`
	Config        *BreakerConfig `json:"config,omitempty"` // per-upstream override
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HealthRecord is the advisory health row for one upstream. It does not gate
// routing; the circuit breaker does.
type HealthRecord struct {
	UpstreamID    string     `json:"upstream_id"`
	IsHealthy     bool       `json:"is_healthy"`
	LastCheckAt   *time.Time `json:"last_check_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	FailureCount  int        `json:"failure_count"`
	LatencyMs     float64    `json:"latency_ms"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// APIKey represents a downstream client credential.
type APIKey struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	KeyPrefix          string     `json:"key_prefix"`
	KeyHash            string     `json:"-"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	IsActive           bool       `json:"is_active"`
	AllowedUpstreamIDs []string   `json:"allowed_upstream_ids"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
}

// Authorizes reports whether the key may use the given upstream.
func (k *APIKey) Authorizes(upstreamID string) bool {
	for _, id := range k.AllowedUpstreamIDs {
		if id == upstreamID {
			return true
		}
	}
	return false
}

// ExclusionReason explains why an upstream was dropped from the candidate set.
type ExclusionReason string

const (
	ExcludedModelNotAllowed  ExclusionReason = "model_not_allowed"
	ExcludedCircuitOpen      ExclusionReason = "circuit_open"
	ExcludedDisallowedForKey ExclusionReason = "disallowed_for_api_key"
	ExcludedInactive         ExclusionReason = "inactive"
)

// RoutingCandidate is one considered upstream in the routing trace.
type RoutingCandidate struct {
	UpstreamID   string       `json:"upstream_id"`
	Name         string       `json:"name"`
	Weight       int          `json:"weight"`
	CircuitState BreakerState `json:"circuit_state"`
}

// RoutingExclusion is one dropped upstream in the routing trace.
type RoutingExclusion struct {
	UpstreamID string          `json:"upstream_id"`
	Name       string          `json:"name"`
	Reason     ExclusionReason `json:"reason"`
}

// RoutingDecision is the per-request routing trace persisted on the request log.
type RoutingDecision struct {
	OriginalModel        string             `json:"original_model"`
	ResolvedModel        string             `json:"resolved_model"`
	ModelRedirectApplied bool               `json:"model_redirect_applied"`
	ProviderType         ProviderType       `json:"provider_type,omitempty"`
	RoutingType          string             `json:"routing_type"` // always "auto"
	Candidates           []RoutingCandidate `json:"candidates"`
	Excluded             []RoutingExclusion `json:"excluded,omitempty"`
	CandidateCount       int                `json:"candidate_count"`
	FinalCandidateCount  int                `json:"final_candidate_count"`
	SelectedUpstreamID   string             `json:"selected_upstream_id,omitempty"`
	SelectionStrategy    string             `json:"selection_strategy,omitempty"`
}

// FailoverErrorType classifies one failed forwarding attempt.
type FailoverErrorType string

const (
	FailoverCircuitOpen     FailoverErrorType = "circuit_open"
	FailoverHTTP429         FailoverErrorType = "http_429"
	FailoverHTTP4xx         FailoverErrorType = "http_4xx"
	FailoverHTTP5xx         FailoverErrorType = "http_5xx"
	FailoverTimeout         FailoverErrorType = "timeout"
	FailoverConnectionError FailoverErrorType = "connection_error"
	FailoverStreamError     FailoverErrorType = "stream_error"
)

// FailoverAttempt records one forwarding attempt against one upstream. The
// successful attempt, when there is one, carries an empty ErrorType.
type FailoverAttempt struct {
	UpstreamID   string            `json:"upstream_id"`
	UpstreamName string            `json:"upstream_name"`
	AttemptedAt  time.Time         `json:"attempted_at"`
	ErrorType    FailoverErrorType `json:"error_type"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StatusCode   *int              `json:"status_code,omitempty"`
}

// RequestLogEntry is a request log row for insertion and finalization.
type RequestLogEntry struct {
	ID               int64
	RequestID        string
	APIKeyID         *string
	Method           string
	Path             string
	Model            string
	ResolvedModel    string
	UpstreamID       *string
	UpstreamName     string
	StatusCode       *int
	Stream           bool
	Usage            Usage
	DurationMs       float64
	ErrorCode        string
	ErrorDetail      string // internal detail, may name upstreams
	RoutingDecision  *RoutingDecision
	FailoverAttempts []FailoverAttempt
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// RequestLog is a request log record read back from the store.
type RequestLog struct {
	ID               int64             `json:"id"`
	RequestID        string            `json:"request_id"`
	APIKeyID         *string           `json:"api_key_id,omitempty"`
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	Model            string            `json:"model"`
	ResolvedModel    string            `json:"resolved_model,omitempty"`
	UpstreamID       *string           `json:"upstream_id,omitempty"`
	UpstreamName     string            `json:"upstream_name,omitempty"`
	StatusCode       *int              `json:"status_code,omitempty"`
	Stream           bool              `json:"stream"`
	Usage            Usage             `json:"usage"`
	DurationMs       float64           `json:"duration_ms"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ErrorDetail      string            `json:"error_detail,omitempty"`
	RoutingDecision  *RoutingDecision  `json:"routing_decision,omitempty"`
	FailoverAttempts []FailoverAttempt `json:"failover_attempts,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}
