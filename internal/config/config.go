// Package config provides configuration management with 2-tier priority:
// Environment variables > Default values
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/g1331/autorouter/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Security    SecurityConfig
	Database    DatabaseConfig
	Breaker     models.BreakerConfig
	Failover    FailoverConfig
	Health      HealthConfig
	Routing     RoutingConfig
	LogRotation LogRotationConfig
	Retention   RetentionConfig
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host         string
	Port         int
	LogLevel     string
	MaxBodyBytes int64
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	// EncryptionKey protects upstream API keys at rest (AES-256-GCM).
	EncryptionKey string
	// AdminToken guards the /admin surface.
	AdminToken string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// FailoverConfig holds failover loop configuration.
type FailoverConfig struct {
	// MaxAttempts caps the exhaust-all loop. The effective cap per request is
	// min(MaxAttempts, number of distinct candidates), and never more than 10.
	MaxAttempts int
	// ExtraStatusCodes widens the failover status set beyond the default
	// (429 and any 5xx).
	ExtraStatusCodes []int
	// IgnoreStatusCodes removes codes from the failover status set.
	IgnoreStatusCodes []int
	// Strategy is the load balancing strategy for candidate selection.
	Strategy models.LoadBalanceStrategy
}

// HealthConfig holds the background probe configuration.
type HealthConfig struct {
	ProbeEnabled        bool
	ProbeTimeoutSeconds int
}

// RoutingConfig holds upstream-configuration cache settings.
type RoutingConfig struct {
	UpstreamCacheTTL time.Duration
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RetentionConfig holds the request log retention sweep settings.
type RetentionConfig struct {
	RequestLogDays int
	SweepInterval  time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			LogLevel:     "info",
			MaxBodyBytes: 32 << 20,
		},
		Security: SecurityConfig{
			EncryptionKey: "change-this-to-a-random-encryption-key",
			AdminToken:    "",
		},
		Database: DatabaseConfig{
			Path:            "autorouter.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Breaker: models.DefaultBreakerConfig(),
		Failover: FailoverConfig{
			MaxAttempts: 10,
			Strategy:    models.StrategyWeighted,
		},
		Health: HealthConfig{
			ProbeEnabled:        true,
			ProbeTimeoutSeconds: 5,
		},
		Routing: RoutingConfig{
			UpstreamCacheTTL: 2 * time.Second,
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Retention: RetentionConfig{
			RequestLogDays: 30,
			SweepInterval:  time.Hour,
		},
	}
}

// Load builds the configuration from defaults plus environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.Server.Host = getEnvStr("AUTOROUTER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("AUTOROUTER_PORT", cfg.Server.Port)
	cfg.Server.LogLevel = getEnvStr("AUTOROUTER_LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.MaxBodyBytes = int64(getEnvInt("AUTOROUTER_MAX_BODY_BYTES", int(cfg.Server.MaxBodyBytes)))

	cfg.Security.EncryptionKey = getEnvStr("AUTOROUTER_ENCRYPTION_KEY", cfg.Security.EncryptionKey)
	cfg.Security.AdminToken = getEnvStr("AUTOROUTER_ADMIN_TOKEN", cfg.Security.AdminToken)

	cfg.Database.Path = getEnvStr("AUTOROUTER_DB_PATH", cfg.Database.Path)

	cfg.Breaker.FailureThreshold = getEnvInt("AUTOROUTER_CB_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.SuccessThreshold = getEnvInt("AUTOROUTER_CB_SUCCESS_THRESHOLD", cfg.Breaker.SuccessThreshold)
	cfg.Breaker.OpenDurationSeconds = getEnvInt("AUTOROUTER_CB_OPEN_DURATION_SECONDS", cfg.Breaker.OpenDurationSeconds)
	cfg.Breaker.ProbeIntervalSeconds = getEnvInt("AUTOROUTER_CB_PROBE_INTERVAL_SECONDS", cfg.Breaker.ProbeIntervalSeconds)

	cfg.Failover.MaxAttempts = getEnvInt("AUTOROUTER_FAILOVER_MAX_ATTEMPTS", cfg.Failover.MaxAttempts)
	cfg.Failover.ExtraStatusCodes = getEnvIntList("AUTOROUTER_FAILOVER_STATUS_CODES")
	cfg.Failover.IgnoreStatusCodes = getEnvIntList("AUTOROUTER_FAILOVER_IGNORE_STATUS_CODES")
	cfg.Failover.Strategy = models.LoadBalanceStrategy(
		getEnvStr("AUTOROUTER_LB_STRATEGY", string(cfg.Failover.Strategy)))

	cfg.Health.ProbeEnabled = getEnvBool("AUTOROUTER_PROBE_ENABLED", cfg.Health.ProbeEnabled)
	cfg.Health.ProbeTimeoutSeconds = getEnvInt("AUTOROUTER_PROBE_TIMEOUT_SECONDS", cfg.Health.ProbeTimeoutSeconds)

	if ttl := getEnvInt("AUTOROUTER_UPSTREAM_CACHE_TTL_MS", 0); ttl > 0 {
		cfg.Routing.UpstreamCacheTTL = time.Duration(ttl) * time.Millisecond
	}

	cfg.Retention.RequestLogDays = getEnvInt("AUTOROUTER_LOG_RETENTION_DAYS", cfg.Retention.RequestLogDays)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Failover.MaxAttempts < 1 {
		return &ConfigError{Field: "failover.max_attempts", Message: "must be at least 1"}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &ConfigError{Field: "breaker.failure_threshold", Message: "must be at least 1"}
	}
	if c.Breaker.SuccessThreshold < 1 {
		return &ConfigError{Field: "breaker.success_threshold", Message: "must be at least 1"}
	}
	switch c.Failover.Strategy {
	case models.StrategyWeighted, models.StrategyRoundRobin, models.StrategyLeastConnections:
	default:
		return &ConfigError{Field: "failover.strategy", Message: "unknown load balance strategy"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Helper functions for environment variable parsing.

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}

func getEnvIntList(key string) []int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
