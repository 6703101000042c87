// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Broker: Redis URL, pool size, command timeout, health-check interval
//   - Heartbeat: WebSocket ping interval and pong timeout
//   - Queue: durable-queue TTL, retry budget, stale-message age
//   - PubSub: pump/resync tick
//   - Auth: JWT secret and token lifetimes
//   - Scheduler: cron specs for the background sweeps
//   - Retry: database retry attempts and delays
//
// For a complete list of all environment variables, see .env.example
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig holds Redis connection configuration.
type BrokerConfig struct {
	URL                 string        // Redis URL (default: redis://localhost:6379/0)
	PoolSize            int           // Connection pool size (default: 10)
	CommandTimeout      time.Duration // Per-command socket timeout (default: 5s)
	HealthCheckInterval time.Duration // Background probe interval (default: 30s)
	MaxRetries          int           // Transient-error retry budget (default: 3)
	RetryBaseDelay      time.Duration // Linear backoff unit (default: 50ms)
}

// HeartbeatConfig holds session liveness configuration.
type HeartbeatConfig struct {
	PingInterval time.Duration // Ping cadence (default: 30s)
	PingTimeout  time.Duration // Eviction threshold since last pong (default: 60s)
}

// QueueConfig holds durable-queue configuration.
type QueueConfig struct {
	DefaultTTL  time.Duration // Queue-key lifetime (default: 24h)
	MaxAttempts int           // Delivery attempts before dead-letter (default: 3)
	StaleMaxAge time.Duration // In-flight age before the reaper reclaims (default: 1h)
}

// PubSubConfig holds pub-sub pump configuration.
type PubSubConfig struct {
	PumpTick time.Duration // Resync watchdog tick (default: 1s)
}

// AuthConfig holds JWT and password-hashing configuration.
type AuthConfig struct {
	JWTSecret       string        // HMAC signing secret
	AccessTokenTTL  time.Duration // Access token lifetime (default: 30m)
	RefreshTokenTTL time.Duration // Refresh token lifetime (default: 168h)
	BcryptCost      int           // bcrypt cost factor (default: 10)
}

// SchedulerConfig holds the background sweep cadences.
type SchedulerConfig struct {
	StaleSweepSpec   string        // Cron spec for the stale-message reaper (default: every 30m)
	RetentionSpec    string        // Cron spec for the audit-log retention sweep (default: every 1h)
	MessageRetention time.Duration // Audit rows older than this are removed (default: 168h)
}

// RetryConfig holds retry-related configuration. The SQLite store does not
// read it: its write retry always makes 3 attempts from a 100ms base delay.
type RetryConfig struct {
	DatabaseMaxRetries     int           // Max database retry attempts (default: 3)
	DatabaseRetryBaseDelay time.Duration // Base delay for DB retries (default: 100ms)
}

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	WorkspaceSeedPath string // Optional YAML seed file for local development
	Broker            BrokerConfig
	Heartbeat         HeartbeatConfig
	Queue             QueueConfig
	PubSub            PubSubConfig
	Auth              AuthConfig
	Scheduler         SchedulerConfig
	Retry             RetryConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/agentbus.db"),
		WorkspaceSeedPath: getEnv("WORKSPACE_SEED_PATH", ""),
		Broker: BrokerConfig{
			URL:                 getEnv("BROKER_URL", "redis://localhost:6379/0"),
			PoolSize:            getEnvInt("BROKER_POOL_SIZE", 10),
			CommandTimeout:      getEnvDuration("BROKER_COMMAND_TIMEOUT", 5*time.Second),
			HealthCheckInterval: getEnvDuration("BROKER_HEALTH_CHECK_INTERVAL", 30*time.Second),
			MaxRetries:          getEnvInt("BROKER_MAX_RETRIES", 3),
			RetryBaseDelay:      getEnvDuration("BROKER_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Heartbeat: HeartbeatConfig{
			PingInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			PingTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 60*time.Second),
		},
		Queue: QueueConfig{
			DefaultTTL:  getEnvDuration("QUEUE_DEFAULT_TTL", 24*time.Hour),
			MaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			StaleMaxAge: getEnvDuration("QUEUE_STALE_MAX_AGE", time.Hour),
		},
		PubSub: PubSubConfig{
			PumpTick: getEnvDuration("PUBSUB_PUMP_TICK", time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:       getEnv("JWT_SECRET", ""),
			AccessTokenTTL:  getEnvDuration("JWT_ACCESS_TOKEN_TTL", 30*time.Minute),
			RefreshTokenTTL: getEnvDuration("JWT_REFRESH_TOKEN_TTL", 7*24*time.Hour),
			BcryptCost:      getEnvInt("BCRYPT_COST", 10),
		},
		Scheduler: SchedulerConfig{
			StaleSweepSpec:   getEnv("SCHEDULER_STALE_SWEEP_SPEC", "@every 30m"),
			RetentionSpec:    getEnv("SCHEDULER_RETENTION_SPEC", "@every 1h"),
			MessageRetention: getEnvDuration("SCHEDULER_MESSAGE_RETENTION", 7*24*time.Hour),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 100*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("BROKER_URL cannot be empty")
	}
	if c.Broker.PoolSize <= 0 {
		return fmt.Errorf("BROKER_POOL_SIZE must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be > 0")
	}
	if c.Heartbeat.PingInterval <= 0 || c.Heartbeat.PingTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be > 0")
	}
	if !c.IsDevelopment() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// WorkspaceSeed is the YAML shape of the optional development seed file:
// workspaces, each with its sandboxed agents, pre-created at startup.
type WorkspaceSeed struct {
	Workspaces []SeedWorkspace `yaml:"workspaces"`
}

// SeedWorkspace declares one workspace to pre-create.
type SeedWorkspace struct {
	Name         string        `yaml:"name"`
	MaxSandboxes int           `yaml:"max_sandboxes"`
	Agents       []SeedSandbox `yaml:"agents"`
}

// SeedSandbox declares one sandboxed agent inside a seed workspace.
type SeedSandbox struct {
	AgentID     string `yaml:"agent_id"`
	DisplayName string `yaml:"display_name"`
}

// LoadWorkspaceSeed reads the workspace seed file named by
// WorkspaceSeedPath, or returns nil if none is configured.
func (c *Config) LoadWorkspaceSeed() (*WorkspaceSeed, error) {
	if c.WorkspaceSeedPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.WorkspaceSeedPath)
	if err != nil {
		return nil, fmt.Errorf("read workspace seed: %w", err)
	}
	var seed WorkspaceSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse workspace seed: %w", err)
	}
	return &seed, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
