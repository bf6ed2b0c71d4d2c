// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"3331"`

	// RedisURL points at the store holding all durable state.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	// WSAuthToken, when set, is compared against the token query parameter
	// on WebSocket handshakes. Connections without a token are permitted.
	WSAuthToken string `env:"WS_AUTH_TOKEN"`

	RateLimitPerMin int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`

	// Header-read and idle timeouts only: a server-wide write timeout
	// would cut off SSE and WebSocket streams.
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// WorkerHeartbeatTTL is the liveness window; two missed heartbeats
	// make a worker's active jobs eligible for orphan recovery.
	WorkerHeartbeatTTL time.Duration `env:"WORKER_HEARTBEAT_TTL" envDefault:"60s"`
	JanitorInterval    time.Duration `env:"JANITOR_INTERVAL" envDefault:"60s"`
	MaxJobAge          time.Duration `env:"MAX_JOB_AGE" envDefault:"30m"`

	CompletedRetention time.Duration `env:"COMPLETED_RETENTION" envDefault:"24h"`
	FailedRetention    time.Duration `env:"FAILED_RETENTION" envDefault:"168h"`
	WorkflowRetention  time.Duration `env:"WORKFLOW_RETENTION" envDefault:"24h"`

	// ClaimScanDepth bounds how many top-scored pending jobs a worker
	// poll inspects before giving up.
	ClaimScanDepth   int   `env:"CLAIM_SCAN_DEPTH" envDefault:"20"`
	SnapshotPageSize int   `env:"SNAPSHOT_PAGE_SIZE" envDefault:"100"`
	MaxMessageBytes  int64 `env:"MAX_MESSAGE_BYTES" envDefault:"1048576"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"emp-job-queue"`
}

// Load parses environment variables into a Config and validates the
// fields the process cannot start without.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces startup requirements: a listen port and a store URL.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("op=config.Validate: invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("op=config.Validate: REDIS_URL is required")
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
