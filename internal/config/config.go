// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Regions       RegionsConfig       `yaml:"regions"`
	Arrival       ArrivalConfig       `yaml:"arrival"`
	Location      LocationConfig      `yaml:"location"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Actions       ActionsConfig       `yaml:"actions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes device token verification. Tokens are verified
// against the JWKS endpoint, or against a shared HMAC secret read from
// HMACSecretEnv when no JWKS URL is set.
type IdentityConfig struct {
	Disabled      bool              `yaml:"disabled"`
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// HMACSecret returns the shared secret, if configured.
func (c IdentityConfig) HMACSecret() string {
	if c.HMACSecretEnv == "" {
		return ""
	}
	return os.Getenv(c.HMACSecretEnv)
}

// DatabaseConfig describes the postgres connection. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectAttempts uint64        `yaml:"connect_attempts"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// DSN returns the connection string read from DSNEnv.
func (c DatabaseConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// RedisConfig describes the optional redis event fan-out.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

// Addr returns the redis address read from AddrEnv.
func (c RedisConfig) Addr() string {
	if c.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.AddrEnv)
}

// RegionsConfig describes the region cache and its remote source.
type RegionsConfig struct {
	SourceURL       string               `yaml:"source_url"`
	SourceHeaders   map[string]string    `yaml:"source_headers"`
	StaticFile      string               `yaml:"static_file"`
	RefreshInterval time.Duration        `yaml:"refresh_interval"`
	RefreshTimeout  time.Duration        `yaml:"refresh_timeout"`
	SearchRadiusKm  float64              `yaml:"search_radius_km"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// ArrivalConfig describes the arrival tracker.
type ArrivalConfig struct {
	Debounce      time.Duration `yaml:"debounce"`
	QueueCapacity int           `yaml:"queue_capacity"`
}

// LocationConfig describes the last-known location memo.
type LocationConfig struct {
	MemoTTL time.Duration `yaml:"memo_ttl"`
}

// WorkflowConfig describes the workflow engine and trigger adapter.
type WorkflowConfig struct {
	ResumeWindow       time.Duration `yaml:"resume_window"`
	TriggerRetries     uint64        `yaml:"trigger_retries"`
	TriggerRetryWait   time.Duration `yaml:"trigger_retry_wait"`
	DefinitionInterval time.Duration `yaml:"definition_reload_interval"`
}

// DefinitionsConfig describes where to find workflow definitions and which
// definition each trigger starts.
type DefinitionsConfig struct {
	Directories []string          `yaml:"directories"`
	Triggers    map[string]string `yaml:"triggers"`
}

// ActionsConfig describes the built-in action handlers.
type ActionsConfig struct {
	InvokeTimeout  time.Duration        `yaml:"invoke_timeout"`
	WebhookTimeout time.Duration        `yaml:"webhook_timeout"`
	WebhookHeaders map[string]string    `yaml:"webhook_headers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"device_id":  "device_id",
				"roles":      "roles",
			},
		},
		Database: DatabaseConfig{
			DSNEnv:          "WAYPOINT_DATABASE_DSN",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 10,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			AddrEnv: "WAYPOINT_REDIS_ADDR",
		},
		Regions: RegionsConfig{
			RefreshInterval: 15 * time.Minute,
			RefreshTimeout:  30 * time.Second,
			SearchRadiusKm:  50,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Arrival: ArrivalConfig{
			Debounce:      30 * time.Second,
			QueueCapacity: 1024,
		},
		Location: LocationConfig{
			MemoTTL: 10 * time.Minute,
		},
		Workflow: WorkflowConfig{
			ResumeWindow:     24 * time.Hour,
			TriggerRetries:   3,
			TriggerRetryWait: 50 * time.Millisecond,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Triggers: map[string]string{
				"region_arrival": "arrival_greeting",
			},
		},
		Actions: ActionsConfig{
			InvokeTimeout:  15 * time.Second,
			WebhookTimeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !c.Identity.Disabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
		if c.Identity.JWKSURL == "" && c.Identity.HMACSecretEnv == "" {
			errs = append(errs, "identity.jwks_url or identity.hmac_secret_env is required")
		}
	}
	if c.Regions.SourceURL == "" && c.Regions.StaticFile == "" {
		errs = append(errs, "regions.source_url or regions.static_file is required")
	}
	if c.Regions.RefreshInterval <= 0 {
		errs = append(errs, "regions.refresh_interval must be positive")
	}
	if c.Arrival.Debounce < 0 {
		errs = append(errs, "arrival.debounce must not be negative")
	}
	if c.Workflow.ResumeWindow <= 0 {
		errs = append(errs, "workflow.resume_window must be positive")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Redis.Enabled && c.Redis.AddrEnv == "" {
		errs = append(errs, "redis.addr_env is required when redis is enabled")
	}
	switch c.Observability.Tracing.Exporter {
	case "", "otlp", "stdout":
	default:
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q is not supported", c.Observability.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WAYPOINT_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WAYPOINT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WAYPOINT_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("WAYPOINT_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("WAYPOINT_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("WAYPOINT_REGIONS_SOURCE_URL"); v != "" {
		cfg.Regions.SourceURL = v
	}
	if v := os.Getenv("WAYPOINT_WORKFLOW_RESUME_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workflow.ResumeWindow = d
		}
	}
	if v := os.Getenv("WAYPOINT_ARRIVAL_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Arrival.Debounce = d
		}
	}
	if v := os.Getenv("WAYPOINT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
