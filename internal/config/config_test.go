package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "waypoint-devices" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Database.MaxConns != 10 {
		t.Errorf("Database.MaxConns = %d, want 10", cfg.Database.MaxConns)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Channel != "arrivals" {
		t.Errorf("Redis = %+v, want enabled on arrivals", cfg.Redis)
	}
	if cfg.Regions.RefreshInterval != 5*time.Minute {
		t.Errorf("Regions.RefreshInterval = %v, want 5m", cfg.Regions.RefreshInterval)
	}
	if cfg.Regions.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("Regions.CircuitBreaker.FailureThreshold = %d, want 3", cfg.Regions.CircuitBreaker.FailureThreshold)
	}
	if cfg.Regions.CircuitBreaker.Timeout != 30*time.Second {
		t.Errorf("Regions.CircuitBreaker.Timeout = %v, want default 30s", cfg.Regions.CircuitBreaker.Timeout)
	}
	if cfg.Arrival.Debounce != 45*time.Second {
		t.Errorf("Arrival.Debounce = %v, want 45s", cfg.Arrival.Debounce)
	}
	if cfg.Workflow.ResumeWindow != 12*time.Hour {
		t.Errorf("Workflow.ResumeWindow = %v, want 12h", cfg.Workflow.ResumeWindow)
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v, want 2 entries", cfg.Definitions.Directories)
	}
	if cfg.Definitions.Triggers["anchor_arrival"] != "anchor_checkin" {
		t.Errorf("Triggers[anchor_arrival] = %q, want anchor_checkin", cfg.Definitions.Triggers["anchor_arrival"])
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer") {
		t.Errorf("error = %v, want identity.issuer mentioned", err)
	}
}

func TestLoad_identityDisabled(t *testing.T) {
	cfg, err := Load("testdata/static_no_auth.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Identity.Disabled {
		t.Error("Identity.Disabled = false, want true")
	}
	if cfg.Regions.StaticFile != "./regions.json" {
		t.Errorf("Regions.StaticFile = %q", cfg.Regions.StaticFile)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Workflow.ResumeWindow != 24*time.Hour {
		t.Errorf("default Workflow.ResumeWindow = %v, want 24h", cfg.Workflow.ResumeWindow)
	}
	if cfg.Arrival.Debounce != 30*time.Second {
		t.Errorf("default Arrival.Debounce = %v, want 30s", cfg.Arrival.Debounce)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WAYPOINT_SERVER_PORT", "3000")
	t.Setenv("WAYPOINT_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("WAYPOINT_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("WAYPOINT_WORKFLOW_RESUME_WINDOW", "2h")
	t.Setenv("WAYPOINT_ARRIVAL_DEBOUNCE", "not-a-duration")
	t.Setenv("WAYPOINT_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Workflow.ResumeWindow != 2*time.Hour {
		t.Errorf("Workflow.ResumeWindow = %v, want 2h (env override)", cfg.Workflow.ResumeWindow)
	}
	if cfg.Arrival.Debounce != 45*time.Second {
		t.Errorf("Arrival.Debounce = %v, want file value when env is unparsable", cfg.Arrival.Debounce)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Identity.Issuer = "https://auth.example.com"
		cfg.Identity.Audience = "waypoint"
		cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
		cfg.Regions.SourceURL = "https://regions.internal"
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() on valid config = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no key source", func(c *Config) { c.Identity.JWKSURL = "" }, "identity.jwks_url"},
		{"no region source", func(c *Config) { c.Regions.SourceURL = "" }, "regions.source_url"},
		{"zero refresh", func(c *Config) { c.Regions.RefreshInterval = 0 }, "regions.refresh_interval"},
		{"negative debounce", func(c *Config) { c.Arrival.Debounce = -time.Second }, "arrival.debounce"},
		{"zero window", func(c *Config) { c.Workflow.ResumeWindow = 0 }, "workflow.resume_window"},
		{"no definitions", func(c *Config) { c.Definitions.Directories = nil }, "definitions.directories"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.AddrEnv = "" }, "redis.addr_env"},
		{"bad exporter", func(c *Config) { c.Observability.Tracing.Exporter = "zipkin" }, "exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should return error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_hmacSecretAccepted(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "waypoint"
	cfg.Identity.Audience = "devices"
	cfg.Identity.HMACSecretEnv = "TEST_WAYPOINT_SECRET"
	cfg.Regions.StaticFile = "regions.json"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	t.Setenv("TEST_WAYPOINT_SECRET", "s3cret")
	if got := cfg.Identity.HMACSecret(); got != "s3cret" {
		t.Errorf("HMACSecret() = %q, want s3cret", got)
	}
}

func TestDatabase_DSN(t *testing.T) {
	t.Setenv("TEST_WAYPOINT_DSN", "postgres://localhost/waypoint")
	c := DatabaseConfig{DSNEnv: "TEST_WAYPOINT_DSN"}
	if c.DSN() != "postgres://localhost/waypoint" {
		t.Errorf("DSN() = %q", c.DSN())
	}
	if (DatabaseConfig{}).DSN() != "" {
		t.Error("DSN() without env name should be empty")
	}
}
