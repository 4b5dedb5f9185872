// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:9000"
  ws_path: "/stream"

database:
  path: "./test.db"
  retention: "720h"

connections:
  max_connections: 10
  websocket_timeout: "60s"
  heartbeat_interval: "15s"
  allowed_origins:
    - "localhost:*"

agent:
  provider: "scripted"
  max_iterations: 4
  temperature: 0.2

search:
  max_results: 3
  rate_limit_delay: "2s"

validation:
  blocked_terms: ["warez"]

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9000")
	}
	if cfg.Server.WSPath != "/stream" {
		t.Errorf("Server.WSPath = %q, want %q", cfg.Server.WSPath, "/stream")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Database.Retention != 720*time.Hour {
		t.Errorf("Database.Retention = %v, want %v", cfg.Database.Retention, 720*time.Hour)
	}
	if cfg.Connections.MaxConnections != 10 {
		t.Errorf("Connections.MaxConnections = %d, want 10", cfg.Connections.MaxConnections)
	}
	if cfg.Connections.Timeout != 60*time.Second {
		t.Errorf("Connections.Timeout = %v, want 60s", cfg.Connections.Timeout)
	}
	if cfg.Connections.HeartbeatInterval != 15*time.Second {
		t.Errorf("Connections.HeartbeatInterval = %v, want 15s", cfg.Connections.HeartbeatInterval)
	}
	if len(cfg.Connections.AllowedOrigins) != 1 || cfg.Connections.AllowedOrigins[0] != "localhost:*" {
		t.Errorf("Connections.AllowedOrigins = %v, want [localhost:*]", cfg.Connections.AllowedOrigins)
	}
	if cfg.Agent.Provider != ProviderScripted {
		t.Errorf("Agent.Provider = %q, want %q", cfg.Agent.Provider, ProviderScripted)
	}
	if cfg.Agent.MaxIterations != 4 {
		t.Errorf("Agent.MaxIterations = %d, want 4", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Temperature != 0.2 {
		t.Errorf("Agent.Temperature = %v, want 0.2", cfg.Agent.Temperature)
	}
	if cfg.Search.MaxResults != 3 {
		t.Errorf("Search.MaxResults = %d, want 3", cfg.Search.MaxResults)
	}
	if cfg.Search.RateLimitDelay != 2*time.Second {
		t.Errorf("Search.RateLimitDelay = %v, want 2s", cfg.Search.RateLimitDelay)
	}
	if len(cfg.Validation.BlockedTerms) != 1 || cfg.Validation.BlockedTerms[0] != "warez" {
		t.Errorf("Validation.BlockedTerms = %v, want [warez]", cfg.Validation.BlockedTerms)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
agent:
  provider: "scripted"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Server.HTTPAddr", cfg.Server.HTTPAddr, "0.0.0.0:8000"},
		{"Server.WSPath", cfg.Server.WSPath, "/ws"},
		{"Connections.MaxConnections", cfg.Connections.MaxConnections, 100},
		{"Connections.Timeout", cfg.Connections.Timeout, 300 * time.Second},
		{"Connections.HeartbeatInterval", cfg.Connections.HeartbeatInterval, 30 * time.Second},
		{"Agent.Model", cfg.Agent.Model, "gemini-2.0-flash-exp"},
		{"Agent.Temperature", cfg.Agent.Temperature, float32(0.7)},
		{"Agent.MaxIterations", cfg.Agent.MaxIterations, 10},
		{"Agent.RunTimeout", cfg.Agent.RunTimeout, 5 * time.Minute},
		{"Search.MaxResults", cfg.Search.MaxResults, 5},
		{"Search.MaxAttempts", cfg.Search.MaxAttempts, 3},
		{"Search.RateLimitDelay", cfg.Search.RateLimitDelay, time.Second},
		{"Search.Timeout", cfg.Search.Timeout, 30 * time.Second},
		{"Search.BackoffMin", cfg.Search.BackoffMin, 4 * time.Second},
		{"Search.BackoffMax", cfg.Search.BackoffMax, 10 * time.Second},
		{"Validation.MinLength", cfg.Validation.MinLength, 3},
		{"Validation.MaxLength", cfg.Validation.MaxLength, 1000},
		{"Logging.Level", cfg.Logging.Level, "info"},
		{"Logging.Format", cfg.Logging.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(cfg.Validation.BlockedTerms) != 4 {
		t.Errorf("Validation.BlockedTerms = %v, want 4 default terms", cfg.Validation.BlockedTerms)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:8100"

[connections]
max_connections = 7
heartbeat_interval = "5s"

[agent]
provider = "scripted"
token_delay = "10ms"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8100" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8100")
	}
	if cfg.Connections.MaxConnections != 7 {
		t.Errorf("Connections.MaxConnections = %d, want 7", cfg.Connections.MaxConnections)
	}
	if cfg.Connections.HeartbeatInterval != 5*time.Second {
		t.Errorf("Connections.HeartbeatInterval = %v, want 5s", cfg.Connections.HeartbeatInterval)
	}
	if cfg.Agent.TokenDelay != 10*time.Millisecond {
		t.Errorf("Agent.TokenDelay = %v, want 10ms", cfg.Agent.TokenDelay)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RIG_ADDR", "127.0.0.1:7000")
	t.Setenv("TEST_RIG_SECRET", strings.Repeat("s", 32))

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "${TEST_RIG_ADDR}"
auth:
  jwt_secret: "${TEST_RIG_SECRET}"
  required: true
agent:
  provider: "scripted"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:7000")
	}
	if cfg.Auth.JWTSecret != strings.Repeat("s", 32) {
		t.Errorf("Auth.JWTSecret = %q, want expanded secret", cfg.Auth.JWTSecret)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RIG_DB_PATH", "/tmp/override.db")
	t.Setenv("GOOGLE_API_KEY", "from-env")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./file.db"
agent:
  provider: "gemini"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/override.db")
	}
	if cfg.Agent.APIKey != "from-env" {
		t.Errorf("Agent.APIKey = %q, want %q", cfg.Agent.APIKey, "from-env")
	}
}

func TestLoad_GeminiRequiresAPIKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")

	configPath := writeConfig(t, "config.yaml", `
agent:
  provider: "gemini"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error = %v, want mention of api_key", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: [unclosed
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{
			name:    "invalid websocket timeout",
			content: "connections:\n  websocket_timeout: \"forever\"\n",
			field:   "connections.websocket_timeout",
		},
		{
			name:    "invalid rate limit delay",
			content: "search:\n  rate_limit_delay: \"1 second\"\n",
			field:   "search.rate_limit_delay",
		},
		{
			name:    "negative run timeout",
			content: "agent:\n  run_timeout: \"-5s\"\n",
			field:   "agent.run_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error = %v, want mention of %s", err, tt.field)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults with scripted provider",
			mutate: func(c *Config) {},
		},
		{
			name:    "heartbeat not shorter than timeout",
			mutate:  func(c *Config) { c.Connections.HeartbeatInterval = c.Connections.Timeout },
			wantErr: "heartbeat_interval",
		},
		{
			name:    "auth required without secret",
			mutate:  func(c *Config) { c.Auth.Required = true },
			wantErr: "jwt_secret",
		},
		{
			name:    "short secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErr: "32 bytes",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Agent.Provider = "openai" },
			wantErr: "agent.provider",
		},
		{
			name:    "ws path without slash",
			mutate:  func(c *Config) { c.Server.WSPath = "ws" },
			wantErr: "ws_path",
		},
		{
			name:    "min length above max",
			mutate:  func(c *Config) { c.Validation.MinLength = 2000 },
			wantErr: "min_length",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Tailscale.Enabled = true
			},
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Agent.Provider = ProviderScripted
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_ONE", "value1")
	t.Setenv("TEST_VAR_TWO", "value2")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no vars", "plain text", "plain text"},
		{"single var", "prefix ${TEST_VAR_ONE} suffix", "prefix value1 suffix"},
		{"multiple vars", "${TEST_VAR_ONE} and ${TEST_VAR_TWO}", "value1 and value2"},
		{"unset var", "before ${TEST_VAR_UNSET_XYZ} after", "before  after"},
		{"dollar without braces", "$TEST_VAR_ONE", "$TEST_VAR_ONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolvePath_EnvWins(t *testing.T) {
	t.Setenv("RIG_CONFIG", "/etc/rig/gateway.yaml")
	if got := ResolvePath(); got != "/etc/rig/gateway.yaml" {
		t.Errorf("ResolvePath() = %q, want %q", got, "/etc/rig/gateway.yaml")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("RIG_DB_PATH", "/tmp/rig-test.db")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Agent.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want %q", cfg.Agent.APIKey, "test-key")
	}
	if cfg.Database.Path != "/tmp/rig-test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/rig-test.db")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8000" {
		t.Errorf("HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
}

func TestFromEnv_MissingAPIKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("FromEnv() should fail without an API key for the gemini provider")
	}
}
