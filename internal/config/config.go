// ABOUTME: Configuration loading and parsing for rig-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete rig-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Connections ConnectionsConfig `yaml:"connections" toml:"connections"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Agent       AgentConfig       `yaml:"agent" toml:"agent"`
	Search      SearchConfig      `yaml:"search" toml:"search"`
	Validation  ValidationConfig  `yaml:"validation" toml:"validation"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	WSPath   string `yaml:"ws_path" toml:"ws_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve TLS on :443 with Tailscale-issued certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration. An empty path keeps sessions
// in memory only.
type DatabaseConfig struct {
	Path      string        `yaml:"path" toml:"path"`
	Retention time.Duration `yaml:"-" toml:"-"`

	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs handshake tokens. Empty disables token auth.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// Required rejects WebSocket upgrades that carry no valid token.
	Required bool          `yaml:"required" toml:"required"`
	TokenTTL time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// ConnectionsConfig bounds live WebSocket connections.
type ConnectionsConfig struct {
	MaxConnections int      `yaml:"max_connections" toml:"max_connections"`
	QueueSize      int      `yaml:"queue_size" toml:"queue_size"`           // outbound messages buffered per connection
	PendingQueries int      `yaml:"pending_queries" toml:"pending_queries"` // queries queued behind the running one
	ReadLimit      int64    `yaml:"read_limit" toml:"read_limit"`           // max inbound frame size in bytes
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	Timeout           time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw           string `yaml:"websocket_timeout" toml:"websocket_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// SessionsConfig controls in-memory session lifetime.
type SessionsConfig struct {
	MaxTurns         int           `yaml:"max_turns" toml:"max_turns"`
	TTL              time.Duration `yaml:"-" toml:"-"`
	EvictionInterval time.Duration `yaml:"-" toml:"-"`

	TTLRaw              string `yaml:"ttl" toml:"ttl"`
	EvictionIntervalRaw string `yaml:"eviction_interval" toml:"eviction_interval"`
}

// Model providers.
const (
	ProviderGemini   = "gemini"
	ProviderScripted = "scripted"
)

// AgentConfig configures the planner and its model.
type AgentConfig struct {
	Provider      string        `yaml:"provider" toml:"provider"`
	Model         string        `yaml:"model" toml:"model"`
	APIKey        string        `yaml:"api_key" toml:"api_key"`
	Temperature   float32       `yaml:"temperature" toml:"temperature"`
	MaxIterations int           `yaml:"max_iterations" toml:"max_iterations"`
	RunTimeout    time.Duration `yaml:"-" toml:"-"`
	TokenDelay    time.Duration `yaml:"-" toml:"-"` // scripted provider only
	RenderHTML    bool          `yaml:"render_html" toml:"render_html"`

	RunTimeoutRaw string `yaml:"run_timeout" toml:"run_timeout"`
	TokenDelayRaw string `yaml:"token_delay" toml:"token_delay"`
}

// SearchConfig configures the search tool.
type SearchConfig struct {
	Region      string `yaml:"region" toml:"region"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	MaxResults  int    `yaml:"max_results" toml:"max_results"`
	MaxAttempts int    `yaml:"max_attempts" toml:"max_attempts"`
	CacheSize   int    `yaml:"cache_size" toml:"cache_size"`

	RateLimitDelay time.Duration `yaml:"-" toml:"-"`
	Timeout        time.Duration `yaml:"-" toml:"-"`
	BackoffMin     time.Duration `yaml:"-" toml:"-"`
	BackoffMax     time.Duration `yaml:"-" toml:"-"`
	CacheTTL       time.Duration `yaml:"-" toml:"-"`

	RateLimitDelayRaw string `yaml:"rate_limit_delay" toml:"rate_limit_delay"`
	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	BackoffMinRaw     string `yaml:"backoff_min" toml:"backoff_min"`
	BackoffMaxRaw     string `yaml:"backoff_max" toml:"backoff_max"`
	CacheTTLRaw       string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// ValidationConfig holds inbound query limits.
type ValidationConfig struct {
	MinLength    int      `yaml:"min_length" toml:"min_length"`
	MaxLength    int      `yaml:"max_length" toml:"max_length"`
	BlockedTerms []string `yaml:"blocked_terms" toml:"blocked_terms"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML; anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// FromEnv builds a configuration from defaults and environment overrides
// alone, for running without a config file.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ResolvePath picks the config file to load: RIG_CONFIG, then ./config.yaml,
// then ~/.config/rig/gateway.yaml. Returns "" when none exists.
func ResolvePath() string {
	if p := os.Getenv("RIG_CONFIG"); p != "" {
		return p
	}
	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "rig", "gateway.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployments override a few values without editing the file.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("RIG_DB_PATH"); p != "" {
		c.Database.Path = p
	}
	if c.Agent.APIKey == "" {
		c.Agent.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "0.0.0.0:8000"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	cc := &c.Connections
	if cc.MaxConnections == 0 {
		cc.MaxConnections = 100
	}
	if cc.QueueSize == 0 {
		cc.QueueSize = 256
	}
	if cc.PendingQueries == 0 {
		cc.PendingQueries = 4
	}
	if cc.ReadLimit == 0 {
		cc.ReadLimit = 64 * 1024
	}
	if cc.Timeout == 0 {
		cc.Timeout = 300 * time.Second
	}
	if cc.HeartbeatInterval == 0 {
		cc.HeartbeatInterval = 30 * time.Second
	}
	if cc.WriteTimeout == 0 {
		cc.WriteTimeout = 10 * time.Second
	}

	sc := &c.Sessions
	if sc.TTL == 0 {
		sc.TTL = time.Hour
	}
	if sc.EvictionInterval == 0 {
		sc.EvictionInterval = time.Minute
	}
	if sc.MaxTurns == 0 {
		sc.MaxTurns = 50
	}

	ac := &c.Agent
	if ac.Provider == "" {
		ac.Provider = ProviderGemini
	}
	if ac.Model == "" {
		ac.Model = "gemini-2.0-flash-exp"
	}
	if ac.Temperature == 0 {
		ac.Temperature = 0.7
	}
	if ac.MaxIterations == 0 {
		ac.MaxIterations = 10
	}
	if ac.RunTimeout == 0 {
		ac.RunTimeout = 5 * time.Minute
	}

	s := &c.Search
	if s.Region == "" {
		s.Region = "us-en"
	}
	if s.MaxResults == 0 {
		s.MaxResults = 5
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	if s.RateLimitDelay == 0 {
		s.RateLimitDelay = time.Second
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.BackoffMin == 0 {
		s.BackoffMin = 4 * time.Second
	}
	if s.BackoffMax == 0 {
		s.BackoffMax = 10 * time.Second
	}
	if s.CacheTTL == 0 {
		s.CacheTTL = 10 * time.Minute
	}
	if s.CacheSize == 0 {
		s.CacheSize = 256
	}

	v := &c.Validation
	if v.MinLength == 0 {
		v.MinLength = 3
	}
	if v.MaxLength == 0 {
		v.MaxLength = 1000
	}
	if v.BlockedTerms == nil {
		v.BlockedTerms = []string{"hack", "crack", "piracy", "illegal"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/', got %q", c.Server.WSPath)
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth.required is set")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Connections.MaxConnections < 0 {
		return errors.New("connections.max_connections must not be negative")
	}
	if c.Connections.HeartbeatInterval >= c.Connections.Timeout {
		return fmt.Errorf("connections.heartbeat_interval (%s) must be shorter than connections.websocket_timeout (%s)",
			c.Connections.HeartbeatInterval, c.Connections.Timeout)
	}
	if c.Agent.MaxIterations < 1 {
		return errors.New("agent.max_iterations must be at least 1")
	}
	switch c.Agent.Provider {
	case ProviderGemini:
		if c.Agent.APIKey == "" {
			return errors.New("agent.api_key (or GOOGLE_API_KEY) is required for the gemini provider")
		}
	case ProviderScripted:
	default:
		return fmt.Errorf("agent.provider must be %q or %q, got %q", ProviderGemini, ProviderScripted, c.Agent.Provider)
	}
	if c.Validation.MinLength > c.Validation.MaxLength {
		return errors.New("validation.min_length must not exceed validation.max_length")
	}
	if c.Search.BackoffMin > c.Search.BackoffMax {
		return errors.New("search.backoff_min must not exceed search.backoff_max")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"connections.websocket_timeout", cfg.Connections.TimeoutRaw, &cfg.Connections.Timeout},
		{"connections.heartbeat_interval", cfg.Connections.HeartbeatIntervalRaw, &cfg.Connections.HeartbeatInterval},
		{"connections.write_timeout", cfg.Connections.WriteTimeoutRaw, &cfg.Connections.WriteTimeout},
		{"sessions.ttl", cfg.Sessions.TTLRaw, &cfg.Sessions.TTL},
		{"sessions.eviction_interval", cfg.Sessions.EvictionIntervalRaw, &cfg.Sessions.EvictionInterval},
		{"agent.run_timeout", cfg.Agent.RunTimeoutRaw, &cfg.Agent.RunTimeout},
		{"agent.token_delay", cfg.Agent.TokenDelayRaw, &cfg.Agent.TokenDelay},
		{"search.rate_limit_delay", cfg.Search.RateLimitDelayRaw, &cfg.Search.RateLimitDelay},
		{"search.timeout", cfg.Search.TimeoutRaw, &cfg.Search.Timeout},
		{"search.backoff_min", cfg.Search.BackoffMinRaw, &cfg.Search.BackoffMin},
		{"search.backoff_max", cfg.Search.BackoffMaxRaw, &cfg.Search.BackoffMax},
		{"search.cache_ttl", cfg.Search.CacheTTLRaw, &cfg.Search.CacheTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
