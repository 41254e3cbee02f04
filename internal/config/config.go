// Package config handles TOML and YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// PurgeOff disables the scheduled cache sweep.
const PurgeOff = "off"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/outbound-relay/config.toml",
	"configs/config.toml",
}

// CLI holds global command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream   string `kong:"help='Upstream base URL (overrides config).',env='UPSTREAM_URL'"`
	Credential string `kong:"help='Credential for the pipeline auth stage (overrides config).',env='RELAY_CREDENTIAL'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Pipeline PipelineConfig `toml:"pipeline" yaml:"pipeline"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing" yaml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP inbound request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string   `toml:"base_url" yaml:"base_url"`
	AllowInsecure   bool     `toml:"allow_insecure" yaml:"allow_insecure"`
	TimeoutSeconds  int      `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections" yaml:"idle_connections"`
	AllowedHosts    []string `toml:"allowed_hosts" yaml:"allowed_hosts"`
}

// PipelineConfig describes the outbound middleware chain.
type PipelineConfig struct {
	// Timeout is the default per-call timeout in seconds.
	Timeout float64 `toml:"timeout" yaml:"timeout"`

	// Retries is the maximum retry count. Unset means 3; 0 disables retries.
	Retries           *int    `toml:"retries" yaml:"retries"`
	InitialBackoffMS  int     `toml:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoffMS      int     `toml:"max_backoff_ms" yaml:"max_backoff_ms"`
	RetryStatuses     []int   `toml:"retry_statuses" yaml:"retry_statuses"`

	// RetryProtocolErrors controls whether malformed exchanges are retried. Unset means true.
	RetryProtocolErrors *bool `toml:"retry_protocol_errors" yaml:"retry_protocol_errors"`

	LogRequests bool `toml:"log_requests" yaml:"log_requests"`

	Auth      *AuthConfig        `toml:"auth" yaml:"auth"`
	RateLimit *TokenBucketConfig `toml:"rate_limit" yaml:"rate_limit"`
	Cache     CacheConfig        `toml:"cache" yaml:"cache"`
}

// AuthConfig selects the credential injected on outgoing requests.
type AuthConfig struct {
	Type       string `toml:"type" yaml:"type"` // bearer | api_key
	Credential string `toml:"credential" yaml:"credential"`
	Header     string `toml:"header" yaml:"header"`
}

// Token bucket defaults applied when a key is absent.
const (
	DefaultBucketCapacity = 10
	DefaultRefillRate     = 1.0
	DefaultCacheTTL       = 300
)

// TokenBucketConfig configures the outbound rate limiter. Its presence enables it.
// Capacity and Rate are pointers so an explicit 0 is rejected instead of
// being mistaken for an absent key.
type TokenBucketConfig struct {
	Capacity *int     `toml:"capacity" yaml:"capacity"`
	Rate     *float64 `toml:"rate" yaml:"rate"`
	Blocking bool     `toml:"blocking" yaml:"blocking"`
}

// BucketCapacity returns the configured capacity, or the default when unset.
func (t *TokenBucketConfig) BucketCapacity() int {
	if t.Capacity == nil {
		return DefaultBucketCapacity
	}
	return *t.Capacity
}

// RefillRate returns the configured tokens per second, or the default when unset.
func (t *TokenBucketConfig) RefillRate() float64 {
	if t.Rate == nil {
		return DefaultRefillRate
	}
	return *t.Rate
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// TTLSeconds is the entry lifetime. Unset means 300; an explicit 0
	// disables caching.
	TTLSeconds  *int     `toml:"ttl_seconds" yaml:"ttl_seconds"`
	VaryHeaders []string `toml:"vary_headers" yaml:"vary_headers"`

	// PurgeSchedule is a cron expression for sweeping expired entries;
	// "off" disables the sweep.
	PurgeSchedule string `toml:"purge_schedule" yaml:"purge_schedule"`
}

// UnmarshalYAML accepts either a mapping or the "cache: true" shorthand.
func (c *CacheConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var enabled bool
		if err := node.Decode(&enabled); err != nil {
			return fmt.Errorf("cache: expected bool or mapping: %w", err)
		}
		*c = CacheConfig{Enabled: enabled}
		return nil
	}
	type plain CacheConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = CacheConfig(p)
	if !c.Enabled && ((c.TTLSeconds != nil && *c.TTLSeconds > 0) || len(c.VaryHeaders) > 0) {
		c.Enabled = true
	}
	return nil
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	ServiceName string  `toml:"service_name" yaml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/outbound-relay/config.toml then configs/config.toml. Files ending in
// .yaml or .yml are parsed as YAML, everything else as TOML.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := unmarshal(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.Credential != "" && c.Pipeline.Auth != nil {
		c.Pipeline.Auth.Credential = cli.Credential
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: required and must be HTTPS unless explicitly relaxed.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && c.Upstream.AllowInsecure:
	default:
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := c.Pipeline.validate(); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api", "/healthz", "/relay"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]; got %v", c.Tracing.SampleRatio)
	}

	return nil
}

func (p *PipelineConfig) validate() error {
	if p.Timeout < 0 {
		return fmt.Errorf("pipeline.timeout must be non-negative; got %v", p.Timeout)
	}
	if p.Retries != nil && *p.Retries < 0 {
		return fmt.Errorf("pipeline.retries must be non-negative; got %d", *p.Retries)
	}
	if p.InitialBackoffMS < 0 || p.MaxBackoffMS < 0 {
		return fmt.Errorf("pipeline backoff durations must be non-negative")
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier <= 1 {
		return fmt.Errorf("pipeline.backoff_multiplier must be > 1; got %v", p.BackoffMultiplier)
	}
	if a := p.Auth; a != nil {
		switch strings.ToLower(a.Type) {
		case "bearer", "api_key":
		default:
			return fmt.Errorf("pipeline.auth.type must be one of: bearer, api_key; got %q", a.Type)
		}
		if a.Credential == "" {
			return fmt.Errorf("pipeline.auth.credential is required")
		}
	}
	if rl := p.RateLimit; rl != nil {
		if rl.Capacity != nil && *rl.Capacity <= 0 {
			return fmt.Errorf("pipeline.rate_limit.capacity must be positive; got %d", *rl.Capacity)
		}
		if rl.Rate != nil && *rl.Rate <= 0 {
			return fmt.Errorf("pipeline.rate_limit.rate must be positive; got %v", *rl.Rate)
		}
	}
	if ttl := p.Cache.TTLSeconds; ttl != nil && *ttl < 0 {
		return fmt.Errorf("pipeline.cache.ttl_seconds must be non-negative; got %d", *ttl)
	}
	if sched := p.Cache.PurgeSchedule; sched != "" && sched != PurgeOff {
		if _, err := cron.ParseStandard(sched); err != nil {
			return fmt.Errorf("pipeline.cache.purge_schedule %q: %w", sched, err)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}

	p := &c.Pipeline
	if p.Timeout == 0 {
		p.Timeout = 30
	}
	if p.Retries == nil {
		n := 3
		p.Retries = &n
	}
	if p.InitialBackoffMS == 0 {
		p.InitialBackoffMS = 100
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 2.0
	}
	if p.RetryProtocolErrors == nil {
		v := true
		p.RetryProtocolErrors = &v
	}
	if p.Auth != nil && p.Auth.Header == "" && strings.ToLower(p.Auth.Type) == "api_key" {
		p.Auth.Header = "X-API-Key"
	}
	if rl := p.RateLimit; rl != nil {
		if rl.Capacity == nil {
			n := DefaultBucketCapacity
			rl.Capacity = &n
		}
		if rl.Rate == nil {
			r := DefaultRefillRate
			rl.Rate = &r
		}
	}
	switch ttl := p.Cache.TTLSeconds; {
	case ttl == nil:
		if p.Cache.Enabled {
			n := DefaultCacheTTL
			p.Cache.TTLSeconds = &n
		}
	case *ttl == 0:
		p.Cache.Enabled = false
	default:
		p.Cache.Enabled = true
	}
	if p.Cache.Enabled && p.Cache.PurgeSchedule == "" {
		p.Cache.PurgeSchedule = "@every 5m"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "outbound-relay"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// PipelineTimeout returns the default per-call timeout.
func (p *PipelineConfig) PipelineTimeout() time.Duration {
	return time.Duration(p.Timeout * float64(time.Second))
}

// MaxRetries returns the configured retry count, or 3 when unset.
func (p *PipelineConfig) MaxRetries() int {
	if p.Retries == nil {
		return 3
	}
	return *p.Retries
}

// TTL returns the cache entry lifetime, or the default when unset.
func (c *CacheConfig) TTL() time.Duration {
	if c.TTLSeconds == nil {
		return DefaultCacheTTL * time.Second
	}
	return time.Duration(*c.TTLSeconds) * time.Second
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// Config files may hold upstream credentials.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
