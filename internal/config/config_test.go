package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a temp file with the given name and returns its path.
func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalTOML = `
[upstream]
base_url = "https://api.example.com"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base_url = "https://api.example.com"
timeout_seconds = 60
idle_connections = 50
allowed_hosts = ["api.example.com"]

[pipeline]
timeout = 2.5
retries = 5
initial_backoff_ms = 250
backoff_multiplier = 1.5
retry_statuses = [502, 503]
log_requests = true

[pipeline.auth]
type = "api_key"
credential = "secret"
header = "X-Service-Key"

[pipeline.rate_limit]
capacity = 20
rate = 5
blocking = true

[pipeline.cache]
enabled = true
ttl_seconds = 60
vary_headers = ["Authorization", "Accept-Language"]

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if len(cfg.Upstream.AllowedHosts) != 1 || cfg.Upstream.AllowedHosts[0] != "api.example.com" {
		t.Errorf("Upstream.AllowedHosts = %v", cfg.Upstream.AllowedHosts)
	}

	p := cfg.Pipeline
	if got := p.PipelineTimeout(); got != 2500*time.Millisecond {
		t.Errorf("PipelineTimeout() = %s, want 2.5s", got)
	}
	if p.MaxRetries() != 5 {
		t.Errorf("MaxRetries() = %d, want 5", p.MaxRetries())
	}
	if p.InitialBackoffMS != 250 || p.BackoffMultiplier != 1.5 {
		t.Errorf("backoff = %dms x%v, want 250ms x1.5", p.InitialBackoffMS, p.BackoffMultiplier)
	}
	if len(p.RetryStatuses) != 2 {
		t.Errorf("RetryStatuses = %v, want [502 503]", p.RetryStatuses)
	}
	if p.Auth == nil || p.Auth.Type != "api_key" || p.Auth.Header != "X-Service-Key" {
		t.Errorf("Auth = %+v", p.Auth)
	}
	if p.RateLimit == nil || p.RateLimit.BucketCapacity() != 20 || p.RateLimit.RefillRate() != 5 || !p.RateLimit.Blocking {
		t.Errorf("RateLimit = %+v", p.RateLimit)
	}
	if !p.Cache.Enabled || p.Cache.TTL() != time.Minute || len(p.Cache.VaryHeaders) != 2 {
		t.Errorf("Cache = %+v", p.Cache)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "config.toml", minimalTOML)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("default Log = %+v, want info/json", cfg.Log)
	}

	p := cfg.Pipeline
	if got := p.PipelineTimeout(); got != 30*time.Second {
		t.Errorf("default PipelineTimeout() = %s, want 30s", got)
	}
	if p.MaxRetries() != 3 {
		t.Errorf("default MaxRetries() = %d, want 3", p.MaxRetries())
	}
	if p.InitialBackoffMS != 100 || p.BackoffMultiplier != 2 {
		t.Errorf("default backoff = %dms x%v, want 100ms x2", p.InitialBackoffMS, p.BackoffMultiplier)
	}
	if p.RetryProtocolErrors == nil || !*p.RetryProtocolErrors {
		t.Error("RetryProtocolErrors should default to true")
	}
	if p.Auth != nil || p.RateLimit != nil || p.Cache.Enabled {
		t.Errorf("optional stages should be off by default: auth=%v ratelimit=%v cache=%v", p.Auth, p.RateLimit, p.Cache.Enabled)
	}
	if cfg.Tracing.ServiceName != "outbound-relay" || cfg.Tracing.SampleRatio != 1 {
		t.Errorf("default Tracing = %+v", cfg.Tracing)
	}
}

func TestLoad_ZeroRetriesKept(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "config.toml", minimalTOML+`
[pipeline]
retries = 0
`)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.MaxRetries() != 0 {
		t.Errorf("MaxRetries() = %d, want explicit 0", cfg.Pipeline.MaxRetries())
	}
}

func TestLoad_PipelineStageDefaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "config.toml", minimalTOML+`
[pipeline.auth]
type = "api_key"
credential = "k"

[pipeline.rate_limit]
blocking = false

[pipeline.cache]
enabled = true
`)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p := cfg.Pipeline
	if p.Auth.Header != "X-API-Key" {
		t.Errorf("Auth.Header = %q, want X-API-Key", p.Auth.Header)
	}
	if p.RateLimit == nil || p.RateLimit.Capacity == nil || *p.RateLimit.Capacity != 10 || p.RateLimit.Rate == nil || *p.RateLimit.Rate != 1 {
		t.Errorf("RateLimit = %+v, want capacity 10 rate 1", p.RateLimit)
	}
	if p.Cache.TTLSeconds == nil || *p.Cache.TTLSeconds != 300 {
		t.Errorf("Cache.TTLSeconds = %v, want 300", p.Cache.TTLSeconds)
	}
	if p.Cache.PurgeSchedule != "@every 5m" {
		t.Errorf("Cache.PurgeSchedule = %q, want @every 5m", p.Cache.PurgeSchedule)
	}
}

func TestLoad_CacheTTL(t *testing.T) {
	tests := []struct {
		name        string
		cache       string
		wantEnabled bool
		wantTTL     time.Duration
		wantSweep   string
	}{
		{"enabled without ttl", "enabled = true", true, 300 * time.Second, "@every 5m"},
		{"ttl implies enabled", "ttl_seconds = 45", true, 45 * time.Second, "@every 5m"},
		{"zero ttl disables", "enabled = true\nttl_seconds = 0", false, 0, ""},
		{"absent table", "", false, 300 * time.Second, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, "config.toml", minimalTOML+"\n[pipeline.cache]\n"+tt.cache+"\n")))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			c := cfg.Pipeline.Cache
			if c.Enabled != tt.wantEnabled {
				t.Errorf("Cache.Enabled = %v, want %v", c.Enabled, tt.wantEnabled)
			}
			if c.TTL() != tt.wantTTL {
				t.Errorf("Cache.TTL() = %s, want %s", c.TTL(), tt.wantTTL)
			}
			if c.PurgeSchedule != tt.wantSweep {
				t.Errorf("Cache.PurgeSchedule = %q, want %q", c.PurgeSchedule, tt.wantSweep)
			}
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
upstream:
  base_url: https://api.example.com
pipeline:
  timeout: 5
  retries: 1
  auth:
    type: bearer
    credential: tok
  cache: true
log:
  level: warn
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p := cfg.Pipeline
	if p.PipelineTimeout() != 5*time.Second {
		t.Errorf("PipelineTimeout() = %s, want 5s", p.PipelineTimeout())
	}
	if p.MaxRetries() != 1 {
		t.Errorf("MaxRetries() = %d, want 1", p.MaxRetries())
	}
	if p.Auth == nil || p.Auth.Credential != "tok" {
		t.Errorf("Auth = %+v", p.Auth)
	}
	if !p.Cache.Enabled || p.Cache.TTL() != 300*time.Second {
		t.Errorf("Cache = %+v, want shorthand enabled with ttl 300", p.Cache)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_YAMLCacheMapping(t *testing.T) {
	path := writeConfig(t, "config.yml", `
upstream:
  base_url: https://api.example.com
pipeline:
  cache:
    ttl_seconds: 15
`)
	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Pipeline.Cache.Enabled || cfg.Pipeline.Cache.TTL() != 15*time.Second {
		t.Errorf("Cache = %+v, want enabled ttl 15", cfg.Pipeline.Cache)
	}
}

func TestLoad_YAMLCacheInvalid(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
upstream:
  base_url: https://api.example.com
pipeline:
  cache: sometimes
`)
	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error for non-boolean cache scalar, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "https://api.example.com"

[pipeline.auth]
type = "bearer"
credential = "from-file"

[log]
level = "info"
`)

	cli := &CLI{
		Config:     path,
		Host:       "127.0.0.1",
		Port:       3000,
		Upstream:   "https://other.example.com",
		Credential: "from-cli",
		LogLevel:   "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "https://other.example.com" {
		t.Errorf("Upstream.BaseURL = %q (CLI override)", cfg.Upstream.BaseURL)
	}
	if cfg.Pipeline.Auth.Credential != "from-cli" {
		t.Errorf("Auth.Credential = %q, want from-cli (CLI override)", cfg.Pipeline.Auth.Credential)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_UpstreamScheme(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"https", minimalTOML, false},
		{"http rejected", "[upstream]\nbase_url = \"http://api.example.com\"\n", true},
		{"http allowed", "[upstream]\nbase_url = \"http://api.example.com\"\nallow_insecure = true\n", false},
		{"missing", "[server]\nport = 80\n", true},
		{"no host", "[upstream]\nbase_url = \"https://\"\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, "config.toml", tt.data)))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantMsg string
	}{
		{"log level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"negative body", "[server]\nbody_max_bytes = -1\n", "body_max_bytes"},
		{"inbound rate", "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n", "requests_per_second"},
		{"negative timeout", "[pipeline]\ntimeout = -1.0\n", "pipeline.timeout"},
		{"negative retries", "[pipeline]\nretries = -1\n", "pipeline.retries"},
		{"multiplier", "[pipeline]\nbackoff_multiplier = 1.0\n", "backoff_multiplier"},
		{"auth type", "[pipeline.auth]\ntype = \"digest\"\ncredential = \"x\"\n", "pipeline.auth.type"},
		{"auth credential", "[pipeline.auth]\ntype = \"bearer\"\n", "pipeline.auth.credential"},
		{"negative capacity", "[pipeline.rate_limit]\ncapacity = -2\n", "pipeline.rate_limit.capacity"},
		{"zero capacity", "[pipeline.rate_limit]\ncapacity = 0\n", "pipeline.rate_limit.capacity"},
		{"zero rate", "[pipeline.rate_limit]\nrate = 0.0\n", "pipeline.rate_limit.rate"},
		{"negative rate", "[pipeline.rate_limit]\ncapacity = 5\nrate = -1.0\n", "pipeline.rate_limit.rate"},
		{"cache ttl", "[pipeline.cache]\nttl_seconds = -1\n", "ttl_seconds"},
		{"purge schedule", "[pipeline.cache]\nenabled = true\npurge_schedule = \"sometimes\"\n", "purge_schedule"},
		{"sample ratio", "[tracing]\nsample_ratio = 2.0\n", "sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, "config.toml", minimalTOML+tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want mention of %s", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name     string
		metrics  string
		wantPath string
		wantErr  string
	}{
		{"default", "enabled = true", "/metrics", ""},
		{"custom", "enabled = true\npath = \"/custom-metrics\"", "/custom-metrics", ""},
		{"no leading slash", "enabled = true\npath = \"metrics\"", "", "metrics.path"},
		{"api conflict", "enabled = true\npath = \"/api/metrics\"", "", "conflicts"},
		{"healthz conflict", "enabled = true\npath = \"/healthz\"", "", "conflicts"},
		{"relay conflict", "enabled = true\npath = \"/relay/status\"", "", "conflicts"},
		{"disabled skips validation", "enabled = false\npath = \"bad-no-slash\"", "bad-no-slash", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, "config.toml", minimalTOML+"\n[metrics]\n"+tt.metrics+"\n")))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Metrics.Path != tt.wantPath {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.wantPath)
			}
		})
	}
}

func TestWarnPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	tests := []struct {
		name     string
		mode     os.FileMode
		wantWarn bool
	}{
		{"loose", 0o644, true},
		{"strict", 0o600, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte("# test"), tt.mode); err != nil {
				t.Fatal(err)
			}

			cfg := &Config{filePath: path}
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
			cfg.WarnPermissions(logger)

			if got := strings.Contains(buf.String(), "readable by group/others"); got != tt.wantWarn {
				t.Errorf("warning logged = %v, want %v (output %q)", got, tt.wantWarn, buf.String())
			}
		})
	}
}

func TestFindConfigInPaths(t *testing.T) {
	path1 := writeConfig(t, "config.toml", minimalTOML)
	path2 := writeConfig(t, "config.toml", minimalTOML)

	if got := findConfigInPaths([]string{path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path2)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
