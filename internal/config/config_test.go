package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Crawler.Workers)
	}
	if cfg.RateLimit.PerHostPermits != 2 {
		t.Fatalf("expected 2 host permits, got %d", cfg.RateLimit.PerHostPermits)
	}
	if cfg.Dates.CutoffDays != 7 || cfg.FutureTolerance() != 24*time.Hour {
		t.Fatalf("unexpected date defaults: %+v", cfg.Dates)
	}
	if cfg.Dedup.MatchThreshold != 1 || cfg.Dedup.TTL() != 30*24*time.Hour {
		t.Fatalf("unexpected dedup defaults: %+v", cfg.Dedup)
	}
	if cfg.Quality.SpamRejectHits != 3 {
		t.Fatalf("expected 3 spam reject hits, got %d", cfg.Quality.SpamRejectHits)
	}
	if cfg.IncrementalThreshold() != 12*time.Hour {
		t.Fatalf("expected 12h incremental threshold, got %v", cfg.IncrementalThreshold())
	}
	if cfg.Engines.Headless.Timeout() <= cfg.Engines.HTTP.Timeout() {
		t.Fatalf("headless timeout should exceed the http timeout")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  workers: 6
  user_agent: real-agent
  ignore_robots: true
engines:
  http:
    timeout_seconds: 45
    max_attempts: 4
  headless:
    enabled: true
    max_parallel: 2
    chrome_path: /usr/bin/chromium
ratelimit:
  per_host_permits: 3
  per_host_qps: 1.5
dedup:
  match_threshold: 2
quality:
  spam_terms: ["casino", "viagra"]
  spam_reject_hits: 1
store:
  driver: sqlite
  sqlite_path: /tmp/state.db
notify:
  backend: nats
  nats_url: nats://localhost:4222
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.Workers != 6 || !cfg.Crawler.IgnoreRobots {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Engines.HTTP.Timeout() != 45*time.Second || cfg.Engines.HTTP.MaxAttempts != 4 {
		t.Fatalf("expected http engine overrides: %+v", cfg.Engines.HTTP)
	}
	if cfg.Engines.Headless.MaxParallel != 2 || cfg.Engines.Headless.ChromePath != "/usr/bin/chromium" {
		t.Fatalf("expected headless overrides: %+v", cfg.Engines.Headless)
	}
	if cfg.Engines.Headless.TimeoutSeconds != 45 {
		t.Fatalf("expected squashed headless default timeout, got %d", cfg.Engines.Headless.TimeoutSeconds)
	}
	if cfg.RateLimit.PerHostPermits != 3 || cfg.RateLimit.PerHostQPS != 1.5 {
		t.Fatalf("expected rate limit overrides: %+v", cfg.RateLimit)
	}
	if cfg.Dedup.MatchThreshold != 2 {
		t.Fatalf("expected match threshold 2, got %d", cfg.Dedup.MatchThreshold)
	}
	if len(cfg.Quality.SpamTerms) != 2 {
		t.Fatalf("expected spam terms to load: %v", cfg.Quality.SpamTerms)
	}
	if cfg.Quality.SpamRejectHits != 1 {
		t.Fatalf("expected spam reject hits 1, got %d", cfg.Quality.SpamRejectHits)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Notify.Backend != "nats" {
		t.Fatalf("expected backend overrides: store=%s notify=%s", cfg.Store.Driver, cfg.Notify.Backend)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"no engines", func(c *Config) {
			c.Engines.HTTP.Enabled = false
			c.Engines.Colly.Enabled = false
			c.Engines.Headless.Enabled = false
		}, "at least one engine"},
		{"invalid http timeout", func(c *Config) { c.Engines.HTTP.TimeoutSeconds = 0 }, "engines.http.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) { c.Engines.Headless.MaxParallel = 0 }, "engines.headless.max_parallel"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"permits", func(c *Config) { c.RateLimit.PerHostPermits = 0 }, "ratelimit.per_host_permits"},
		{"cutoff", func(c *Config) { c.Dates.CutoffDays = 0 }, "dates.cutoff_days"},
		{"bad location", func(c *Config) { c.Dates.Location = "Mars/Olympus" }, "dates.location"},
		{"threshold", func(c *Config) { c.Dedup.MatchThreshold = 4 }, "dedup.match_threshold"},
		{"spam reject hits", func(c *Config) { c.Quality.SpamRejectHits = 0 }, "quality.spam_reject_hits"},
		{"store driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"qdrant addr", func(c *Config) { c.Index.Backend = "qdrant" }, "index.qdrant_addr"},
		{"pubsub project", func(c *Config) { c.Notify.Backend = "pubsub" }, "notify.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
