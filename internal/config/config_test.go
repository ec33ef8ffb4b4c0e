package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  timeout_seconds: 45
auth:
  enabled: true
  api_key: secret
logging:
  development: false
bus:
  backend: redis
  publish_timeout_seconds: 10
  redis:
    addr: redis.internal:6379
    db: 2
store:
  backend: postgres
  dsn: postgres://user:pass@db/taprogress
  max_conns: 16
archive:
  backend: local
  base_dir: /var/lib/taprogress/archive
progress:
  weighting: phase
  phase_weights:
    analyst: 4
    research: 3
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
	if cfg.Bus.Backend != "redis" || cfg.Bus.Redis.Addr != "redis.internal:6379" || cfg.Bus.Redis.DB != 2 {
		t.Fatalf("expected redis bus overrides to apply: %+v", cfg.Bus)
	}
	if cfg.Store.Backend != "postgres" || cfg.Store.MaxConns != 16 {
		t.Fatalf("expected store overrides to apply: %+v", cfg.Store)
	}
	if cfg.Archive.Backend != "local" || cfg.Archive.BaseDir != "/var/lib/taprogress/archive" {
		t.Fatalf("expected archive overrides to apply: %+v", cfg.Archive)
	}
	if cfg.Progress.Weighting != "phase" || cfg.Progress.PhaseWeights["analyst"] != 4 {
		t.Fatalf("expected progress overrides to apply: %+v", cfg.Progress)
	}
	if got := cfg.PublishTimeout(); got != 10*time.Second {
		t.Fatalf("expected publish timeout 10s, got %v", got)
	}
	if got := cfg.ServerTimeout(); got != 45*time.Second {
		t.Fatalf("expected server timeout 45s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Bus.Backend != "memory" || cfg.Store.Backend != "memory" || cfg.Archive.Backend != "memory" {
		t.Fatalf("expected memory defaults, got bus=%q store=%q archive=%q",
			cfg.Bus.Backend, cfg.Store.Backend, cfg.Archive.Backend)
	}
	if cfg.Progress.Weighting != "equal" {
		t.Fatalf("expected equal weighting default, got %q", cfg.Progress.Weighting)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080, TimeoutSeconds: 30},
		Bus:      BusConfig{Backend: "memory"},
		Store:    StoreConfig{Backend: "memory"},
		Archive:  ArchiveConfig{Backend: "memory"},
		Progress: ProgressConfig{Weighting: "equal"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Server.TimeoutSeconds = 0
				return c
			}(),
			want: "server.timeout_seconds",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "unknown bus backend",
			cfg: func() Config {
				c := base
				c.Bus.Backend = "kafka"
				return c
			}(),
			want: "bus.backend",
		},
		{
			name: "redis missing addr",
			cfg: func() Config {
				c := base
				c.Bus.Backend = "redis"
				return c
			}(),
			want: "bus.redis.addr",
		},
		{
			name: "pubsub missing settings",
			cfg: func() Config {
				c := base
				c.Bus.Backend = "pubsub"
				return c
			}(),
			want: "bus.pubsub",
		},
		{
			name: "postgres missing dsn",
			cfg: func() Config {
				c := base
				c.Store.Backend = "postgres"
				return c
			}(),
			want: "store.dsn",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Archive.Backend = "gcs"
				return c
			}(),
			want: "archive.bucket",
		},
		{
			name: "unknown weighting",
			cfg: func() Config {
				c := base
				c.Progress.Weighting = "random"
				return c
			}(),
			want: "progress.weighting",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
