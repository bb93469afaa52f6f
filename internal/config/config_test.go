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
site:
  base_url: https://catalog.example.com/
  delay_between_requests: 1.5
  request_timeout_seconds: 45
  user_agent: real-agent
  host_rate_limits:
    - host: CDN.Catalog.example.com
      rps: 0.5
tags:
  links_selector: a.product
  file_link_selector: a.download
crawl:
  archive_limit: 0
database:
  provider: postgres
  postgres:
    host: db
    port: 5433
    database: catalog
    username: crawler
    password: s3cret
  mongodb:
    host: mongo
    database: files
    collection: fs
blacklist:
  codes: ["12345"]
  file_extensions: ["EXE", ".zip", " "]
gui:
  refresh_interval: 2
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
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
	if got := cfg.Site.HostRPS()["cdn.catalog.example.com"]; got != 0.5 {
		t.Fatalf("HostRPS()[cdn] = %v, want 0.5", got)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if got := cfg.Site.Delay(); got != 1500*time.Millisecond {
		t.Fatalf("expected delay 1.5s, got %v", got)
	}
	if got := cfg.Site.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %v", got)
	}
	if cfg.Tags.BodySelector != "body" {
		t.Fatalf("expected default body selector, got %q", cfg.Tags.BodySelector)
	}
	if cfg.Crawl.ArchiveLimit != 0 {
		t.Fatalf("expected archive limit override to 0, got %d", cfg.Crawl.ArchiveLimit)
	}
	if len(cfg.Blacklist.Codes) != 1 || cfg.Blacklist.Codes[0] != "12345" {
		t.Fatalf("unexpected blacklist codes: %v", cfg.Blacklist.Codes)
	}
	if strings.Join(cfg.Blacklist.FileExtensions, ",") != ".exe,.zip" {
		t.Fatalf("expected normalized extensions, got %v", cfg.Blacklist.FileExtensions)
	}
	if got := cfg.GUI.RefreshEvery(); got != 2*time.Second {
		t.Fatalf("expected refresh 2s, got %v", got)
	}
	if got := cfg.Database.Postgres.ConnString(); got != "postgres://crawler:s3cret@db:5433/catalog?sslmode=disable" {
		t.Fatalf("unexpected postgres conn string %q", got)
	}
	if got := cfg.Database.MongoDB.ConnString(); got != "mongodb://mongo:27017" {
		t.Fatalf("unexpected mongo conn string %q", got)
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("CATALOG_SITE_BASE_URL", "https://env.example.com")
	t.Setenv("CATALOG_DATABASE_PROVIDER", "memory")
	t.Setenv("CATALOG_STORAGE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Site.BaseURL != "https://env.example.com" {
		t.Fatalf("expected env base url, got %q", cfg.Site.BaseURL)
	}
	if cfg.Crawl.ArchiveLimit != 5 {
		t.Fatalf("expected default archive limit 5, got %d", cfg.Crawl.ArchiveLimit)
	}
	if cfg.Site.Delay() != time.Second {
		t.Fatalf("expected default delay 1s, got %v", cfg.Site.Delay())
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Site:     SiteConfig{BaseURL: "https://example.com", RequestTimeoutSec: 10},
		Tags:     TagsConfig{LinksSelector: "a"},
		Database: DatabaseConfig{Provider: "memory"},
		Storage:  StorageConfig{Backend: "memory"},
		Server:   ServerConfig{Port: 8080},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing base url",
			cfg: func() Config {
				c := base
				c.Site.BaseURL = ""
				return c
			}(),
			want: "site.base_url",
		},
		{
			name: "relative base url",
			cfg: func() Config {
				c := base
				c.Site.BaseURL = "/catalog"
				return c
			}(),
			want: "absolute URL",
		},
		{
			name: "negative delay",
			cfg: func() Config {
				c := base
				c.Site.DelayBetweenRequests = -1
				return c
			}(),
			want: "site.delay_between_requests",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Site.RequestTimeoutSec = 0
				return c
			}(),
			want: "site.request_timeout_seconds",
		},
		{
			name: "negative archive limit",
			cfg: func() Config {
				c := base
				c.Crawl.ArchiveLimit = -1
				return c
			}(),
			want: "crawl.archive_limit",
		},
		{
			name: "unknown provider",
			cfg: func() Config {
				c := base
				c.Database.Provider = "sqlite"
				return c
			}(),
			want: "database.provider",
		},
		{
			name: "postgres without database",
			cfg: func() Config {
				c := base
				c.Database.Provider = "postgres"
				return c
			}(),
			want: "database.postgres",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs.bucket",
		},
		{
			name: "s3 without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "s3"
				return c
			}(),
			want: "storage.s3.bucket",
		},
		{
			name: "gridfs without collection",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gridfs"
				return c
			}(),
			want: "gridfs",
		},
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
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
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
