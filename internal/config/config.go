// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Site      SiteConfig      `mapstructure:"site"`
	Tags      TagsConfig      `mapstructure:"tags"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Blacklist BlacklistConfig `mapstructure:"blacklist"`
	GUI       GUIConfig       `mapstructure:"gui"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// SiteConfig describes the catalog site and the fetch discipline used against it.
type SiteConfig struct {
	BaseURL              string  `mapstructure:"base_url"`
	DelayBetweenRequests float64 `mapstructure:"delay_between_requests"`
	RequestTimeoutSec    int     `mapstructure:"request_timeout_seconds"`
	UserAgent            string  `mapstructure:"user_agent"`
	MaxBodyBytes         int     `mapstructure:"max_body_bytes"`
	MaxRequestsPerSecond float64 `mapstructure:"max_requests_per_second"`
	// HostRateLimits overrides MaxRequestsPerSecond per hostname. A list keeps
	// dotted hostnames out of viper's key paths.
	HostRateLimits []HostRateLimit `mapstructure:"host_rate_limits"`
}

// HostRateLimit caps requests to one host.
type HostRateLimit struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRPS flattens HostRateLimits into a hostname keyed map.
func (s SiteConfig) HostRPS() map[string]float64 {
	if len(s.HostRateLimits) == 0 {
		return nil
	}
	out := make(map[string]float64, len(s.HostRateLimits))
	for _, h := range s.HostRateLimits {
		out[strings.ToLower(h.Host)] = h.RPS
	}
	return out
}

// TagsConfig holds the CSS selectors used by the extractor.
type TagsConfig struct {
	LinksSelector    string `mapstructure:"links_selector"`
	FileLinkSelector string `mapstructure:"file_link_selector"`
	BodySelector     string `mapstructure:"body_selector"`
}

// CrawlConfig governs the orchestrator.
type CrawlConfig struct {
	// ArchiveLimit stops a run once this many RawContent rows exist. Zero disables it.
	ArchiveLimit   int64  `mapstructure:"archive_limit"`
	ProductPattern string `mapstructure:"product_pattern"`
}

// DatabaseConfig selects the relational store and carries the MongoDB object-store connection.
type DatabaseConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MongoDB  MongoDBConfig  `mapstructure:"mongodb"`
}

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// MongoDBConfig locates the GridFS bucket.
type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	S3      S3Config    `mapstructure:"s3"`
	Local   LocalConfig `mapstructure:"local"`
}

// GCSConfig names the Cloud Storage bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// LocalConfig points at a directory for file payloads.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlacklistConfig lists excluded codes and file extensions.
type BlacklistConfig struct {
	Codes          []string `mapstructure:"codes"`
	FileExtensions []string `mapstructure:"file_extensions"`
}

// GUIConfig controls the status monitor.
type GUIConfig struct {
	RefreshInterval int `mapstructure:"refresh_interval"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	LogEnabled bool        `mapstructure:"log_enabled"`
	BufferSize int         `mapstructure:"buffer_size"`
	Batch      BatchConfig `mapstructure:"batch"`
}

// BatchConfig tunes progress batching.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// NotifyConfig configures archive notifications.
type NotifyConfig struct {
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Blacklist.FileExtensions = normalizeExtensions(cfg.Blacklist.FileExtensions)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register keys so AutomaticEnv can override them during Unmarshal.
	for _, key := range []string{
		"site.base_url",
		"database.postgres.dsn",
		"database.postgres.database",
		"database.postgres.username",
		"database.postgres.password",
		"database.mongodb.uri",
		"storage.gcs.bucket",
		"storage.s3.bucket",
		"storage.s3.region",
		"storage.s3.endpoint",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"auth.api_key",
		"logging.file",
		"notify.pubsub.project_id",
		"notify.pubsub.topic",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("site.delay_between_requests", 1.0)
	v.SetDefault("site.request_timeout_seconds", 30)
	v.SetDefault("site.user_agent", "catalog-crawler/1.0")
	v.SetDefault("site.max_body_bytes", 50*1024*1024)
	v.SetDefault("site.max_requests_per_second", 0)
	v.SetDefault("tags.links_selector", "a")
	v.SetDefault("tags.file_link_selector", `a[href$=".pdf"], img`)
	v.SetDefault("tags.body_selector", "body")
	v.SetDefault("crawl.archive_limit", 5)
	v.SetDefault("crawl.product_pattern", `/product/(\d+)/`)
	v.SetDefault("database.provider", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 4)
	v.SetDefault("database.postgres.auto_migrate", true)
	v.SetDefault("database.mongodb.host", "localhost")
	v.SetDefault("database.mongodb.port", 27017)
	v.SetDefault("database.mongodb.database", "catalog")
	v.SetDefault("database.mongodb.collection", "files")
	v.SetDefault("storage.backend", "gridfs")
	v.SetDefault("storage.local.base_dir", "data/files")
	v.SetDefault("blacklist.codes", []string{})
	v.SetDefault("blacklist.file_extensions", []string{})
	v.SetDefault("gui.refresh_interval", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Site.BaseURL) == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if u, err := url.Parse(c.Site.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL")
	}
	if c.Site.DelayBetweenRequests < 0 {
		return fmt.Errorf("site.delay_between_requests must be >= 0")
	}
	if c.Site.RequestTimeoutSec <= 0 {
		return fmt.Errorf("site.request_timeout_seconds must be > 0")
	}
	if c.Tags.LinksSelector == "" {
		return fmt.Errorf("tags.links_selector is required")
	}
	if c.Crawl.ArchiveLimit < 0 {
		return fmt.Errorf("crawl.archive_limit must be >= 0")
	}
	switch c.Database.Provider {
	case "postgres":
		if c.Database.Postgres.DSN == "" && c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database or database.postgres.dsn is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.provider %q is not supported", c.Database.Provider)
	}
	if err := c.Storage.validate(c.Database.MongoDB); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func (s StorageConfig) validate(mongo MongoDBConfig) error {
	switch s.Backend {
	case "gridfs":
		if mongo.Database == "" || mongo.Collection == "" {
			return fmt.Errorf("database.mongodb.database and database.mongodb.collection are required for gridfs")
		}
	case "gcs":
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for gcs")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for s3")
		}
	case "local":
		if s.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for local")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
	return nil
}

// Delay converts the configured politeness delay into a duration.
func (s SiteConfig) Delay() time.Duration {
	return time.Duration(s.DelayBetweenRequests * float64(time.Second))
}

// RequestTimeout converts the per-request bound into a duration.
func (s SiteConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// RefreshEvery converts the monitor interval into a duration.
func (g GUIConfig) RefreshEvery() time.Duration {
	return time.Duration(g.RefreshInterval) * time.Second
}

// ConnString returns the DSN, building one from the discrete fields when none is set.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(p.SSLMode)
	}
	return u.String()
}

// ConnString returns the MongoDB URI, building one from host and port when none is set.
func (m MongoDBConfig) ConnString() string {
	if m.URI != "" {
		return m.URI
	}
	return fmt.Sprintf("mongodb://%s", net.JoinHostPort(m.Host, strconv.Itoa(m.Port)))
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
