// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
// The flat crawl knobs bind to CRAWL_* environment variables; DATABASE_URL
// and STORAGE_BASE_PATH are bound under their conventional absolute names.
type Config struct {
	Mode                 string         `mapstructure:"mode"`
	GlobalConcurrency    int            `mapstructure:"global_concurrency"`
	PerDomainConcurrency int            `mapstructure:"per_domain_concurrency"`
	TimeoutS             int            `mapstructure:"timeout_s"`
	Retries              int            `mapstructure:"retries"`
	PDFMaxSizeMB         int            `mapstructure:"pdf_max_size_mb"`
	PDFToTextBin         string         `mapstructure:"pdftotext_bin"`
	CacheBase            string         `mapstructure:"cache_base"`
	TextCacheBase        string         `mapstructure:"text_cache_base"`
	SSLInsecureAllowlist string         `mapstructure:"ssl_insecure_allowlist"`
	AllowHTTPFallback    bool           `mapstructure:"allow_http_fallback"`
	UserAgent            string         `mapstructure:"user_agent"`
	Workers              int            `mapstructure:"workers"`
	QueueDepth           int            `mapstructure:"queue_depth"`
	BlockedHosts         string         `mapstructure:"blocked_hosts"`
	HostDelaySeconds     map[string]int `mapstructure:"host_delay_seconds"`
	Municipalities       string         `mapstructure:"municipalities"`

	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Headless HeadlessConfig `mapstructure:"headless"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
	Authed  bool   `mapstructure:"auth_enabled"`
	Timeout int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig selects the blob backend for document payloads.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BasePath  string `mapstructure:"base_path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend      string `mapstructure:"backend"`
	Subscription string `mapstructure:"subscription"`
	Topic        string `mapstructure:"topic"`
}

// PubSubConfig holds metadata for procedure-upserted notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// HeadlessConfig configures the browser renderer used for JS-only RIS pages.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Conventional names used by the deployment environment.
	_ = v.BindEnv("db.url", "DATABASE_URL")
	_ = v.BindEnv("storage.base_path", "STORAGE_BASE_PATH")

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(crawler.ModeFast))
	v.SetDefault("global_concurrency", 100)
	v.SetDefault("per_domain_concurrency", 2)
	v.SetDefault("timeout_s", 30)
	v.SetDefault("retries", 3)
	v.SetDefault("pdf_max_size_mb", 25)
	v.SetDefault("pdftotext_bin", "pdftotext")
	v.SetDefault("cache_base", "data/cache")
	v.SetDefault("text_cache_base", "data/cache")
	v.SetDefault("ssl_insecure_allowlist", "ssl.ratsinfo-online.net")
	v.SetDefault("allow_http_fallback", false)
	v.SetDefault("user_agent", "BESS-Forensic-Crawler/1.0 (Research/Transparency)")
	v.SetDefault("workers", 8)
	v.SetDefault("queue_depth", 1024)
	v.SetDefault("blocked_hosts", "")
	v.SetDefault("host_delay_seconds", map[string]int{"geobasis-bb.de": 10})
	v.SetDefault("municipalities", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_path", "data/storage")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "docs")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.subscription", "")
	v.SetDefault("queue.topic", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "bess-procedures")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := crawler.ParseRunMode(c.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	if c.GlobalConcurrency <= 0 {
		return fmt.Errorf("global_concurrency must be > 0")
	}
	if c.PerDomainConcurrency <= 0 {
		return fmt.Errorf("per_domain_concurrency must be > 0")
	}
	if c.TimeoutS <= 0 {
		return fmt.Errorf("timeout_s must be > 0")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be >= 0")
	}
	if c.PDFMaxSizeMB <= 0 {
		return fmt.Errorf("pdf_max_size_mb must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.Authed && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.Queue.Subscription == "" || c.Queue.Topic == "" {
			return fmt.Errorf("queue.backend pubsub requires pubsub.project_id, queue.topic and queue.subscription")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	return nil
}

// RunMode returns the validated run mode.
func (c Config) RunMode() crawler.RunMode {
	mode, err := crawler.ParseRunMode(c.Mode)
	if err != nil {
		return crawler.ModeFast
	}
	return mode
}

// Timeout is the per-request read timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// SSLAllowlist splits the comma-separated insecure-TLS host allowlist.
func (c Config) SSLAllowlist() []string {
	return splitHostList(c.SSLInsecureAllowlist)
}

// BlockedHostList splits the comma-separated host blocklist.
func (c Config) BlockedHostList() []string {
	return splitHostList(c.BlockedHosts)
}

// HostDelay returns the configured minimum delay between requests to a host,
// zero when the host has no override.
func (c Config) HostDelay(host string) time.Duration {
	if secs, ok := c.HostDelaySeconds[strings.ToLower(host)]; ok {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func splitHostList(raw string) []string {
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}
