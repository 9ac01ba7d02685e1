// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Index     IndexConfig     `mapstructure:"index"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior. An empty APIKey disables
// authentication.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// CrawlerConfig governs default crawl session behavior.
type CrawlerConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	CrawlDepth         int    `mapstructure:"crawl_depth"`
	MaxPages           int    `mapstructure:"max_pages"`
	ConcurrentRequests int    `mapstructure:"concurrent_requests"`
	RequestDelayMs     int    `mapstructure:"request_delay_ms"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	MaxRetries         int    `mapstructure:"max_retries"`
	RespectRobots      bool   `mapstructure:"respect_robots"`
	RobotsTimeoutSec   int    `mapstructure:"robots_timeout_seconds"`
}

// DedupConfig tunes the duplicate-detection tiers.
type DedupConfig struct {
	SimHashThreshold    int  `mapstructure:"simhash_threshold"`
	ImageDedupEnabled   bool `mapstructure:"image_dedup_enabled"`
	PHashThreshold      int  `mapstructure:"phash_threshold"`
	ImageTimeoutSeconds int  `mapstructure:"image_timeout_seconds"`
	ImageMaxBytes       int  `mapstructure:"image_max_bytes"`
}

// HeadlessConfig configures the JS rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// StorageConfig selects the raw-HTML blob backend.
type StorageConfig struct {
	// Backend is one of "gcs", "local", "memory", or "none".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// IndexConfig controls access to the search-index database.
type IndexConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// PublisherConfig holds metadata for accepted-page notifications.
type PublisherConfig struct {
	// Backend is "pubsub", "memory", or "none".
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.user_agent", "searchstack-crawler/1.0")
	v.SetDefault("crawler.crawl_depth", 2)
	v.SetDefault("crawler.max_pages", 500)
	v.SetDefault("crawler.concurrent_requests", 4)
	v.SetDefault("crawler.request_delay_ms", 500)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_timeout_seconds", 10)
	v.SetDefault("dedup.simhash_threshold", 3)
	v.SetDefault("dedup.image_dedup_enabled", false)
	v.SetDefault("dedup.phash_threshold", 8)
	v.SetDefault("dedup.image_timeout_seconds", 10)
	v.SetDefault("dedup.image_max_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("index.backend", "memory")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.ConcurrentRequests <= 0 {
		return fmt.Errorf("crawler.concurrent_requests must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "", "memory", "none":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Index.Backend == "postgres" && c.Index.DSN == "" {
		return fmt.Errorf("index.dsn must be set for the postgres backend")
	}
	if c.Publisher.Backend == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set for the pubsub backend")
	}
	return nil
}

// RequestDelay returns the configured delay between requests.
func (c CrawlerConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelayMs) * time.Millisecond
}

// Timeout returns the configured per-fetch timeout.
func (c CrawlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RobotsTimeout returns the robots.txt fetch timeout.
func (c CrawlerConfig) RobotsTimeout() time.Duration {
	return time.Duration(c.RobotsTimeoutSec) * time.Second
}

// NavTimeout returns the headless navigation timeout.
func (c HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// ImageTimeout returns the image download timeout.
func (c DedupConfig) ImageTimeout() time.Duration {
	return time.Duration(c.ImageTimeoutSeconds) * time.Second
}
