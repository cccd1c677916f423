// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fetcher kinds.
const (
	FetcherRelay = "relay"
	FetcherHTTP  = "http"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	DB       DBConfig       `mapstructure:"db"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
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
	Development bool `mapstructure:"development"`
}

// FetcherConfig picks how pages are loaded.
type FetcherConfig struct {
	Kind           string `mapstructure:"kind"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	// RateLimitRPS spaces fetches per host; zero disables limiting.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// RelayConfig points the relay fetcher at a relay agent.
type RelayConfig struct {
	Host           string `mapstructure:"host"`
	RelayID        string `mapstructure:"relay_id"`
	Presign        bool   `mapstructure:"presign"`
	PresignID      string `mapstructure:"presign_id"`
	ClearCookies   bool   `mapstructure:"clear_cookies"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AgentConfig configures the browser-side relay agent.
type AgentConfig struct {
	Port                  int    `mapstructure:"port"`
	MaxParallel           int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds     int    `mapstructure:"nav_timeout_seconds"`
	CommandTimeoutSeconds int    `mapstructure:"command_timeout_seconds"`
	UserAgent             string `mapstructure:"user_agent"`
	Headless              bool   `mapstructure:"headless"`
	UserDataDir           string `mapstructure:"user_data_dir"`
}

// CrawlerConfig governs link discovery.
type CrawlerConfig struct {
	DenyDomains  []string `mapstructure:"deny_domains"`
	AllowDomains []string `mapstructure:"allow_domains"`
}

// StorageConfig sets where blobs go and how presigned uploads are minted.
type StorageConfig struct {
	Backend              string `mapstructure:"backend"`
	GCSBucket            string `mapstructure:"gcs_bucket"`
	Prefix               string `mapstructure:"prefix"`
	LocalDir             string `mapstructure:"local_dir"`
	PresignExpirySeconds int    `mapstructure:"presign_expiry_seconds"`
}

// PubSubConfig holds the topic items are exported to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// OpenAIConfig configures the extractor.
type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PipelineConfig holds default run options, overridden per workflow.
type PipelineConfig struct {
	Limit           int  `mapstructure:"limit"`
	Concurrency     int  `mapstructure:"concurrency"`
	PublishAllSteps bool `mapstructure:"publish_all_steps"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("fetcher.kind", FetcherHTTP)
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.user_agent", "relay-scraper/0.1")
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.rate_limit_rps", 0)
	v.SetDefault("fetcher.rate_limit_burst", 1)
	v.SetDefault("relay.host", "")
	v.SetDefault("relay.relay_id", "")
	v.SetDefault("relay.presign", false)
	v.SetDefault("relay.presign_id", "")
	v.SetDefault("relay.clear_cookies", false)
	v.SetDefault("relay.timeout_seconds", 60)
	v.SetDefault("agent.port", 8090)
	v.SetDefault("agent.max_parallel", 4)
	v.SetDefault("agent.nav_timeout_seconds", 45)
	v.SetDefault("agent.command_timeout_seconds", 55)
	v.SetDefault("agent.headless", true)
	v.SetDefault("crawler.deny_domains", []string{})
	v.SetDefault("crawler.allow_domains", []string{})
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "relay-scraper")
	v.SetDefault("storage.presign_expiry_seconds", 900)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "scraped_items")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout_seconds", 120)
	v.SetDefault("pipeline.concurrency", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Fetcher.Kind {
	case FetcherHTTP:
	case FetcherRelay:
		if c.Relay.Host == "" || c.Relay.RelayID == "" {
			return errors.New("relay.host and relay.relay_id are required for the relay fetcher")
		}
		if c.Relay.TimeoutSeconds <= 0 {
			return errors.New("relay.timeout_seconds must be > 0")
		}
	default:
		return fmt.Errorf("fetcher.kind must be %q or %q, got %q", FetcherRelay, FetcherHTTP, c.Fetcher.Kind)
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return errors.New("fetcher.timeout_seconds must be > 0")
	}
	if c.Fetcher.RateLimitRPS < 0 {
		return errors.New("fetcher.rate_limit_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Relay.Presign && c.Storage.Backend != StorageGCS {
		return fmt.Errorf("relay.presign needs storage.backend %q", StorageGCS)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Agent.MaxParallel <= 0 {
		return errors.New("agent.max_parallel must be > 0")
	}
	if c.Pipeline.Concurrency < 0 || c.Pipeline.Limit < 0 {
		return errors.New("pipeline.limit and pipeline.concurrency must be >= 0")
	}
	return nil
}

// FetchTimeout bounds a single plain HTTP fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// RelayTimeout is how long the relay fetcher waits for an agent reply.
func (c Config) RelayTimeout() time.Duration {
	return time.Duration(c.Relay.TimeoutSeconds) * time.Second
}

// PresignExpiry is how long a presigned upload URL stays valid.
func (c Config) PresignExpiry() time.Duration {
	return time.Duration(c.Storage.PresignExpirySeconds) * time.Second
}
