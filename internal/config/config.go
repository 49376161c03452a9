package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	SparkPost   SparkPostConfig   `yaml:"sparkpost"`
	SES         SESConfig         `yaml:"ses"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for rate limiting and locks
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SparkPostConfig holds SparkPost API configuration
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SparkPostConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds delivery-event webhook ingestion settings
type WebhookConfig struct {
	SigningSecret    string `yaml:"signing_secret"`
	RatePerWindow    int    `yaml:"rate_per_window"`
	WindowSeconds    int    `yaml:"window_seconds"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes"`
	RequireSignature bool   `yaml:"require_signature"`
}

// Window returns the rate limit window as a duration
func (c WebhookConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// TrackingConfig holds open/click/unsubscribe tracking settings
type TrackingConfig struct {
	BaseURL       string `yaml:"base_url"`
	SigningSecret string `yaml:"signing_secret"`
	QueueSize     int    `yaml:"queue_size"`
}

// DispatchConfig holds send loop, retry and rate limit settings
type DispatchConfig struct {
	RatePerWindow       int  `yaml:"rate_per_window"`
	WindowSeconds       int  `yaml:"window_seconds"`
	MaxRetries          int  `yaml:"max_retries"`
	RetryBaseMillis     int  `yaml:"retry_base_millis"`
	RetryJitterMillis   int  `yaml:"retry_jitter_millis"`
	MaxQuotaWaitSeconds int  `yaml:"max_quota_wait_seconds"`
	WaitForQuota        bool `yaml:"wait_for_quota"`
	Workers             int  `yaml:"workers"`
	BatchSize           int  `yaml:"batch_size"`
}

// Window returns the rate limit window as a duration
func (c DispatchConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// RetryBase returns the first retry delay as a duration
func (c DispatchConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMillis) * time.Millisecond
}

// RetryJitter returns the maximum jitter added to each retry delay
func (c DispatchConfig) RetryJitter() time.Duration {
	return time.Duration(c.RetryJitterMillis) * time.Millisecond
}

// MaxQuotaWait returns the longest a send will block waiting for quota
func (c DispatchConfig) MaxQuotaWait() time.Duration {
	return time.Duration(c.MaxQuotaWaitSeconds) * time.Second
}

// SuppressionConfig holds suppression policy thresholds
type SuppressionConfig struct {
	SoftBounceThreshold int `yaml:"soft_bounce_threshold"`
}

// DedupConfig holds webhook event dedup retention settings
type DedupConfig struct {
	RetentionHours     int `yaml:"retention_hours"`
	PruneIntervalHours int `yaml:"prune_interval_hours"`
}

// Retention returns how long dedup records are kept
func (c DedupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// PruneInterval returns how often the pruner runs
func (c DedupConfig) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalHours) * time.Hour
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SparkPost.TimeoutSeconds == 0 {
		cfg.SparkPost.TimeoutSeconds = 30
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Webhook.RatePerWindow == 0 {
		cfg.Webhook.RatePerWindow = 600
	}
	if cfg.Webhook.WindowSeconds == 0 {
		cfg.Webhook.WindowSeconds = 60
	}
	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = 1 << 20
	}
	if cfg.Tracking.QueueSize == 0 {
		cfg.Tracking.QueueSize = 10000
	}
	if cfg.Dispatch.RatePerWindow == 0 {
		cfg.Dispatch.RatePerWindow = 100
	}
	if cfg.Dispatch.WindowSeconds == 0 {
		cfg.Dispatch.WindowSeconds = 60
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 3
	}
	if cfg.Dispatch.RetryBaseMillis == 0 {
		cfg.Dispatch.RetryBaseMillis = 500
	}
	if cfg.Dispatch.RetryJitterMillis == 0 {
		cfg.Dispatch.RetryJitterMillis = 250
	}
	if cfg.Dispatch.MaxQuotaWaitSeconds == 0 {
		cfg.Dispatch.MaxQuotaWaitSeconds = 300
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 5
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 100
	}
	if cfg.Suppression.SoftBounceThreshold == 0 {
		cfg.Suppression.SoftBounceThreshold = 5
	}
	if cfg.Dedup.RetentionHours == 0 {
		cfg.Dedup.RetentionHours = 720
	}
	if cfg.Dedup.PruneIntervalHours == 0 {
		cfg.Dedup.PruneIntervalHours = 6
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		cfg.SparkPost.APIKey = v
	}
	if v := os.Getenv("SPARKPOST_BASE_URL"); v != "" {
		cfg.SparkPost.BaseURL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		cfg.Webhook.SigningSecret = v
	}
	if v := os.Getenv("TRACKING_SIGNING_SECRET"); v != "" {
		cfg.Tracking.SigningSecret = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DISPATCH_RATE_PER_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.RatePerWindow = n
		}
	}

	return cfg, nil
}
