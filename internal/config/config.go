// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.knowla/config.yaml or ./config.yaml)
//  3. Default values
//
// Error handling uses sentinel errors so callers can check categories with
// errors.Is(). Sensitive values (the Postgres password) are never logged.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidBatchSize indicates the flush batch size is out of range.
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrInvalidInterval indicates a background interval is out of range.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidConcurrency indicates a worker ceiling is out of range.
	ErrInvalidConcurrency = errors.New("invalid concurrency")

	// ErrInvalidCacheConfig indicates the embedding cache settings are invalid.
	ErrInvalidCacheConfig = errors.New("invalid cache configuration")
)

// DefaultEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 supports truncation to 768 dimensions via
// OutputDimensionality; the pgvector schema uses 768.
const DefaultEmbedderModel = "gemini-embedding-001"

// Config stores application configuration.
type Config struct {
	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Embedding provider
	EmbedderModel   string        `mapstructure:"embedder_model"`
	ArbiterModel    string        `mapstructure:"arbiter_model"` // empty disables the LLM contradiction check
	EmbedTimeout    time.Duration `mapstructure:"embed_timeout"`
	EmbedRateLimit  float64       `mapstructure:"embed_rate_limit"` // provider calls per second
	EmbedRateBurst  int           `mapstructure:"embed_rate_burst"`
	EmbedMaxRetries int           `mapstructure:"embed_max_retries"`

	// Embedding cache
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheCapacity int64         `mapstructure:"cache_capacity"`

	// Conversation ingestion
	FlushBatchSize   int           `mapstructure:"flush_batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	EmbedConcurrency int           `mapstructure:"embed_concurrency"`

	// Background reconciliation of rows whose embedding failed at flush time
	ReprocessInterval  time.Duration `mapstructure:"reprocess_interval"`
	ReprocessBatchSize int           `mapstructure:"reprocess_batch_size"`

	// Learning-queue drain
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DrainLimit    int           `mapstructure:"drain_limit"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the listener.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".knowla")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("arbiter_model", "")
	v.SetDefault("embed_timeout", 10*time.Second)
	v.SetDefault("embed_rate_limit", 10.0)
	v.SetDefault("embed_rate_burst", 20)
	v.SetDefault("embed_max_retries", 3)

	v.SetDefault("cache_ttl", time.Hour)
	v.SetDefault("cache_capacity", 10_000)

	v.SetDefault("flush_batch_size", 10)
	v.SetDefault("flush_interval", 30*time.Second)
	v.SetDefault("embed_concurrency", 4)

	v.SetDefault("reprocess_interval", 5*time.Minute)
	v.SetDefault("reprocess_batch_size", 25)

	v.SetDefault("drain_interval", time.Minute)
	v.SetDefault("drain_limit", 50)

	v.SetDefault("metrics_addr", "localhost:9090")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "knowla")
	v.SetDefault("postgres_password", "knowla_dev_password")
	v.SetDefault("postgres_db_name", "knowla")
	v.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment variables explicitly.
// KNOWLA_* variables override file values; secrets are env-only.
func bindEnvVariables(v *viper.Viper) {
	v.SetEnvPrefix("KNOWLA")
	v.AutomaticEnv()

	// Secrets are read from the environment only, never from the file.
	_ = v.BindEnv("postgres_password", "KNOWLA_POSTGRES_PASSWORD", "POSTGRES_PASSWORD")
}
