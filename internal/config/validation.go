package config

import (
	"fmt"
	"os"
	"slices"
)

// validSSLModes are the sslmode values accepted by libpq/pgx.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	if c.EmbedTimeout <= 0 {
		return fmt.Errorf("%w: embed_timeout must be positive, got %v", ErrInvalidInterval, c.EmbedTimeout)
	}
	if c.EmbedRateLimit <= 0 {
		return fmt.Errorf("%w: embed_rate_limit must be positive, got %v", ErrInvalidConcurrency, c.EmbedRateLimit)
	}
	if c.EmbedRateBurst < 1 {
		return fmt.Errorf("%w: embed_rate_burst must be at least 1, got %d", ErrInvalidConcurrency, c.EmbedRateBurst)
	}
	if c.EmbedMaxRetries < 1 || c.EmbedMaxRetries > 10 {
		return fmt.Errorf("%w: embed_max_retries must be between 1 and 10, got %d", ErrInvalidConcurrency, c.EmbedMaxRetries)
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache_ttl must be positive, got %v", ErrInvalidCacheConfig, c.CacheTTL)
	}
	if c.CacheCapacity < 1 {
		return fmt.Errorf("%w: cache_capacity must be at least 1, got %d", ErrInvalidCacheConfig, c.CacheCapacity)
	}

	if c.FlushBatchSize < 1 || c.FlushBatchSize > 1000 {
		return fmt.Errorf("%w: flush_batch_size must be between 1 and 1000, got %d", ErrInvalidBatchSize, c.FlushBatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush_interval must be positive, got %v", ErrInvalidInterval, c.FlushInterval)
	}
	if c.EmbedConcurrency < 1 || c.EmbedConcurrency > 64 {
		return fmt.Errorf("%w: embed_concurrency must be between 1 and 64, got %d", ErrInvalidConcurrency, c.EmbedConcurrency)
	}

	if c.ReprocessInterval <= 0 {
		return fmt.Errorf("%w: reprocess_interval must be positive, got %v", ErrInvalidInterval, c.ReprocessInterval)
	}
	if c.ReprocessBatchSize < 1 || c.ReprocessBatchSize > 1000 {
		return fmt.Errorf("%w: reprocess_batch_size must be between 1 and 1000, got %d", ErrInvalidBatchSize, c.ReprocessBatchSize)
	}

	if c.DrainInterval <= 0 {
		return fmt.Errorf("%w: drain_interval must be positive, got %v", ErrInvalidInterval, c.DrainInterval)
	}
	if c.DrainLimit < 1 || c.DrainLimit > 1000 {
		return fmt.Errorf("%w: drain_limit must be between 1 and 1000, got %d", ErrInvalidBatchSize, c.DrainLimit)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not a valid sslmode", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	return nil
}

// ValidateServe additionally checks what the serve command needs: a live
// embedding provider, which requires an API key in the environment.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}
