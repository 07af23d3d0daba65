package distributed

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds configuration for the Redis backend.
type Config struct {
	// Redis client for coordination
	Redis redis.UniversalClient

	// KeyPrefix namespaces every bucket key, as KeyPrefix:key.
	KeyPrefix string

	// RedisTimeout is the timeout for Redis operations. Zero leaves the
	// caller's deadline in charge.
	RedisTimeout time.Duration
}

// DefaultConfig returns a default Redis backend configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "bucketflow",
		RedisTimeout: 500 * time.Millisecond,
	}
}

// validateConfig validates the backend configuration.
func validateConfig(config Config) error {
	if config.Redis == nil {
		return &ConfigError{"redis client is required"}
	}
	if config.RedisTimeout < 0 {
		return &ConfigError{"redis timeout must not be negative"}
	}
	return nil
}

// applyConfigDefaults sets default values for unspecified config fields.
func applyConfigDefaults(config Config) Config {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "bucketflow"
	}
	return config
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "redis backend config error: " + e.Message
}

// RedisError represents a Redis operation error.
type RedisError struct {
	Operation string
	Err       error
}

func (e *RedisError) Error() string {
	return "redis error in " + e.Operation + ": " + e.Err.Error()
}

func (e *RedisError) Unwrap() error {
	return e.Err
}
