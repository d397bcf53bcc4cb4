package dispatcher

import (
	"batchbridge/internal/config"
	"batchbridge/pkg/backoff"
	"time"
)

// Delivery defaults that rarely need tuning.
const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	deliveryTimeout         = 30 * time.Second
)

// retryBackoff spaces out redelivery attempts to one host.
var retryBackoff = &backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  int           // redelivery attempts after the first (default: 3)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("CALLBACK_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("CALLBACK_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("CALLBACK_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("CALLBACK_MAX_RETRIES", 3),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults. A negative MaxRetries
// disables redelivery.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}
