// Package config provides configuration loading from an optional .env file,
// an optional YAML defaults file and environment variables.
package config

import (
	"batchbridge/internal/batch"
	"batchbridge/internal/batchjob"
	"batchbridge/internal/notify"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Batch backends.
const (
	BackendAzure  = "azure"
	BackendDocker = "docker"
)

// BatchConfig locates the batch account.
type BatchConfig struct {
	Backend     string
	AccountURL  string
	AccountName string
	AccountKey  string
}

// ResultsConfig configures the results database.
type ResultsConfig struct {
	Dialect string
	DSN     string
}

// ServiceConfig holds configuration for the bridge service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	Batch    BatchConfig
	Defaults batchjob.Defaults
	Callback notify.Config
	Results  ResultsConfig

	// CompletionTimeout bounds each completion wait; zero waits indefinitely.
	CompletionTimeout time.Duration
}

// fileConfig is the layout of the YAML defaults file.
type fileConfig struct {
	Defaults          batchjob.Defaults `yaml:"defaults"`
	CompletionTimeout string            `yaml:"completionTimeout"`
}

// Load reads a .env file from the working directory if one exists, then the
// YAML file named by BATCH_DEFAULTS_FILE, then environment overrides.
func Load() (*ServiceConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn(".env file could not be loaded", "error", err)
	}

	cfg := &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Batch: BatchConfig{
			Backend:     strings.ToLower(GetEnv("BATCH_BACKEND", BackendAzure)),
			AccountURL:  GetEnv("BATCH_ACCOUNT_URL", ""),
			AccountName: GetEnv("BATCH_ACCOUNT_NAME", ""),
			AccountKey:  GetSecret("BATCH_ACCOUNTKEY", "BATCH_ACCOUNT_KEY_FILE"),
		},
		Callback: notify.Config{
			BaseURL:  GetEnv("CUSTOM_FUNCTION_HOST", ""),
			Hostname: GetEnv("WEBSITE_HOSTNAME", ""),
			Key:      GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),
		},
		Results: ResultsConfig{
			Dialect: GetEnv("RESULTS_DB_DIALECT", "sqlite"),
			DSN:     GetEnv("RESULTS_DB_DSN", "file:results.db"),
		},
	}

	if path := GetEnv("BATCH_DEFAULTS_FILE", ""); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Defaults = fc.Defaults
		if fc.CompletionTimeout != "" {
			d, err := time.ParseDuration(fc.CompletionTimeout)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: completionTimeout: %w", path, err)
			}
			cfg.CompletionTimeout = d
		}
	}

	applyDefaultsEnv(&cfg.Defaults)
	cfg.CompletionTimeout = GetDurationEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading defaults file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing defaults file: %w", err)
	}
	return &fc, nil
}

func applyDefaultsEnv(d *batchjob.Defaults) {
	d.PoolID = GetEnv("BATCH_POOL_ID", d.PoolID)
	d.PoolVMSize = GetEnv("BATCH_POOL_VM_SIZE", d.PoolVMSize)
	d.PoolNodeCount = GetIntEnv("BATCH_POOL_NODE_COUNT", d.PoolNodeCount)
	d.PoolLowPriorityNodeCount = GetIntEnv("BATCH_POOL_LOW_PRIORITY_NODE_COUNT", d.PoolLowPriorityNodeCount)
	d.NodeAgentSKUID = GetEnv("BATCH_NODE_AGENT_SKU_ID", d.NodeAgentSKUID)
	d.ImageReference = batch.ImageReference{
		Publisher: GetEnv("BATCH_IMAGE_PUBLISHER", d.ImageReference.Publisher),
		Offer:     GetEnv("BATCH_IMAGE_OFFER", d.ImageReference.Offer),
		SKU:       GetEnv("BATCH_IMAGE_SKU", d.ImageReference.SKU),
		Version:   GetEnv("BATCH_IMAGE_VERSION", d.ImageReference.Version),
	}
}

func (c *ServiceConfig) validate() error {
	switch c.Batch.Backend {
	case BackendAzure:
		if c.Batch.AccountURL == "" || c.Batch.AccountName == "" || c.Batch.AccountKey == "" {
			return fmt.Errorf("azure backend requires BATCH_ACCOUNT_URL, BATCH_ACCOUNT_NAME and BATCH_ACCOUNTKEY")
		}
	case BackendDocker:
	default:
		return fmt.Errorf("unknown BATCH_BACKEND %q (want %s or %s)", c.Batch.Backend, BackendAzure, BackendDocker)
	}
	if c.Defaults.PoolNodeCount < 0 || c.Defaults.PoolLowPriorityNodeCount < 0 {
		return fmt.Errorf("pool node counts must not be negative")
	}
	if c.CompletionTimeout < 0 {
		return fmt.Errorf("completion timeout must not be negative")
	}
	return nil
}
