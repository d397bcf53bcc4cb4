package docker

import (
	"batchbridge/internal/config"
	"time"
)

// Config holds configuration for the Docker batch backend.
type Config struct {
	Image               string        // Image every task runs in
	JobRetention        time.Duration // How long to keep completed jobs
	MaintenanceInterval time.Duration // How often to run cleanup
	ExtraHosts          []string      // Extra hosts for task containers (e.g., ["host.docker.internal:host-gateway"])
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:               config.GetEnv("BATCH_DOCKER_IMAGE", "curlimages/curl:latest"),
		JobRetention:        config.GetDurationEnv("JOB_RETENTION", 15*time.Minute),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", 1*time.Minute),
		ExtraHosts:          config.GetListEnv("EXTRA_HOSTS", []string{"host.docker.internal:host-gateway"}),
	}
}
