package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the trimmed environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetIntEnv returns an integer environment variable or a default.
// Unparsable values are logged and ignored.
func GetIntEnv(key string, defaultValue int) int {
	value := GetEnv(key, "")
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", value)
		return defaultValue
	}
	return intVal
}

// GetDurationEnv returns a duration environment variable or a default.
// Unparsable values are logged and ignored.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := GetEnv(key, "")
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Ignoring invalid duration setting", "key", key, "value", value)
		return defaultValue
	}
	return duration
}

// GetListEnv splits a comma separated environment variable, dropping empty
// items. An unset variable yields defaultValue.
func GetListEnv(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// GetSecret returns the value of key, or the contents of the file named by
// fileKey when key is unset.
func GetSecret(key, fileKey string) string {
	if value := GetEnv(key, ""); value != "" {
		return value
	}
	return GetSecretFile(GetEnv(fileKey, ""))
}

// GetSecretFile reads a secret from a file path.
// Works with Docker secrets (/run/secrets/) and K8s secrets (mounted volumes).
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Secret file could not be read", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
