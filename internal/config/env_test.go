package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		set   bool
		want  string
	}{
		{"unset", "", false, "default"},
		{"set", "custom", true, "custom"},
		{"trimmed", "  custom \n", true, "custom"},
		{"blank", "   ", true, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set {
				t.Setenv("BRIDGE_TEST_STRING", tt.value)
			}
			if got := GetEnv("BRIDGE_TEST_STRING", "default"); got != tt.want {
				t.Errorf("GetEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 42},
		{"valid", "123", 123},
		{"negative", "-1", -1},
		{"invalid", "not-a-number", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BRIDGE_TEST_INT", tt.value)
			if got := GetIntEnv("BRIDGE_TEST_INT", 42); got != tt.want {
				t.Errorf("GetIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", 5 * time.Second},
		{"seconds", "30s", 30 * time.Second},
		{"milliseconds", "100ms", 100 * time.Millisecond},
		{"invalid", "not-a-duration", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BRIDGE_TEST_DURATION", tt.value)
			if got := GetDurationEnv("BRIDGE_TEST_DURATION", 5*time.Second); got != tt.want {
				t.Errorf("GetDurationEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetListEnv(t *testing.T) {
	defaults := []string{"host.docker.internal:host-gateway"}

	if got := GetListEnv("BRIDGE_TEST_LIST_UNSET", defaults); !slices.Equal(got, defaults) {
		t.Errorf("Expected defaults for unset variable, got %v", got)
	}

	t.Setenv("BRIDGE_TEST_LIST", " a:1, ,b:2,")
	if got := GetListEnv("BRIDGE_TEST_LIST", defaults); !slices.Equal(got, []string{"a:1", "b:2"}) {
		t.Errorf("Expected [a:1 b:2], got %v", got)
	}

	t.Setenv("BRIDGE_TEST_LIST", "")
	if got := GetListEnv("BRIDGE_TEST_LIST", defaults); len(got) != 0 {
		t.Errorf("Expected an empty list to disable the defaults, got %v", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty string for empty path, got %q", got)
	}
	if got := GetSecretFile("/nonexistent/path/to/secret"); got != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}
	if got := GetSecretFile(path); got != "my-secret-value" {
		t.Errorf("Expected trimmed secret, got %q", got)
	}
}

func TestGetSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}
	t.Setenv("BRIDGE_TEST_KEY_FILE", path)

	t.Setenv("BRIDGE_TEST_KEY", "")
	if got := GetSecret("BRIDGE_TEST_KEY", "BRIDGE_TEST_KEY_FILE"); got != "from-file" {
		t.Errorf("Expected the file value, got %q", got)
	}

	t.Setenv("BRIDGE_TEST_KEY", "from-env")
	if got := GetSecret("BRIDGE_TEST_KEY", "BRIDGE_TEST_KEY_FILE"); got != "from-env" {
		t.Errorf("Expected the variable to win, got %q", got)
	}
}
