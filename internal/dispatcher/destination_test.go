package dispatcher

import "testing"

func TestDestinationKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		rawURL   string
		expected string
	}{
		{"with port", "http://localhost:8080/webhook", "http://localhost:8080"},
		{"https without port", "https://example.com/callback", "https://example.com"},
		{"default https port", "https://example.com:443/callback", "https://example.com"},
		{"default http port", "http://example.com:80/callback", "http://example.com"},
		{"case folded", "HTTPS://Callbacks.Example.COM/hook", "https://callbacks.example.com"},
		{"path and query ignored", "http://api.example.com:3000/v1/events?key=123", "http://api.example.com:3000"},
		{"same host different scheme", "http://example.com/callback", "http://example.com"},
		{"ip address", "http://192.168.1.1:9000/hook", "http://192.168.1.1:9000"},
		{"ipv6", "http://[::1]:9000/hook", "http://[::1]:9000"},
		{"ipv6 default port", "https://[::1]/hook", "https://[::1]"},
		{"malformed URL returns raw input", "://invalid", "://invalid"},
		{"empty URL returns empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := destinationKey(tt.rawURL); got != tt.expected {
				t.Errorf("destinationKey(%q) = %q, want %q", tt.rawURL, got, tt.expected)
			}
		})
	}
}
