package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		fallback string
		expected string
	}{
		{"uses env value", "hello", "default", "hello"},
		{"uses fallback when unset", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key := "FUSAS_TEST_STR"
			os.Unsetenv(key)
			if tc.envValue != "" {
				os.Setenv(key, tc.envValue)
				defer os.Unsetenv(key)
			}
			if got := getEnv(key, tc.fallback); got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestDurationEnv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		fallback time.Duration
		expected time.Duration
	}{
		{"parses duration", "45s", time.Minute, 45 * time.Second},
		{"uses fallback when unset", "", time.Minute, time.Minute},
		{"uses fallback on garbage", "soon", time.Minute, time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key := "FUSAS_TEST_DUR"
			os.Unsetenv(key)
			if tc.envValue != "" {
				os.Setenv(key, tc.envValue)
				defer os.Unsetenv(key)
			}
			if got := durationEnv(key, tc.fallback); got != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestIntEnv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		fallback int
		expected int
	}{
		{"parses integer", "42", 10, 42},
		{"uses fallback when unset", "", 10, 10},
		{"uses fallback on garbage", "many", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key := "FUSAS_TEST_INT"
			os.Unsetenv(key)
			if tc.envValue != "" {
				os.Setenv(key, tc.envValue)
				defer os.Unsetenv(key)
			}
			if got := intEnv(key, tc.fallback); got != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, got)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.TokenWindow != 30*time.Second {
		t.Errorf("TokenWindow default = %s, want 30s", cfg.TokenWindow)
	}
	if cfg.GracePeriod != 5*time.Minute {
		t.Errorf("GracePeriod default = %s, want 5m", cfg.GracePeriod)
	}
	if cfg.SessionTimeout != time.Hour {
		t.Errorf("SessionTimeout default = %s, want 1h", cfg.SessionTimeout)
	}
}
