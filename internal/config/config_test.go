package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid, got: %v", err)
	}

	if cfg.Errors.ResponseErrorTTLDuration() != 5*time.Second {
		t.Errorf("Expected 5s response error ttl, got %v", cfg.Errors.ResponseErrorTTLDuration())
	}
	if cfg.Errors.SessionErrorTTLDuration() != 8*time.Second {
		t.Errorf("Expected 8s session error ttl, got %v", cfg.Errors.SessionErrorTTLDuration())
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")

	configContent := `
server:
  url: "https://voice.example.com"
  dial_timeout: 3
control:
  address: "127.0.0.1:9999"
  enabled: false
errors:
  response_error_ttl_ms: 1500
logging:
  level: "debug"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.URL != "https://voice.example.com" {
		t.Errorf("Expected server url, got %s", cfg.Server.URL)
	}
	if cfg.Server.DialTimeoutDuration() != 3*time.Second {
		t.Errorf("Expected dial timeout 3s, got %v", cfg.Server.DialTimeoutDuration())
	}
	if cfg.Control.Enabled {
		t.Error("Expected control API to be disabled")
	}
	if cfg.Errors.ResponseErrorTTL != 1500 {
		t.Errorf("Expected response ttl 1500, got %d", cfg.Errors.ResponseErrorTTL)
	}
	// Untouched keys keep their defaults
	if cfg.Errors.SessionErrorTTL != 8000 {
		t.Errorf("Expected session ttl default 8000, got %d", cfg.Errors.SessionErrorTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configFile, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICE_SERVER_URL", "ws://10.0.0.5:8000")
	t.Setenv("VOICE_LOG_LEVEL", "warn")
	t.Setenv("VOICE_AUTH_SECRET", "s3cret")
	t.Setenv("VOICE_RESPONSE_ERROR_TTL_MS", "2500")
	t.Setenv("VOICE_FAKE_AUDIO", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.URL != "ws://10.0.0.5:8000" {
		t.Errorf("Expected env server url, got %s", cfg.Server.URL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected warn, got %s", cfg.Logging.Level)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Errorf("Expected auth secret from env, got %q", cfg.Auth.Secret)
	}
	if cfg.Errors.ResponseErrorTTL != 2500 {
		t.Errorf("Expected 2500, got %d", cfg.Errors.ResponseErrorTTL)
	}
	if !cfg.Audio.Fake {
		t.Error("Expected fake audio from env")
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("VOICE_SESSION_ERROR_TTL_MS", "soon")

	if _, err := Load(""); err == nil {
		t.Fatal("Expected error for non-numeric ttl")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty url", func(c *Config) { c.Server.URL = "" }, "server config"},
		{"bad scheme", func(c *Config) { c.Server.URL = "ftp://host" }, "scheme"},
		{"no host", func(c *Config) { c.Server.URL = "http://" }, "no host"},
		{"zero dial timeout", func(c *Config) { c.Server.DialTimeout = 0 }, "dial_timeout"},
		{"empty control address", func(c *Config) { c.Control.Address = "" }, "control config"},
		{"sample rate", func(c *Config) { c.Audio.SampleRate = 16000 }, "sample_rate"},
		{"period", func(c *Config) { c.Audio.PeriodMillis = 1 }, "period_ms"},
		{"ttl", func(c *Config) { c.Errors.SessionErrorTTL = 0 }, "ttl"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging config"},
		{"token ttl", func(c *Config) { c.Auth.Secret = "x"; c.Auth.TokenTTL = 0 }, "token_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws"},
		{"https://voice.example.com/", "wss://voice.example.com/ws"},
		{"ws://localhost:8000/ws", "ws://localhost:8000/ws"},
		{"wss://voice.example.com/custom", "wss://voice.example.com/custom"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s := ServerConfig{URL: tt.in, DialTimeout: 1}
			got, err := s.WebSocketURL()
			if err != nil {
				t.Fatalf("WebSocketURL returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("WebSocketURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSettingsURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8000", "http://localhost:8000/settings"},
		{"wss://voice.example.com/ws", "https://voice.example.com/settings"},
		{"ws://localhost:8000/ws?x=1", "http://localhost:8000/settings"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s := ServerConfig{URL: tt.in, DialTimeout: 1}
			got, err := s.SettingsURL()
			if err != nil {
				t.Fatalf("SettingsURL returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SettingsURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
