package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Control       ControlConfig      `yaml:"control"`
	Auth          AuthConfig         `yaml:"auth"`
	Audio         AudioConfig        `yaml:"audio"`
	Errors        ErrorsConfig       `yaml:"errors"`
	Notifications NotificationConfig `yaml:"notifications"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// ServerConfig points at the voice backend
type ServerConfig struct {
	URL         string `yaml:"url"`
	DialTimeout int    `yaml:"dial_timeout"` // seconds
}

// ControlConfig contains the local control API configuration
type ControlConfig struct {
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AuthConfig holds the shared secret used to sign bearer tokens.
// Authentication is off when the secret is empty.
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	ClientID string `yaml:"client_id"`
	TokenTTL int    `yaml:"token_ttl"` // minutes
}

// AudioConfig selects the audio devices
type AudioConfig struct {
	Fake         bool `yaml:"fake"`
	SampleRate   int  `yaml:"sample_rate"`
	PeriodMillis int  `yaml:"period_ms"`
}

// ErrorsConfig sets how long transient server errors stay visible
type ErrorsConfig struct {
	ResponseErrorTTL int `yaml:"response_error_ttl_ms"`
	SessionErrorTTL  int `yaml:"session_error_ttl_ms"`
}

// NotificationConfig controls speaking server notifications aloud
type NotificationConfig struct {
	Speak bool `yaml:"speak"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:         "http://localhost:8000",
			DialTimeout: 10,
		},
		Control: ControlConfig{
			Address: "127.0.0.1:8090",
			Enabled: true,
		},
		Auth: AuthConfig{
			ClientID: "voice-client",
			TokenTTL: 60,
		},
		Audio: AudioConfig{
			SampleRate:   24000,
			PeriodMillis: 20,
		},
		Errors: ErrorsConfig{
			ResponseErrorTTL: 5000,
			SessionErrorTTL:  8000,
		},
		Notifications: NotificationConfig{
			Speak: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a
// .env file and the environment, in that order of precedence.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from VOICE_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("VOICE_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("VOICE_CONTROL_ADDR"); v != "" {
		c.Control.Address = v
	}
	if v := os.Getenv("VOICE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VOICE_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"VOICE_RESPONSE_ERROR_TTL_MS", &c.Errors.ResponseErrorTTL},
		{"VOICE_SESSION_ERROR_TTL_MS", &c.Errors.SessionErrorTTL},
		{"VOICE_DIAL_TIMEOUT", &c.Server.DialTimeout},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
		}
		*e.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"VOICE_FAKE_AUDIO", &c.Audio.Fake},
		{"VOICE_SPEAK_NOTIFICATIONS", &c.Notifications.Speak},
		{"VOICE_CONTROL_ENABLED", &c.Control.Enabled},
	}
	for _, e := range bools {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
		}
		*e.dst = b
	}

	return nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Control.Enabled && c.Control.Address == "" {
		return fmt.Errorf("control config: address cannot be empty when the control API is enabled")
	}

	if c.Auth.Secret != "" && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth config: token_ttl must be positive, got %d", c.Auth.TokenTTL)
	}

	if c.Audio.SampleRate != 24000 {
		return fmt.Errorf("audio config: sample_rate must be 24000, got %d", c.Audio.SampleRate)
	}
	if c.Audio.PeriodMillis < 5 || c.Audio.PeriodMillis > 200 {
		return fmt.Errorf("audio config: period_ms must be between 5 and 200, got %d", c.Audio.PeriodMillis)
	}

	if c.Errors.ResponseErrorTTL <= 0 || c.Errors.SessionErrorTTL <= 0 {
		return fmt.Errorf("errors config: ttl values must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging config: invalid level %q", c.Logging.Level)
	}

	return nil
}

// Validate validates the server configuration
func (s *ServerConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if _, err := s.WebSocketURL(); err != nil {
		return err
	}
	if s.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %d", s.DialTimeout)
	}
	return nil
}

// WebSocketURL returns the conversation socket address. http becomes ws,
// https becomes wss and an empty path becomes /ws.
func (s *ServerConfig) WebSocketURL() (string, error) {
	u, err := s.parse()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// SettingsURL returns the REST endpoint serving the settings tree
func (s *ServerConfig) SettingsURL() (string, error) {
	u, err := s.parse()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/settings"
	u.RawQuery = ""
	return u.String(), nil
}

// DialTimeoutDuration returns the dial timeout as a duration
func (s *ServerConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(s.DialTimeout) * time.Second
}

func (s *ServerConfig) parse() (*url.URL, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", s.URL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("url scheme must be http, https, ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", s.URL)
	}
	return u, nil
}

// ResponseErrorTTLDuration returns how long response errors stay visible
func (e *ErrorsConfig) ResponseErrorTTLDuration() time.Duration {
	return time.Duration(e.ResponseErrorTTL) * time.Millisecond
}

// SessionErrorTTLDuration returns how long session errors stay visible
func (e *ErrorsConfig) SessionErrorTTLDuration() time.Duration {
	return time.Duration(e.SessionErrorTTL) * time.Millisecond
}

// TokenTTLDuration returns the bearer token lifetime
func (a *AuthConfig) TokenTTLDuration() time.Duration {
	return time.Duration(a.TokenTTL) * time.Minute
}
