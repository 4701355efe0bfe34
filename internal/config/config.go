package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server  ServerConfig  `toml:"server"`  // HTTP server settings
	Gemini  GeminiConfig  `toml:"gemini"`  // Gemini Live API settings
	Session SessionConfig `toml:"session"` // WebSocket session policy settings
	Logging LoggingConfig `toml:"logging"` // Application logging settings
	Storage StorageConfig `toml:"storage"` // Data persistence settings
	Sync    SyncConfig    `toml:"sync"`    // Session history remote sync settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// GeminiConfig contains Gemini Live API connection settings
type GeminiConfig struct {
	APIKey             string `toml:"api_key"`                 // Google API key (GOOGLE_API_KEY env var takes precedence)
	Model              string `toml:"model"`                   // Model name, e.g. "gemini-2.0-flash-live-001"
	Host               string `toml:"host"`                    // API host (default: generativelanguage.googleapis.com)
	ConnectTimeoutSecs int    `toml:"connect_timeout_seconds"` // WebSocket handshake timeout in seconds
}

// SessionConfig contains WebSocket session policy settings
type SessionConfig struct {
	TimeLimitSecs   int `toml:"time_limit_seconds"` // Default maximum session duration in seconds
	InputSampleRate int `toml:"input_sample_rate"`  // Client audio sample rate in Hz (PCM16 mono)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the SQLite database file for session history
}

// SyncConfig contains settings for pushing session history to a remote sync API
type SyncConfig struct {
	Enabled            bool   `toml:"enabled"`                 // Enable the remote history sync engine
	ServerURL          string `toml:"server_url"`              // Base URL of the remote sync API
	AppID              string `toml:"app_id"`                  // Application identifier sent with sync requests
	APIKey             string `toml:"api_key"`                 // API key for the sync service (SYNC_API_KEY env var takes precedence)
	RequestTimeoutSecs int    `toml:"request_timeout_seconds"` // HTTP timeout for sync requests in seconds
}

const (
	// DefaultGeminiHost is the Gemini API host used when none is configured.
	DefaultGeminiHost = "generativelanguage.googleapis.com"
	// DefaultModel is the Live API model used when none is configured.
	DefaultModel = "gemini-2.0-flash-live-001"
)

// defaults returns a configuration with sensible defaults applied
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8000,
			Host:               "0.0.0.0",
			CORSAllowedOrigins: []string{"*"},
			ReadTimeoutSecs:    30,
			WriteTimeoutSecs:   0,
			IdleTimeoutSecs:    60,
		},
		Gemini: GeminiConfig{
			Model:              DefaultModel,
			Host:               DefaultGeminiHost,
			ConnectTimeoutSecs: 30,
		},
		Session: SessionConfig{
			TimeLimitSecs:   180,
			InputSampleRate: 16000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			SQLitePath: "data/immergo.db",
		},
		Sync: SyncConfig{
			RequestTimeoutSecs: 30,
		},
	}
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	config := defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnvOverrides()
	return config, nil
}

// LoadWithFallback loads configuration from the given path if provided,
// otherwise searches the standard locations. If no file is found the
// built-in defaults (plus environment overrides) are used, matching the
// original environment-only deployment mode.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	for _, candidate := range []string{"configs/config.toml", "config.toml"} {
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}

	config := defaults()
	config.applyEnvOverrides()
	return config, nil
}

// applyEnvOverrides lets environment variables take precedence over file
// values for secrets and the handful of settings the original deployment
// read from the environment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	} else if v := os.Getenv("GOOGLE_CLOUD_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("MODEL"); v != "" {
		c.Gemini.Model = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("SESSION_TIME_LIMIT"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.Session.TimeLimitSecs = s
		}
	}
	if v := os.Getenv("SYNC_API_KEY"); v != "" {
		c.Sync.APIKey = v
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Gemini.Model == "" {
		return fmt.Errorf("gemini model is required")
	}
	if c.Session.TimeLimitSecs <= 0 {
		return fmt.Errorf("session time limit must be positive, got %d", c.Session.TimeLimitSecs)
	}
	if c.Session.InputSampleRate <= 0 {
		return fmt.Errorf("input sample rate must be positive, got %d", c.Session.InputSampleRate)
	}
	if c.Sync.Enabled && c.Sync.ServerURL == "" {
		return fmt.Errorf("sync is enabled but sync server_url is empty")
	}
	return nil
}
