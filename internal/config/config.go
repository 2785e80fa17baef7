// Package config provides configuration loading for the agent relay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the relay.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// AdvertiseURL is the base WebSocket URL spawned agent processes dial
	// back to (e.g. ws://127.0.0.1:8420). Derived from Host/Port if empty.
	AdvertiseURL string

	// Agent process settings
	AgentCommand string
	AgentArgs    []string
	DefaultCwd   string

	// Recovery tuning. These are empirical values, not invariants — short
	// enough to feel responsive, long enough to avoid relaunch storms.
	GraceWindow      time.Duration
	RelaunchCooldown time.Duration
	KillGracePeriod  time.Duration

	// Store settings
	DataDir       string
	StoreDebounce time.Duration

	// Bridge settings
	BrowserSendBuffer  int
	MaxTaskInvocations int

	// Auth settings. Auth is disabled when JWKSEndpoint is empty
	// (local single-user mode).
	JWKSEndpoint string
	JWTIssuer    string
	JWTAudience  string
	CookieName   string
	CookieSecure bool
	SessionTTL   time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Terminal settings (auxiliary channel)
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("RELAY_PORT", 8420),
		Host:           getEnv("RELAY_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		AdvertiseURL: getEnv("RELAY_ADVERTISE_URL", ""),

		AgentCommand: getEnv("AGENT_COMMAND", "claude"),
		AgentArgs:    getEnvStringSlice("AGENT_ARGS", nil),
		DefaultCwd:   getEnv("AGENT_DEFAULT_CWD", ""),

		GraceWindow:      getEnvDuration("RECONNECT_GRACE_WINDOW", 10*time.Second),
		RelaunchCooldown: getEnvDuration("RELAUNCH_COOLDOWN", 5*time.Second),
		KillGracePeriod:  getEnvDuration("KILL_GRACE_PERIOD", 5*time.Second),

		DataDir:       getEnv("RELAY_DATA_DIR", ""),
		StoreDebounce: getEnvDuration("STORE_DEBOUNCE", 300*time.Millisecond),

		BrowserSendBuffer:  getEnvInt("BROWSER_SEND_BUFFER", 256),
		MaxTaskInvocations: getEnvInt("MAX_TASK_INVOCATIONS", 2048),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "agent-relay"),
		CookieName:   getEnv("COOKIE_NAME", "relay_session"),
		CookieSecure: getEnvBool("COOKIE_SECURE", false),
		SessionTTL:   getEnvDuration("SESSION_TTL", 24*time.Hour),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		DefaultShell: getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:  getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:  getEnvInt("DEFAULT_COLS", 80),
	}

	if cfg.AdvertiseURL == "" {
		host := cfg.Host
		if host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		cfg.AdvertiseURL = fmt.Sprintf("ws://%s:%d", host, cfg.Port)
	}
	cfg.AdvertiseURL = strings.TrimRight(cfg.AdvertiseURL, "/")

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("RELAY_DATA_DIR not set and home directory unavailable: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".agent-relay")
	}

	if cfg.DefaultCwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.DefaultCwd = wd
		}
	}

	if cfg.JWKSEndpoint != "" && cfg.JWTIssuer == "" {
		return nil, fmt.Errorf("JWT_ISSUER is required when JWKS_ENDPOINT is set")
	}

	return cfg, nil
}

// AuthEnabled reports whether browser auth is configured.
func (c *Config) AuthEnabled() bool {
	return c.JWKSEndpoint != ""
}

// getEnv returns an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
