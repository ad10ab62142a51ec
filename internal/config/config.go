// Package config loads process configuration from the environment and the
// optional watchdog YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"` // api-key, jwt or none
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret      string `envconfig:"MGMT_JWT_SECRET"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`

	// Persistence; an empty path keeps sessions in memory only.
	DBPath string `envconfig:"DB_PATH" default:"watchdog.db"`

	// Watchdog
	ConfigFile           string        `envconfig:"WATCHDOG_CONFIG_FILE"`
	MaxInactivity        time.Duration `envconfig:"MAX_INACTIVITY_INTERVAL" default:"5m"`
	CountdownInterval    time.Duration `envconfig:"COUNTDOWN_INTERVAL" default:"2s"`
	UnavailableLimit     int           `envconfig:"UNAVAILABLE_LIMIT" default:"10"`
	AutoLockExclusions   string        `envconfig:"AUTO_LOCK_EXCLUSIONS"` // comma-separated app names
	EventRoot            string        `envconfig:"EVENT_ROOT" default:"DESKTOP"`
	ShutdownDefaultDelay time.Duration `envconfig:"SHUTDOWN_DEFAULT_DELAY" default:"5m"`
	UIQueueSize          int           `envconfig:"UI_QUEUE_SIZE" default:"64"`
	MaxSessions          int           `envconfig:"MAX_SESSIONS" default:"0"` // 0 = unlimited

	// Slack notices (optional)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL"`
}

// SlackEnabled returns true if a bot token and channel are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// PersistenceEnabled returns true if a database path is configured.
func (c *Config) PersistenceEnabled() bool {
	return strings.TrimSpace(c.DBPath) != ""
}

// ExclusionList returns the parsed auto-lock exclusions.
func (c *Config) ExclusionList() []string {
	return splitList(c.AutoLockExclusions)
}

// CORSOriginList returns the parsed CORS origins.
func (c *Config) CORSOriginList() []string {
	return splitList(c.MgmtCORSOrigins)
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.MgmtAuthMode {
	case "api-key":
		if c.MgmtAPIKey == "" {
			return fmt.Errorf("MGMT_API_KEY is required when MGMT_AUTH_MODE=api-key")
		}
	case "jwt":
		if c.MgmtJWTSecret == "" {
			return fmt.Errorf("MGMT_JWT_SECRET is required when MGMT_AUTH_MODE=jwt")
		}
	case "none":
	default:
		return fmt.Errorf("invalid MGMT_AUTH_MODE %q (want api-key, jwt or none)", c.MgmtAuthMode)
	}
	if c.CountdownInterval <= 0 {
		return fmt.Errorf("COUNTDOWN_INTERVAL must be positive")
	}
	if c.MaxInactivity <= 0 {
		return fmt.Errorf("MAX_INACTIVITY_INTERVAL must be positive")
	}
	if c.UIQueueSize < 1 {
		return fmt.Errorf("UI_QUEUE_SIZE must be at least 1")
	}
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
