// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	Debug          bool
	Automation     AutomationConfig
	Store          StoreConfig
	Relay          RelayConfig
}

// AutomationConfig describes the puppet account and its sidecar.
type AutomationConfig struct {
	Addr          string
	Target        string // upstream counterpart the puppet talks to
	SessionName   string
	OutboundRate  float64 // sends per second
	OutboundBurst int
}

// StoreConfig selects and tunes the key-value backend.
type StoreConfig struct {
	Backend  string
	DBPath   string
	RedisURL string
	Timeout  time.Duration
}

// RelayConfig controls session lifecycle and pagination.
type RelayConfig struct {
	SessionTTL     time.Duration
	RequestTimeout time.Duration
	JoinRetryDelay time.Duration
	SweepInterval  time.Duration
	Workers        int
	BacklogSize    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		Debug:          getEnvBool("DEBUG", false),
		Automation: AutomationConfig{
			Addr:          getEnv("AUTOMATION_ADDR", "localhost:50061"),
			Target:        getEnv("AUTOMATION_TARGET", ""),
			SessionName:   getEnv("PUPPET_SESSION_NAME", "puppet_session"),
			OutboundRate:  getEnvFloat("OUTBOUND_RATE", 1),
			OutboundBurst: getEnvInt("OUTBOUND_BURST", 3),
		},
		Store: StoreConfig{
			Backend:  strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
			DBPath:   getEnv("DB_PATH", "./data/relay.db"),
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Timeout:  getEnvDuration("STORE_TIMEOUT", 3*time.Second),
		},
		Relay: RelayConfig{
			SessionTTL:     getEnvDuration("SESSION_TTL", 300*time.Second),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),
			JoinRetryDelay: getEnvDuration("JOIN_RETRY_DELAY", 2*time.Second),
			SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
			Workers:        getEnvInt("RELAY_WORKERS", 8),
			BacklogSize:    getEnvInt("BACKLOG_SIZE", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Automation.Target == "" {
		return fmt.Errorf("AUTOMATION_TARGET is required")
	}
	if c.Automation.Addr == "" {
		return fmt.Errorf("AUTOMATION_ADDR cannot be empty")
	}
	if c.Automation.SessionName == "" {
		return fmt.Errorf("PUPPET_SESSION_NAME cannot be empty")
	}
	if c.Automation.OutboundRate <= 0 {
		return fmt.Errorf("OUTBOUND_RATE must be > 0")
	}
	if c.Automation.OutboundBurst <= 0 {
		return fmt.Errorf("OUTBOUND_BURST must be > 0")
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND %q is not one of sqlite, redis, memory", c.Store.Backend)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if c.Relay.SessionTTL <= 0 || c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("SESSION_TTL and REQUEST_TIMEOUT must be > 0")
	}
	if c.Relay.RequestTimeout > c.Relay.SessionTTL {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must not exceed SESSION_TTL (%s)", c.Relay.RequestTimeout, c.Relay.SessionTTL)
	}
	if c.Relay.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Relay.Workers <= 0 {
		return fmt.Errorf("RELAY_WORKERS must be > 0")
	}
	if c.Relay.BacklogSize <= 0 {
		return fmt.Errorf("BACKLOG_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("300").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
