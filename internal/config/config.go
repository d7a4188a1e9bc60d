// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	DataDir  string
	Port     int
	DevMode  bool
	LogLevel string

	QuoteVendor QuoteVendorConfig
	HaltFeed    HaltFeedConfig
	Stream      StreamConfig
	Polling     PollingConfig

	// Symbols seeds the watchlist on first run; afterwards the watchlist
	// database is authoritative.
	Symbols []string
}

// QuoteVendorConfig holds the quote vendor's auth and endpoint settings.
type QuoteVendorConfig struct {
	AuthBaseURL string   `yaml:"auth_base_url"`
	Hosts       []string `yaml:"hosts"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	WMID        string   `yaml:"wmid"`
	StaticHash  string   `yaml:"static_hash"`
	Timezone    string   `yaml:"timezone"`
}

// HaltFeedConfig holds the exchange halt feed settings.
type HaltFeedConfig struct {
	BaseURL string `yaml:"base_url"`
}

// StreamConfig holds the optional best-effort streaming channel settings.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// PollingConfig holds the refresh schedules, in cron syntax.
type PollingConfig struct {
	QuotesSchedule string `yaml:"quotes_schedule"`
	HaltsSchedule  string `yaml:"halts_schedule"`
}

// fileConfig is the optional YAML overlay. Env vars win for credentials so
// secrets can stay out of the file.
type fileConfig struct {
	QuoteVendor QuoteVendorConfig `yaml:"quote_vendor"`
	HaltFeed    HaltFeedConfig    `yaml:"halt_feed"`
	Stream      StreamConfig      `yaml:"stream"`
	Polling     PollingConfig     `yaml:"polling"`
	Symbols     []string          `yaml:"subscribed_symbols"`
}

// Load reads configuration from environment variables plus an optional YAML
// file named by MARKETDATA_CONFIG.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKETDATA_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		QuoteVendor: QuoteVendorConfig{
			AuthBaseURL: getEnv("QUOTE_AUTH_BASE_URL", ""),
			Hosts:       splitList(getEnv("QUOTE_HOSTS", "")),
			Username:    getEnv("QUOTE_USERNAME", ""),
			Password:    getEnv("QUOTE_PASSWORD", ""),
			WMID:        getEnv("QUOTE_WMID", ""),
			StaticHash:  getEnv("QUOTE_STATIC_HASH", ""),
			Timezone:    getEnv("QUOTE_TIMEZONE", "America/New_York"),
		},
		HaltFeed: HaltFeedConfig{
			BaseURL: getEnv("HALT_FEED_BASE_URL", ""),
		},
		Stream: StreamConfig{
			Enabled: getEnvAsBool("STREAM_ENABLED", false),
			URL:     getEnv("STREAM_URL", ""),
		},
		Polling: PollingConfig{
			QuotesSchedule: getEnv("QUOTES_SCHEDULE", "@every 30s"),
			HaltsSchedule:  getEnv("HALTS_SCHEDULE", "@every 60s"),
		},
		Symbols: splitList(getEnv("SUBSCRIBED_SYMBOLS", "")),
	}

	if path := getEnv("MARKETDATA_CONFIG", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays YAML values onto the env-derived config. Values already
// set from the environment are kept.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setIfEmpty(&c.QuoteVendor.AuthBaseURL, fc.QuoteVendor.AuthBaseURL)
	setIfEmpty(&c.QuoteVendor.Username, fc.QuoteVendor.Username)
	setIfEmpty(&c.QuoteVendor.Password, fc.QuoteVendor.Password)
	setIfEmpty(&c.QuoteVendor.WMID, fc.QuoteVendor.WMID)
	setIfEmpty(&c.QuoteVendor.StaticHash, fc.QuoteVendor.StaticHash)
	setIfEmpty(&c.QuoteVendor.Timezone, fc.QuoteVendor.Timezone)
	if len(c.QuoteVendor.Hosts) == 0 {
		c.QuoteVendor.Hosts = fc.QuoteVendor.Hosts
	}
	setIfEmpty(&c.HaltFeed.BaseURL, fc.HaltFeed.BaseURL)
	setIfEmpty(&c.Stream.URL, fc.Stream.URL)
	if fc.Stream.Enabled {
		c.Stream.Enabled = true
	}
	setIfEmpty(&c.Polling.QuotesSchedule, fc.Polling.QuotesSchedule)
	setIfEmpty(&c.Polling.HaltsSchedule, fc.Polling.HaltsSchedule)
	if len(c.Symbols) == 0 {
		c.Symbols = fc.Symbols
	}
	return nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.QuoteVendor.AuthBaseURL == "" {
		return fmt.Errorf("quote vendor auth base URL is required (QUOTE_AUTH_BASE_URL)")
	}
	if len(c.QuoteVendor.Hosts) == 0 {
		return fmt.Errorf("at least one quote vendor host is required (QUOTE_HOSTS)")
	}
	if c.HaltFeed.BaseURL == "" {
		return fmt.Errorf("halt feed base URL is required (HALT_FEED_BASE_URL)")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func setIfEmpty(dst *string, value string) {
	if *dst == "" && value != "" {
		*dst = value
	}
}
