package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("MARKETDATA_DATA_DIR", t.TempDir())
	t.Setenv("QUOTE_AUTH_BASE_URL", "https://auth.example.com")
	t.Setenv("QUOTE_HOSTS", "https://app.example.com, https://app2.example.com")
	t.Setenv("HALT_FEED_BASE_URL", "https://halts.example.com")
	t.Setenv("MARKETDATA_CONFIG", "")
}

func TestLoadFromEnvironment(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUOTE_USERNAME", "user")
	t.Setenv("QUOTE_PASSWORD", "pass")
	t.Setenv("PORT", "9090")
	t.Setenv("SUBSCRIBED_SYMBOLS", "AAPL,MSFT")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"https://app.example.com", "https://app2.example.com"}, cfg.QuoteVendor.Hosts)
	assert.Equal(t, "user", cfg.QuoteVendor.Username)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Symbols)
	assert.Equal(t, "America/New_York", cfg.QuoteVendor.Timezone)
	assert.Equal(t, "@every 30s", cfg.Polling.QuotesSchedule)
}

func TestLoadMissingRequiredFields(t *testing.T) {
	t.Setenv("MARKETDATA_DATA_DIR", t.TempDir())
	t.Setenv("QUOTE_AUTH_BASE_URL", "")
	t.Setenv("QUOTE_HOSTS", "")
	t.Setenv("HALT_FEED_BASE_URL", "")
	t.Setenv("MARKETDATA_CONFIG", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUOTE_AUTH_BASE_URL")
}

func TestFileOverlayFillsGapsOnly(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUOTE_USERNAME", "env-user")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
quote_vendor:
  username: file-user
  wmid: "104679"
  static_hash: abc123
halt_feed:
  base_url: https://ignored.example.com
stream:
  enabled: true
  url: wss://stream.example.com
subscribed_symbols:
  - TSLA
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0644))
	t.Setenv("MARKETDATA_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	// Env values win; file fills the blanks.
	assert.Equal(t, "env-user", cfg.QuoteVendor.Username)
	assert.Equal(t, "104679", cfg.QuoteVendor.WMID)
	assert.Equal(t, "https://halts.example.com", cfg.HaltFeed.BaseURL)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, "wss://stream.example.com", cfg.Stream.URL)
	assert.Equal(t, []string{"TSLA"}, cfg.Symbols)
}

func TestFileOverlayMalformed(t *testing.T) {
	setBaseEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quote_vendor: ["), 0644))
	t.Setenv("MARKETDATA_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
}
