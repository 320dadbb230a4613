package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.Len(t, c.Symbols.Tracked, 8)
	assert.Equal(t, 510.05, c.Symbols.ReferencePrices["MSFT"])
	assert.Equal(t, 3, c.Source.MaxRetries)
	assert.Equal(t, 600, c.Source.FallbackWindowSeconds)
	assert.Equal(t, 0.10, c.Source.BandPct)
	assert.Equal(t, 60, c.Cache.QuoteTTLSeconds)
	assert.Equal(t, "memory", c.Bus.Kind)
	assert.Equal(t, "quotes", c.Bus.Channel)
	assert.Equal(t, "single", c.Scheduler.PublishMode)
	assert.Equal(t, 10, c.Gateway.MaxReconnectAttempts)
	assert.Equal(t, 1000, c.Gateway.ReconnectBaseMs)
	assert.Equal(t, 30000, c.Gateway.ReconnectMaxMs)
}

func TestLoadFileValuesKeptAndGapsFilled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
symbols:
  tracked: ["AAPL"]
  reference_prices:
    AAPL: 210.10
scheduler:
  publish_mode: all
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, []string{"AAPL"}, c.Symbols.Tracked)
	assert.Equal(t, 210.10, c.Symbols.ReferencePrices["AAPL"])
	// Defaults still merged in for symbols the file did not price.
	assert.Equal(t, 172.41, c.Symbols.ReferencePrices["NVDA"])
	assert.Equal(t, "all", c.Scheduler.PublishMode)
	assert.Equal(t, 3, c.Source.MaxRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("SYMBOLS", " msft, nvda ,")
	t.Setenv("TICK_MS", "250")
	t.Setenv("BUS_KIND", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("LIVE_ENABLED", "true")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "-1")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, c.Server.Port)
	assert.Equal(t, []string{"MSFT", "NVDA"}, c.Symbols.Tracked)
	assert.Equal(t, 250, c.Scheduler.TickMs)
	assert.Equal(t, "redis", c.Bus.Kind)
	assert.Equal(t, "redis://cache:6379", c.Bus.URL)
	assert.True(t, c.Source.LiveEnabled)
	assert.Equal(t, -1, c.Gateway.MaxReconnectAttempts)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
