package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Port int `yaml:"port"`
}

type Symbols struct {
	Tracked         []string           `yaml:"tracked"`
	ReferencePrices map[string]float64 `yaml:"reference_prices"`
}

type Source struct {
	LiveEnabled           bool    `yaml:"live_enabled"`
	MaxRetries            int     `yaml:"max_retries"`
	RetryDelayMs          int     `yaml:"retry_delay_ms"`
	FallbackAfterFailures int     `yaml:"fallback_after_failures"`
	FallbackWindowSeconds int     `yaml:"fallback_window_seconds"`
	ProbeIntervalSeconds  int     `yaml:"probe_interval_seconds"`
	RateLimitPerMinute    int     `yaml:"rate_limit_per_minute"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	BandPct               float64 `yaml:"band_pct"` // synthetic walk band around reference
}

type Cache struct {
	QuoteTTLSeconds    int `yaml:"quote_ttl_seconds"`
	CombinedTTLSeconds int `yaml:"combined_ttl_seconds"`
	HistoryTTLSeconds  int `yaml:"history_ttl_seconds"`
	SweepSeconds       int `yaml:"sweep_seconds"`
}

type Bus struct {
	Kind    string `yaml:"kind"`    // "memory" | "redis"
	URL     string `yaml:"url"`     // overridden by secret provider when set there
	Channel string `yaml:"channel"` // pub/sub channel name
}

type Scheduler struct {
	TickMs      int    `yaml:"tick_ms"`
	PublishMode string `yaml:"publish_mode"` // "single" | "all"
}

type Gateway struct {
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	ReconnectBaseMs      int `yaml:"reconnect_base_ms"`
	ReconnectMaxMs       int `yaml:"reconnect_max_ms"`
}

type Root struct {
	Server    Server    `yaml:"server"`
	Symbols   Symbols   `yaml:"symbols"`
	Source    Source    `yaml:"source"`
	Cache     Cache     `yaml:"cache"`
	Bus       Bus       `yaml:"bus"`
	Scheduler Scheduler `yaml:"scheduler"`
	Gateway   Gateway   `yaml:"gateway"`
}

// defaultReferencePrices are closing prices from July 2025, used to seed the
// synthetic generator and compute daily change in fallback mode.
var defaultReferencePrices = map[string]float64{
	"MSFT":  510.05,
	"NVDA":  172.41,
	"TSLA":  329.65,
	"PLTR":  153.52,
	"ARKG":  24.92,
	"SPY":   627.58,
	"META":  704.28,
	"GOOGL": 185.06,
}

// Load reads the yaml config at path (optional, path may be ""), fills
// defaults for every zero value, then applies environment overrides.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Symbols.Tracked) == 0 {
		c.Symbols.Tracked = []string{"MSFT", "NVDA", "TSLA", "PLTR", "ARKG", "SPY", "META", "GOOGL"}
	}
	if c.Symbols.ReferencePrices == nil {
		c.Symbols.ReferencePrices = map[string]float64{}
	}
	for sym, price := range defaultReferencePrices {
		if _, ok := c.Symbols.ReferencePrices[sym]; !ok {
			c.Symbols.ReferencePrices[sym] = price
		}
	}

	if c.Source.MaxRetries == 0 {
		c.Source.MaxRetries = 3
	}
	if c.Source.RetryDelayMs == 0 {
		c.Source.RetryDelayMs = 1000
	}
	if c.Source.FallbackAfterFailures == 0 {
		c.Source.FallbackAfterFailures = 3
	}
	if c.Source.FallbackWindowSeconds == 0 {
		c.Source.FallbackWindowSeconds = 600
	}
	if c.Source.ProbeIntervalSeconds == 0 {
		c.Source.ProbeIntervalSeconds = 60
	}
	if c.Source.RateLimitPerMinute == 0 {
		c.Source.RateLimitPerMinute = 30
	}
	if c.Source.TimeoutSeconds == 0 {
		c.Source.TimeoutSeconds = 10
	}
	if c.Source.BandPct == 0 {
		c.Source.BandPct = 0.10
	}

	if c.Cache.QuoteTTLSeconds == 0 {
		c.Cache.QuoteTTLSeconds = 60
	}
	if c.Cache.CombinedTTLSeconds == 0 {
		c.Cache.CombinedTTLSeconds = 300
	}
	if c.Cache.HistoryTTLSeconds == 0 {
		c.Cache.HistoryTTLSeconds = 900
	}
	if c.Cache.SweepSeconds == 0 {
		c.Cache.SweepSeconds = 600
	}

	if c.Bus.Kind == "" {
		c.Bus.Kind = "memory"
	}
	if c.Bus.Channel == "" {
		c.Bus.Channel = "quotes"
	}

	if c.Scheduler.TickMs == 0 {
		c.Scheduler.TickMs = 5000
	}
	if c.Scheduler.PublishMode == "" {
		c.Scheduler.PublishMode = "single"
	}

	if c.Gateway.MaxReconnectAttempts == 0 {
		c.Gateway.MaxReconnectAttempts = 10
	}
	if c.Gateway.ReconnectBaseMs == 0 {
		c.Gateway.ReconnectBaseMs = 1000
	}
	if c.Gateway.ReconnectMaxMs == 0 {
		c.Gateway.ReconnectMaxMs = 30000
	}

	applyEnv(&c)
	return c, nil
}

// applyEnv overlays environment variables on top of file values. Env wins.
func applyEnv(c *Root) {
	if v, ok := envInt("PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		parts := strings.Split(v, ",")
		tracked := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
				tracked = append(tracked, s)
			}
		}
		if len(tracked) > 0 {
			c.Symbols.Tracked = tracked
		}
	}
	if v := os.Getenv("LIVE_ENABLED"); v != "" {
		c.Source.LiveEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := envInt("TICK_MS"); ok {
		c.Scheduler.TickMs = v
	}
	if v := os.Getenv("PUBLISH_MODE"); v != "" {
		c.Scheduler.PublishMode = v
	}
	if v := os.Getenv("BUS_KIND"); v != "" {
		c.Bus.Kind = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v, ok := envInt("QUOTE_TTL_SECONDS"); ok {
		c.Cache.QuoteTTLSeconds = v
	}
	if v, ok := envInt("HISTORY_TTL_SECONDS"); ok {
		c.Cache.HistoryTTLSeconds = v
	}
	if v, ok := envInt("FALLBACK_AFTER_FAILURES"); ok {
		c.Source.FallbackAfterFailures = v
	}
	if v, ok := envInt("FALLBACK_WINDOW_SECONDS"); ok {
		c.Source.FallbackWindowSeconds = v
	}
	if v, ok := envInt("PROBE_INTERVAL_SECONDS"); ok {
		c.Source.ProbeIntervalSeconds = v
	}
	if v, ok := envInt("MAX_RECONNECT_ATTEMPTS"); ok {
		c.Gateway.MaxReconnectAttempts = v
	}
	if v, ok := envInt("RECONNECT_BASE_MS"); ok {
		c.Gateway.ReconnectBaseMs = v
	}
	if v, ok := envInt("RECONNECT_MAX_MS"); ok {
		c.Gateway.ReconnectMaxMs = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
