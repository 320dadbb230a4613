package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quotestream/internal/bus"
	"quotestream/internal/cache"
	"quotestream/internal/config"
	"quotestream/internal/gateway"
	"quotestream/internal/observ"
	"quotestream/internal/scheduler"
	"quotestream/internal/secrets"
	"quotestream/internal/server"
	"quotestream/internal/source"
	"quotestream/internal/synth"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config (optional)")
	flag.Parse()

	// .env is optional; real deployments set env directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observ.Error("config_load_failed", err, map[string]any{"path": *configPath})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := cache.New()
	generator := synth.New(cfg.Symbols.ReferencePrices, cfg.Source.BandPct)

	var provider source.Provider = source.NewYahooProvider(cfg.Source.RateLimitPerMinute)
	adapter := source.New(provider, generator, store, cfg.Symbols.Tracked, source.Config{
		Disabled:              !cfg.Source.LiveEnabled,
		MaxRetries:            cfg.Source.MaxRetries,
		RetryDelay:            time.Duration(cfg.Source.RetryDelayMs) * time.Millisecond,
		FallbackAfterFailures: cfg.Source.FallbackAfterFailures,
		FallbackWindow:        time.Duration(cfg.Source.FallbackWindowSeconds) * time.Second,
		ProbeInterval:         time.Duration(cfg.Source.ProbeIntervalSeconds) * time.Second,
		Timeout:               time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
		CombinedTTL:           time.Duration(cfg.Cache.CombinedTTLSeconds) * time.Second,
	})
	if !cfg.Source.LiveEnabled {
		observ.Log("live_source_disabled", nil)
	}

	b, err := buildBus(ctx, cfg)
	if err != nil {
		observ.Error("bus_init_failed", err, map[string]any{"kind": cfg.Bus.Kind})
		os.Exit(1)
	}
	defer b.Close()

	sched := scheduler.New(adapter, b, store, scheduler.Config{
		TickInterval:  time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
		SweepInterval: time.Duration(cfg.Cache.SweepSeconds) * time.Second,
		QuoteTTL:      time.Duration(cfg.Cache.QuoteTTLSeconds) * time.Second,
		PublishMode:   cfg.Scheduler.PublishMode,
	})

	gw := gateway.New(b, gateway.ReconnectPolicy{
		BaseDelay:   time.Duration(cfg.Gateway.ReconnectBaseMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Gateway.ReconnectMaxMs) * time.Millisecond,
		MaxAttempts: cfg.Gateway.MaxReconnectAttempts,
	})

	srv := server.New(adapter, store, b, gw, server.Config{
		QuoteTTL:   time.Duration(cfg.Cache.QuoteTTLSeconds) * time.Second,
		HistoryTTL: time.Duration(cfg.Cache.HistoryTTLSeconds) * time.Second,
	})

	go sched.Run(ctx)
	go gw.Run(ctx)
	if cfg.Source.LiveEnabled {
		go adapter.RunProbe(ctx)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		observ.Log("server_listening", map[string]any{
			"port":    cfg.Server.Port,
			"symbols": cfg.Symbols.Tracked,
			"bus":     cfg.Bus.Kind,
			"tick_ms": cfg.Scheduler.TickMs,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Error("server_failed", err, nil)
			stop()
		}
	}()

	<-ctx.Done()
	observ.Log("shutdown_started", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		observ.Error("server_shutdown_failed", err, nil)
	}
	observ.Log("shutdown_complete", nil)
}

// buildBus constructs the configured broadcast bus. The redis connection
// string is resolved through the secret-provider chain so vault-mounted
// credentials work without code changes.
func buildBus(ctx context.Context, cfg config.Root) (bus.Bus, error) {
	switch cfg.Bus.Kind {
	case "redis":
		url := cfg.Bus.URL
		if url == "" {
			chain := secrets.Chain{secrets.EnvProvider{}, secrets.FileProvider{Dir: "/run/secrets"}}
			resolved, err := chain.Get(ctx, "redis-connection-string")
			if err != nil {
				return nil, err
			}
			url = resolved
		}
		return bus.NewRedisBus(url, cfg.Bus.Channel, time.Duration(cfg.Cache.QuoteTTLSeconds)*time.Second)
	case "memory", "":
		return bus.NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
	}
}
