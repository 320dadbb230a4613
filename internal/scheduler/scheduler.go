// Package scheduler drives ingestion: on every tick it asks the source
// adapter for quotes and publishes them to the bus and the cache.
package scheduler

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"quotestream/internal/bus"
	"quotestream/internal/cache"
	"quotestream/internal/model"
	"quotestream/internal/observ"
	"quotestream/internal/source"
)

const (
	ModeSingle = "single" // one random symbol per tick
	ModeAll    = "all"    // every tracked symbol per tick
)

type Config struct {
	TickInterval  time.Duration
	SweepInterval time.Duration
	QuoteTTL      time.Duration
	PublishMode   string
}

type Scheduler struct {
	adapter *source.Adapter
	bus     bus.Bus
	store   *cache.Store
	cfg     Config
	random  *rand.Rand

	// Overlap guard: a tick that fires while the prior fetch is still
	// outstanding is skipped, not queued.
	inFlight atomic.Bool
}

func New(adapter *source.Adapter, b bus.Bus, store *cache.Store, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 60 * time.Second
	}
	if cfg.PublishMode == "" {
		cfg.PublishMode = ModeSingle
	}
	return &Scheduler{
		adapter: adapter,
		bus:     b,
		store:   store,
		cfg:     cfg,
		random:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until ctx is cancelled, driving the tick and sweep loops.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	observ.Log("scheduler_started", map[string]any{
		"tick_ms": s.cfg.TickInterval.Milliseconds(),
		"mode":    s.cfg.PublishMode,
	})

	for {
		select {
		case <-ctx.Done():
			observ.Log("scheduler_stopped", nil)
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-sweep.C:
			evicted := s.store.Sweep()
			observ.Log("cache_sweep", map[string]any{"evicted": evicted})
		}
	}
}

// Tick runs one ingestion cycle. Fetch failures are already absorbed by the
// adapter's fallback; anything surfacing here is only logged.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		observ.IncCounter("scheduler_ticks_skipped_total", nil)
		observ.Warn("scheduler_tick_overlap", nil)
		return
	}
	defer s.inFlight.Store(false)

	var quotes []model.Quote
	switch s.cfg.PublishMode {
	case ModeAll:
		quotes = s.adapter.GetAllQuotes(ctx)
	default:
		symbols := s.adapter.Symbols()
		if len(symbols) == 0 {
			return
		}
		symbol := symbols[s.random.Intn(len(symbols))]
		q, err := s.adapter.GetQuote(ctx, symbol)
		if err != nil {
			observ.Error("scheduler_fetch_failed", err, map[string]any{"symbol": symbol})
			return
		}
		quotes = []model.Quote{q}
	}

	for _, q := range quotes {
		s.store.Put("quote:"+q.Symbol, q, s.cfg.QuoteTTL)
		if err := s.bus.Publish(ctx, q); err != nil {
			observ.Error("scheduler_publish_failed", err, map[string]any{"symbol": q.Symbol})
			continue
		}
		observ.IncCounter("scheduler_published_total", map[string]string{"source": q.Source})
	}
}
