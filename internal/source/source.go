// Package source fetches authoritative market data and degrades to the
// synthetic generator when the upstream provider is unreliable.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"quotestream/internal/cache"
	"quotestream/internal/model"
	"quotestream/internal/observ"
	"quotestream/internal/synth"
)

// Provider is the external market-data collaborator. Implementations fetch
// one symbol at a time; retries and fallback live in the Adapter.
type Provider interface {
	FetchQuote(ctx context.Context, symbol string) (model.Quote, error)
	FetchHistory(ctx context.Context, symbol string) ([]model.HistoricalPoint, error)
}

// Config controls retry and fallback behavior.
type Config struct {
	Disabled              bool          // serve synthetic data only; never contact the provider
	MaxRetries            int           // attempts per fetch
	RetryDelay            time.Duration // linear backoff unit between attempts
	FallbackAfterFailures int           // consecutive exhausted sequences before fallback
	FallbackWindow        time.Duration // max time without a success before fallback
	ProbeInterval         time.Duration // fallback-exit probe cadence
	ProbeSymbol           string
	Timeout               time.Duration // per-attempt fetch deadline
	CombinedTTL           time.Duration // TTL for cached quote+history entries
	HistoryPoints         int
}

// Status is the read-only adapter state exposed for diagnostics.
type Status struct {
	FallbackMode        bool
	ConsecutiveFailures int
	LastSuccessfulFetch time.Time // zero when never
}

// Adapter wraps a Provider with bounded retries and a fallback state machine:
// Normal -> Fallback after FallbackAfterFailures exhausted retry sequences or
// FallbackWindow without a success; a background probe exits Fallback.
type Adapter struct {
	provider  Provider
	generator *synth.Generator
	store     *cache.Store
	cfg       Config
	symbols   []string

	fallbackMode        atomic.Bool
	consecutiveFailures atomic.Int64

	mu          sync.RWMutex
	lastSuccess time.Time
	startedAt   time.Time

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(provider Provider, generator *synth.Generator, store *cache.Store, symbols []string, cfg Config) *Adapter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.FallbackAfterFailures <= 0 {
		cfg.FallbackAfterFailures = 3
	}
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = 10 * time.Minute
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Minute
	}
	if cfg.ProbeSymbol == "" {
		cfg.ProbeSymbol = "MSFT"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CombinedTTL <= 0 {
		cfg.CombinedTTL = 5 * time.Minute
	}
	if cfg.HistoryPoints <= 0 {
		cfg.HistoryPoints = synth.DefaultHistoryPoints
	}
	a := &Adapter{
		provider:  provider,
		generator: generator,
		store:     store,
		cfg:       cfg,
		symbols:   symbols,
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	a.startedAt = a.now()
	if cfg.Disabled {
		a.fallbackMode.Store(true)
	}
	return a
}

// GetQuote returns the current quote for symbol, live when the provider is
// healthy, synthetic otherwise. It never fails: the generator can serve any
// symbol.
func (a *Adapter) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = model.NormalizeSymbol(symbol)
	if a.inFallback() {
		observ.IncCounter("source_quotes_total", map[string]string{"source": "fallback"})
		return a.generator.NextQuote(symbol), nil
	}

	quote, err := fetchWithRetry(ctx, a, func(ctx context.Context) (model.Quote, error) {
		return a.provider.FetchQuote(ctx, symbol)
	})
	if err != nil {
		a.recordFailure(symbol, err)
		observ.IncCounter("source_quotes_total", map[string]string{"source": "fallback"})
		return a.generator.NextQuote(symbol), nil
	}

	quote.Source = "live"
	if err := quote.Validate(); err != nil {
		// A malformed response is not a success: leaving the failure
		// counter and lastSuccess untouched keeps the fallback window
		// honest.
		observ.Warn("source_quote_rejected", map[string]any{"symbol": symbol, "reason": err.Error()})
		observ.IncCounter("source_quotes_total", map[string]string{"source": "fallback"})
		return a.generator.NextQuote(symbol), nil
	}

	a.recordSuccess()
	observ.IncCounter("source_quotes_total", map[string]string{"source": "live"})
	return quote, nil
}

// GetHistory returns the recent historical series for symbol.
func (a *Adapter) GetHistory(ctx context.Context, symbol string) ([]model.HistoricalPoint, error) {
	symbol = model.NormalizeSymbol(symbol)
	if a.inFallback() {
		return a.generator.NextHistory(symbol, a.cfg.HistoryPoints), nil
	}

	history, err := fetchWithRetry(ctx, a, func(ctx context.Context) ([]model.HistoricalPoint, error) {
		return a.provider.FetchHistory(ctx, symbol)
	})
	if err != nil {
		a.recordFailure(symbol, err)
		return a.generator.NextHistory(symbol, a.cfg.HistoryPoints), nil
	}
	if len(history) == 0 {
		return a.generator.NextHistory(symbol, a.cfg.HistoryPoints), nil
	}

	a.recordSuccess()
	return history, nil
}

// GetQuoteWithHistory combines the current quote and history, consulting the
// cache first. A non-expired combined entry short-circuits both sub-fetches;
// fresh results are written back with their own TTL.
func (a *Adapter) GetQuoteWithHistory(ctx context.Context, symbol string) (model.QuoteWithHistory, error) {
	symbol = model.NormalizeSymbol(symbol)
	key := "combined:" + symbol

	if v, ok := a.store.Get(key); ok {
		if combined, ok := v.(model.QuoteWithHistory); ok {
			return combined, nil
		}
	}

	quote, err := a.GetQuote(ctx, symbol)
	if err != nil {
		return model.QuoteWithHistory{}, err
	}
	history, err := a.GetHistory(ctx, symbol)
	if err != nil {
		return model.QuoteWithHistory{}, err
	}

	combined := model.QuoteWithHistory{Current: quote, History: history}
	a.store.Put(key, combined, a.cfg.CombinedTTL)
	return combined, nil
}

// GetAllQuotes fetches every tracked symbol. Partial success is success: a
// failed symbol is skipped, never aborting the batch.
func (a *Adapter) GetAllQuotes(ctx context.Context) []model.Quote {
	quotes := make([]model.Quote, 0, len(a.symbols))
	for _, symbol := range a.symbols {
		quote, err := a.GetQuote(ctx, symbol)
		if err != nil {
			observ.Error("source_batch_skip", err, map[string]any{"symbol": symbol})
			continue
		}
		quotes = append(quotes, quote)
	}
	return quotes
}

// Symbols returns the tracked symbol set.
func (a *Adapter) Symbols() []string {
	out := make([]string, len(a.symbols))
	copy(out, a.symbols)
	return out
}

// Status reports the adapter state for the status endpoint.
func (a *Adapter) Status() Status {
	a.mu.RLock()
	last := a.lastSuccess
	a.mu.RUnlock()
	return Status{
		FallbackMode:        a.fallbackMode.Load(),
		ConsecutiveFailures: int(a.consecutiveFailures.Load()),
		LastSuccessfulFetch: last,
	}
}

// ForceFallback switches the adapter into fallback mode without waiting for
// failures to accumulate. Used for operational drills and tests.
func (a *Adapter) ForceFallback() {
	if a.fallbackMode.CompareAndSwap(false, true) {
		observ.Warn("source_fallback_forced", nil)
		observ.SetGauge("source_fallback_mode", 1, nil)
	}
}

// RunProbe drives the fallback-exit probe until ctx is cancelled. While in
// fallback it attempts one real fetch per interval, bypassing the fallback
// gate; a success restores normal operation. A disabled adapter has nothing
// to recover to, so the loop does not start.
func (a *Adapter) RunProbe(ctx context.Context) {
	if a.cfg.Disabled {
		return
	}
	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Probe(ctx)
		}
	}
}

// Probe attempts a single direct fetch when in fallback mode. Exposed so
// operators (and tests) can force a recovery check. Never exits fallback on
// a disabled adapter.
func (a *Adapter) Probe(ctx context.Context) bool {
	if a.cfg.Disabled || !a.fallbackMode.Load() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	_, err := a.provider.FetchQuote(probeCtx, a.cfg.ProbeSymbol)
	cancel()
	if err != nil {
		observ.Log("source_probe_failed", map[string]any{"error": err.Error()})
		return false
	}
	a.recordSuccess()
	observ.Log("source_probe_recovered", nil)
	return true
}

func (a *Adapter) inFallback() bool {
	return a.cfg.Disabled || a.fallbackMode.Load() ||
		a.consecutiveFailures.Load() >= int64(a.cfg.FallbackAfterFailures)
}

func (a *Adapter) recordSuccess() {
	a.consecutiveFailures.Store(0)
	if a.fallbackMode.CompareAndSwap(true, false) {
		observ.Log("source_fallback_exit", nil)
		observ.SetGauge("source_fallback_mode", 0, nil)
	}
	a.mu.Lock()
	a.lastSuccess = a.now()
	a.mu.Unlock()
}

func (a *Adapter) recordFailure(symbol string, err error) {
	failures := a.consecutiveFailures.Add(1)
	observ.Error("source_fetch_failed", err, map[string]any{
		"symbol":               symbol,
		"consecutive_failures": failures,
	})

	a.mu.RLock()
	last := a.lastSuccess
	if last.IsZero() {
		last = a.startedAt
	}
	a.mu.RUnlock()

	windowExceeded := a.now().Sub(last) > a.cfg.FallbackWindow
	if failures >= int64(a.cfg.FallbackAfterFailures) || windowExceeded {
		if a.fallbackMode.CompareAndSwap(false, true) {
			observ.Warn("source_fallback_enter", map[string]any{
				"consecutive_failures": failures,
				"window_exceeded":      windowExceeded,
			})
			observ.SetGauge("source_fallback_mode", 1, nil)
		}
	}
}

// fetchWithRetry runs fn up to MaxRetries times with linear backoff
// (delay, 2*delay, ...) between attempts. Each attempt gets its own deadline.
func fetchWithRetry[T any](ctx context.Context, a *Adapter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt < a.cfg.MaxRetries {
			if err := a.sleep(ctx, time.Duration(attempt)*a.cfg.RetryDelay); err != nil {
				return zero, err
			}
		}
	}
	return zero, model.NewSourceUnavailableError("", fmt.Sprintf("%d attempts exhausted", a.cfg.MaxRetries), lastErr)
}
