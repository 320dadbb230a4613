package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotestream/internal/bus"
	"quotestream/internal/cache"
	"quotestream/internal/model"
	"quotestream/internal/source"
	"quotestream/internal/synth"
)

// blockingProvider lets a test hold a fetch open to provoke tick overlap.
type blockingProvider struct {
	mu      sync.Mutex
	release chan struct{}
}

func (p *blockingProvider) FetchQuote(ctx context.Context, symbol string) (model.Quote, error) {
	p.mu.Lock()
	release := p.release
	p.mu.Unlock()
	if release != nil {
		<-release
	}
	return model.Quote{
		Symbol: model.NormalizeSymbol(symbol), Last: 510.05, Bid: 510.00, Ask: 510.10,
		Timestamp: time.Now(),
	}, nil
}

func (p *blockingProvider) FetchHistory(ctx context.Context, symbol string) ([]model.HistoricalPoint, error) {
	return nil, nil
}

func newTestScheduler(p source.Provider, mode string) (*Scheduler, *bus.MemoryBus, *cache.Store) {
	gen := synth.New(map[string]float64{"MSFT": 510.05, "SPY": 627.58}, 0.10)
	gen.SetMarketOpenFunc(func() bool { return true })
	store := cache.New()
	adapter := source.New(p, gen, store, []string{"MSFT", "SPY"}, source.Config{
		RetryDelay: time.Millisecond,
	})
	b := bus.NewMemoryBus()
	s := New(adapter, b, store, Config{
		TickInterval: 10 * time.Millisecond,
		QuoteTTL:     time.Minute,
		PublishMode:  mode,
	})
	return s, b, store
}

func TestTickPublishesToBusAndCache(t *testing.T) {
	s, b, store := newTestScheduler(&blockingProvider{}, ModeAll)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)

	s.Tick(ctx)

	received := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case q := <-sub.Quotes():
			received[q.Symbol] = true
		case <-time.After(time.Second):
			t.Fatal("missing published quote")
		}
	}
	assert.True(t, received["MSFT"])
	assert.True(t, received["SPY"])

	v, ok := store.Get("quote:MSFT")
	require.True(t, ok)
	assert.Equal(t, "MSFT", v.(model.Quote).Symbol)
}

func TestSingleModePublishesOneTrackedSymbol(t *testing.T) {
	s, b, _ := newTestScheduler(&blockingProvider{}, ModeSingle)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)

	s.Tick(ctx)

	select {
	case q := <-sub.Quotes():
		assert.Contains(t, []string{"MSFT", "SPY"}, q.Symbol)
	case <-time.After(time.Second):
		t.Fatal("no quote published")
	}
	select {
	case q := <-sub.Quotes():
		t.Fatalf("single mode published more than one quote: %+v", q)
	default:
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	p := &blockingProvider{release: make(chan struct{})}
	s, b, _ := newTestScheduler(p, ModeAll)
	defer b.Close()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		s.Tick(ctx) // blocks on the provider
		close(done)
	}()

	// Give the first tick time to take the in-flight guard.
	require.Eventually(t, func() bool { return s.inFlight.Load() }, time.Second, time.Millisecond)

	s.Tick(ctx) // must return immediately without fetching
	assert.True(t, s.inFlight.Load(), "overlapping tick must not clear the guard")

	close(p.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never completed")
	}
	assert.False(t, s.inFlight.Load())
}
