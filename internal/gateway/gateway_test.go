package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotestream/internal/bus"
	"quotestream/internal/model"
)

// flakyBus fails Subscribe a configurable number of times.
type flakyBus struct {
	mu       sync.Mutex
	failures int
	inner    *bus.MemoryBus
}

func (f *flakyBus) Publish(ctx context.Context, q model.Quote) error {
	return f.inner.Publish(ctx, q)
}

func (f *flakyBus) Subscribe(ctx context.Context) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("bus unreachable")
	}
	return f.inner.Subscribe(ctx)
}

func (f *flakyBus) Ping(ctx context.Context) error { return f.inner.Ping(ctx) }
func (f *flakyBus) Close() error                   { return f.inner.Close() }

type fakeConn struct {
	mu     sync.Mutex
	wrote  []model.Quote
	failAt int // fail writes once len(wrote) reaches failAt; 0 = never
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.wrote) >= c.failAt {
		return errors.New("broken pipe")
	}
	c.wrote = append(c.wrote, v.(model.Quote))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) quotes() []model.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Quote, len(c.wrote))
	copy(out, c.wrote)
	return out
}

func testQuote(symbol string, last float64) model.Quote {
	return model.Quote{Symbol: symbol, Last: last, Bid: last - 0.01, Ask: last + 0.01, Timestamp: time.Now()}
}

func TestReconnectBackoffSequence(t *testing.T) {
	fb := &flakyBus{failures: 3, inner: bus.NewMemoryBus()}
	defer fb.Close()

	g := New(fb, ReconnectPolicy{BaseDelay: 1000 * time.Millisecond, MaxDelay: 30000 * time.Millisecond, MaxAttempts: 10})

	var mu sync.Mutex
	var delays []time.Duration
	g.timer = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		g.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return State(g.state.Load()) == StateConnected
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
	}, delays)
	assert.Equal(t, 0, g.Status().ReconnectAttempts, "attempts reset on success")
}

func TestTerminalFailureThenManualRetry(t *testing.T) {
	// Four straight failures: three consume the attempt budget, the fourth
	// lands on an exhausted policy and parks the gateway in Failed.
	fb := &flakyBus{failures: 4, inner: bus.NewMemoryBus()}
	defer fb.Close()

	g := New(fb, ReconnectPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})
	g.timer = func(d time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	require.Eventually(t, func() bool {
		return State(g.state.Load()) == StateFailed
	}, 2*time.Second, time.Millisecond)

	st := g.Status()
	assert.Equal(t, "failed", st.State)
	assert.NotEmpty(t, st.LastError)

	// Manual retry: bus is healthy now, gateway must come back.
	g.Retry()
	require.Eventually(t, func() bool {
		return State(g.state.Load()) == StateConnected
	}, 2*time.Second, time.Millisecond)
}

func TestFanoutToAllClients(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	g := New(b, ReconnectPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	require.Eventually(t, func() bool {
		return State(g.state.Load()) == StateConnected
	}, 2*time.Second, time.Millisecond)

	c1 := &fakeConn{}
	c2 := &fakeConn{}
	g.AddClient(c1)
	g.AddClient(c2)

	published := []model.Quote{testQuote("MSFT", 510.05), testQuote("NVDA", 172.41)}
	for _, q := range published {
		require.NoError(t, b.Publish(ctx, q))
	}

	for _, c := range []*fakeConn{c1, c2} {
		require.Eventually(t, func() bool { return len(c.quotes()) == 2 }, 2*time.Second, time.Millisecond)
		got := c.quotes()
		assert.Equal(t, "MSFT", got[0].Symbol)
		assert.Equal(t, "NVDA", got[1].Symbol)
	}
}

func TestFailedClientIsRemovedWithoutAffectingOthers(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	g := New(b, ReconnectPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	require.Eventually(t, func() bool {
		return State(g.state.Load()) == StateConnected
	}, 2*time.Second, time.Millisecond)

	bad := &fakeConn{failAt: 1}
	good := &fakeConn{}
	g.AddClient(bad)
	g.AddClient(good)

	require.NoError(t, b.Publish(ctx, testQuote("MSFT", 510.05)))
	require.NoError(t, b.Publish(ctx, testQuote("MSFT", 510.10)))

	require.Eventually(t, func() bool { return len(good.quotes()) == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return g.Status().Clients == 1 }, 2*time.Second, time.Millisecond)

	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	assert.True(t, closed, "failed client connection must be closed")
}

func TestRemoveIsIdempotent(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	g := New(b, ReconnectPolicy{})
	c := &fakeConn{}
	remove := g.AddClient(c)

	remove()
	remove() // second call must be a no-op

	assert.Equal(t, 0, g.Status().Clients)
}
