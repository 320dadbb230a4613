// Package gateway fans quotes out from the broadcast bus to long-lived
// client connections. It owns exactly one bus subscription and reconnects
// with exponential backoff when that subscription drops.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"quotestream/internal/bus"
	"quotestream/internal/model"
	"quotestream/internal/observ"
)

const clientBuffer = 64

// Conn is the downstream client transport. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Status is a snapshot of the gateway's bus link for diagnostics.
type Status struct {
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	LastError         string `json:"lastError,omitempty"`
	Clients           int    `json:"clients"`
}

type Gateway struct {
	bus    bus.Bus
	policy ReconnectPolicy

	state    atomic.Int32
	attempts atomic.Int32

	mu        sync.Mutex
	lastError string
	clients   map[*client]struct{}

	retryCh chan struct{}

	// timer is swapped out by tests to observe backoff delays.
	timer func(d time.Duration) <-chan time.Time
}

type client struct {
	conn Conn
	send chan model.Quote
	once sync.Once
}

func New(b bus.Bus, policy ReconnectPolicy) *Gateway {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 10
	}
	return &Gateway{
		bus:     b,
		policy:  policy,
		clients: make(map[*client]struct{}),
		retryCh: make(chan struct{}, 1),
		timer:   func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// Run maintains the bus subscription until ctx is cancelled:
// Disconnected -> Connecting -> Connected -> Disconnected on close/error,
// with backoff between attempts and a terminal Failed state once the
// attempt budget is spent.
func (g *Gateway) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		g.setState(StateConnecting)
		sub, err := g.bus.Subscribe(ctx)
		if err != nil {
			if !g.backoff(ctx, err) {
				return
			}
			continue
		}

		g.setState(StateConnected)
		g.attempts.Store(0)
		observ.Log("gateway_bus_connected", nil)

		g.forward(ctx, sub)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		observ.Warn("gateway_bus_disconnected", nil)
		if !g.backoff(ctx, model.NewBusDisconnectedError("subscription closed", nil)) {
			return
		}
	}
}

// forward pumps bus quotes to every connected client until the subscription
// channel closes or ctx is cancelled.
func (g *Gateway) forward(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-sub.Quotes():
			if !ok {
				return
			}
			g.broadcast(q)
		}
	}
}

// backoff waits before the next reconnect attempt. Returns false when the
// run loop should stop (ctx cancelled) and blocks in Failed state until a
// manual Retry once attempts are exhausted.
func (g *Gateway) backoff(ctx context.Context, cause error) bool {
	g.setState(StateDisconnected)
	g.setLastError(cause)

	attempts := int(g.attempts.Load())
	if g.policy.Exhausted(attempts) {
		g.setState(StateFailed)
		observ.Error("gateway_reconnect_exhausted", cause, map[string]any{"attempts": attempts})
		select {
		case <-ctx.Done():
			return false
		case <-g.retryCh:
			g.attempts.Store(0)
			return true
		}
	}

	delay := g.policy.Delay(attempts)
	g.attempts.Add(1)
	observ.Log("gateway_reconnect_scheduled", map[string]any{
		"attempt":  attempts + 1,
		"delay_ms": delay.Milliseconds(),
	})

	select {
	case <-ctx.Done():
		return false
	case <-g.timer(delay):
		return true
	}
}

// Retry restarts a terminally-failed gateway. No-op in any other state.
func (g *Gateway) Retry() {
	if State(g.state.Load()) != StateFailed {
		return
	}
	select {
	case g.retryCh <- struct{}{}:
	default:
	}
}

// AddClient registers a downstream connection and starts its write pump.
// The returned remove function is idempotent and safe to call from both the
// read loop and error paths.
func (g *Gateway) AddClient(conn Conn) (remove func()) {
	c := &client{conn: conn, send: make(chan model.Quote, clientBuffer)}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	count := len(g.clients)
	g.mu.Unlock()
	observ.SetGauge("gateway_clients", float64(count), nil)

	go g.writePump(c)
	return func() { g.removeClient(c) }
}

func (g *Gateway) writePump(c *client) {
	for q := range c.send {
		if err := c.conn.WriteJSON(q); err != nil {
			observ.Error("gateway_client_write_failed", model.NewClientTransportError("write", err), nil)
			g.removeClient(c)
			return
		}
	}
}

func (g *Gateway) removeClient(c *client) {
	c.once.Do(func() {
		// close(c.send) happens under g.mu so broadcast never sends on a
		// closed channel.
		g.mu.Lock()
		delete(g.clients, c)
		close(c.send)
		count := len(g.clients)
		g.mu.Unlock()
		_ = c.conn.Close()
		observ.SetGauge("gateway_clients", float64(count), nil)
	})
}

// broadcast sends q to every client. A client whose buffer is full misses
// the quote; only a failed write removes it.
func (g *Gateway) broadcast(q model.Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		select {
		case c.send <- q:
		default:
			observ.IncCounter("gateway_client_dropped_total", nil)
		}
	}
}

func (g *Gateway) Status() Status {
	g.mu.Lock()
	lastErr := g.lastError
	count := len(g.clients)
	g.mu.Unlock()
	return Status{
		State:             State(g.state.Load()).String(),
		ReconnectAttempts: int(g.attempts.Load()),
		LastError:         lastErr,
		Clients:           count,
	}
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
}

func (g *Gateway) setLastError(err error) {
	g.mu.Lock()
	g.lastError = err.Error()
	g.mu.Unlock()
}
