// Package bus decouples the ingestion scheduler from any number of gateway
// consumers. Every published quote reaches every active subscriber exactly
// once, in publish order; there is no buffering or replay across a
// subscriber's disconnect window.
package bus

import (
	"context"
	"sync"

	"quotestream/internal/model"
	"quotestream/internal/observ"
)

// Bus is the publish side plus subscription management.
type Bus interface {
	Publish(ctx context.Context, q model.Quote) error
	Subscribe(ctx context.Context) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers published quotes until closed.
type Subscription interface {
	Quotes() <-chan model.Quote
	Close() error
}

const subscriberBuffer = 256

// MemoryBus is the in-process implementation, used by tests and
// single-process deployments.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan model.Quote
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan model.Quote)}
}

// Publish delivers q to every current subscriber in order. A subscriber
// whose buffer is full misses the quote (at-most-once delivery).
func (b *MemoryBus) Publish(_ context.Context, q model.Quote) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return model.NewBusDisconnectedError("bus closed", nil)
	}
	for _, ch := range b.subs {
		select {
		case ch <- q:
		default:
			observ.IncCounter("bus_dropped_total", nil)
		}
	}
	observ.IncCounter("bus_published_total", nil)
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, model.NewBusDisconnectedError("bus closed", nil)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan model.Quote, subscriberBuffer)
	b.subs[id] = ch
	observ.SetGauge("bus_subscribers", float64(len(b.subs)), nil)
	return &memorySub{bus: b, id: id, ch: ch}, nil
}

func (b *MemoryBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return model.NewBusDisconnectedError("bus closed", nil)
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}

type memorySub struct {
	bus  *MemoryBus
	id   int
	ch   chan model.Quote
	once sync.Once
}

func (s *memorySub) Quotes() <-chan model.Quote { return s.ch }

// Close is idempotent; delivery to this subscriber stops immediately.
func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
		observ.SetGauge("bus_subscribers", float64(len(s.bus.subs)), nil)
		s.bus.mu.Unlock()
	})
	return nil
}
