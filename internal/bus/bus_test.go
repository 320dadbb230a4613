package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotestream/internal/model"
)

func quoteFor(symbol string, last float64) model.Quote {
	return model.Quote{Symbol: symbol, Last: last, Bid: last - 0.01, Ask: last + 0.01, Timestamp: time.Now()}
}

func TestPublishReachesAllSubscribersExactlyOnce(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	const n = 5
	subs := make([]Subscription, n)
	for i := range subs {
		s, err := b.Subscribe(ctx)
		require.NoError(t, err)
		subs[i] = s
	}

	published := []model.Quote{
		quoteFor("MSFT", 510.05),
		quoteFor("MSFT", 510.20),
		quoteFor("NVDA", 172.41),
	}
	for _, q := range published {
		require.NoError(t, b.Publish(ctx, q))
	}

	for i, s := range subs {
		for j, want := range published {
			select {
			case got := <-s.Quotes():
				assert.Equal(t, want.Symbol, got.Symbol, "subscriber %d message %d", i, j)
				assert.Equal(t, want.Last, got.Last, "subscriber %d message %d out of order", i, j)
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d never received message %d", i, j)
			}
		}
		// Exactly once: nothing further is pending.
		select {
		case q := <-s.Quotes():
			t.Fatalf("subscriber %d received duplicate %+v", i, q)
		default:
		}
	}
}

func TestClosedSubscriberMissesPublishes(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close()) // idempotent

	require.NoError(t, b.Publish(ctx, quoteFor("SPY", 627.58)))

	select {
	case got := <-s2.Quotes():
		assert.Equal(t, "SPY", got.Symbol)
	case <-time.After(time.Second):
		t.Fatal("active subscriber missed publish")
	}

	// No replay for the closed subscriber: its channel is closed and empty.
	q, open := <-s1.Quotes()
	assert.False(t, open)
	assert.Zero(t, q.Symbol)
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), quoteFor("MSFT", 510.05))
	require.Error(t, err)

	var qe *model.QuoteError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "bus_disconnected", qe.Type)
}

func TestPingReflectsLifecycle(t *testing.T) {
	b := NewMemoryBus()
	assert.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	assert.Error(t, b.Ping(context.Background()))
}
