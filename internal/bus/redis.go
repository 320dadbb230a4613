package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quotestream/internal/model"
	"quotestream/internal/observ"
)

// RedisBus implements Bus over redis pub/sub. Publish additionally stores the
// latest quote under quote:<SYMBOL> with the quote TTL so REST lookups on
// other processes see current state after a streaming gap.
type RedisBus struct {
	client   *redis.Client
	channel  string
	quoteTTL time.Duration
}

func NewRedisBus(url, channel string, quoteTTL time.Duration) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if channel == "" {
		channel = "quotes"
	}
	if quoteTTL <= 0 {
		quoteTTL = 60 * time.Second
	}
	return &RedisBus{
		client:   redis.NewClient(opts),
		channel:  channel,
		quoteTTL: quoteTTL,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, q model.Quote) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	key := "quote:" + q.Symbol
	if err := b.client.Set(ctx, key, payload, b.quoteTTL).Err(); err != nil {
		return model.NewBusDisconnectedError("set latest quote", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return model.NewBusDisconnectedError("publish quote", err)
	}
	observ.IncCounter("bus_published_total", nil)
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Force the subscribe round-trip so connection failures surface here,
	// where the gateway's reconnect loop can see them.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, model.NewBusDisconnectedError("subscribe", err)
	}

	sub := &redisSub{pubsub: pubsub, ch: make(chan model.Quote, subscriberBuffer)}
	go sub.pump()
	return sub, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return model.NewBusDisconnectedError("ping", err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

// GetLatest returns the cached quote:<SYMBOL> entry, if present.
func (b *RedisBus) GetLatest(ctx context.Context, symbol string) (model.Quote, bool) {
	raw, err := b.client.Get(ctx, "quote:"+model.NormalizeSymbol(symbol)).Bytes()
	if err != nil {
		return model.Quote{}, false
	}
	var q model.Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return model.Quote{}, false
	}
	return q, true
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan model.Quote
	once   sync.Once
}

func (s *redisSub) Quotes() <-chan model.Quote { return s.ch }

// pump converts redis messages to quotes. The channel closes when the
// underlying pubsub is closed or its connection drops for good, which the
// gateway treats as a disconnect.
func (s *redisSub) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var q model.Quote
		if err := json.Unmarshal([]byte(msg.Payload), &q); err != nil {
			observ.Error("bus_decode_failed", err, nil)
			continue
		}
		select {
		case s.ch <- q:
		default:
			observ.IncCounter("bus_dropped_total", nil)
		}
	}
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}
