package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0Andriy/livemap/internal/metrics"
	"github.com/0Andriy/livemap/internal/platform/retry"
)

// Redis is the distributed Broker backed by Redis PUBLISH/PSUBSCRIBE. Every
// subscribed instance receives every matching message, including the one
// that published it.
type Redis struct {
	rdb *redis.Client

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

var _ Broker = (*Redis)(nil)

var publishRetryPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{
		rdb:  rdb,
		subs: make(map[string]*redisSubscription),
	}
}

// Publish sends a message, retrying transient transport errors. A final
// failure propagates to the caller: silent message loss is worse than an
// explicit error.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	err := retry.DoVoid(ctx, publishRetryPolicy, classifyPublishError, func() error {
		return r.rdb.Publish(ctx, topic, payload).Err()
	})
	if err != nil {
		metrics.BrokerPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	metrics.BrokerPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errBrokerClosed
	}
	if existing, ok := r.subs[pattern]; ok {
		existing.cancel()
		_ = existing.pubsub.Close()
	}

	pubsub := r.rdb.PSubscribe(ctx, pattern)
	// Wait for the subscription to be confirmed so callers never miss
	// messages published right after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	r.subs[pattern] = &redisSubscription{pubsub: pubsub, cancel: cancel}

	go pump(pumpCtx, pubsub, handler)
	return nil
}

func (r *Redis) Unsubscribe(_ context.Context, pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[pattern]
	if !ok {
		return nil
	}
	delete(r.subs, pattern)
	sub.cancel()
	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", pattern, err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	for pattern, sub := range r.subs {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil {
			slog.Warn("Failed to close broker subscription", "pattern", pattern, "error", err)
		}
	}
	r.subs = make(map[string]*redisSubscription)
	return nil
}

func pump(ctx context.Context, pubsub *redis.PubSub, handler Handler) {
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handler(msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func classifyPublishError(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Retry
	}
	return retry.Stop
}
