package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/redis/go-redis/v9"

	"github.com/0Andriy/livemap/internal/metrics"
)

// Redis is the distributed Adapter. Room membership lives in sets and
// distinct-connection counts in a per-namespace refcount hash, so every
// instance reads fleet-wide numbers.
//
// Reads are guarded by a circuit breaker. On soft failures (network errors,
// timeouts, open circuit) count reads return the most recent successfully
// read value and log the degradation; hard failures propagate to the caller.
type Redis struct {
	rdb *redis.Client
	cb  circuitbreaker.CircuitBreaker[any]

	mu         sync.RWMutex
	lastCounts map[string]int64
}

var _ Adapter = (*Redis)(nil)

func NewRedis(rdb *redis.Client) *Redis {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "state_adapter",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("state_adapter", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("state_adapter").Set(breakerStateValue(e.NewState))
		}).
		Build()

	return &Redis{
		rdb:        rdb,
		cb:         cb,
		lastCounts: make(map[string]int64),
	}
}

func breakerStateValue(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func roomKey(namespace, room string) string {
	return "state:ns:" + namespace + ":room:" + room
}

func refsKey(namespace string) string {
	return "state:ns:" + namespace + ":conns"
}

func (r *Redis) AddMember(ctx context.Context, namespace, room, connID string) error {
	added, err := r.rdb.SAdd(ctx, roomKey(namespace, room), connID).Result()
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	if added == 0 {
		return nil // duplicate add is a no-op
	}
	if err := r.rdb.HIncrBy(ctx, refsKey(namespace), connID, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment member refcount: %w", err)
	}
	return nil
}

func (r *Redis) RemoveMember(ctx context.Context, namespace, room, connID string) error {
	removed, err := r.rdb.SRem(ctx, roomKey(namespace, room), connID).Result()
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if removed == 0 {
		return nil
	}
	remaining, err := r.rdb.HIncrBy(ctx, refsKey(namespace), connID, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement member refcount: %w", err)
	}
	if remaining <= 0 {
		if err := r.rdb.HDel(ctx, refsKey(namespace), connID).Err(); err != nil {
			return fmt.Errorf("failed to drop member refcount: %w", err)
		}
	}
	return nil
}

func (r *Redis) ListMembers(ctx context.Context, namespace, room string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, roomKey(namespace, room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

func (r *Redis) CountMembers(ctx context.Context, namespace, room string) (int64, error) {
	key := roomKey(namespace, room)
	return r.guardedCount(key, func() (int64, error) {
		return r.rdb.SCard(ctx, key).Result()
	})
}

func (r *Redis) CountInNamespace(ctx context.Context, namespace string) (int64, error) {
	key := refsKey(namespace)
	return r.guardedCount(key, func() (int64, error) {
		return r.rdb.HLen(ctx, key).Result()
	})
}

// Clear removes all membership keys. Test harness use only.
func (r *Redis) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, "state:ns:*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan state keys: %w", err)
		}
		if len(keys) > 0 {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete state keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// guardedCount runs a count read through the circuit breaker. Successful
// values are cached per key; soft failures serve the cached value.
func (r *Redis) guardedCount(key string, read func() (int64, error)) (int64, error) {
	if !r.cb.TryAcquirePermit() {
		return r.fallbackCount(key, circuitbreaker.ErrOpen)
	}

	value, err := read()
	if err != nil {
		r.cb.RecordError(err)
		if isSoftFailure(err) {
			return r.fallbackCount(key, err)
		}
		return 0, fmt.Errorf("membership count failed: %w", err)
	}
	r.cb.RecordSuccess()

	r.mu.Lock()
	r.lastCounts[key] = value
	r.mu.Unlock()
	return value, nil
}

func (r *Redis) fallbackCount(key string, cause error) (int64, error) {
	r.mu.RLock()
	cached, ok := r.lastCounts[key]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("membership count unavailable and no cached value: %w", cause)
	}

	slog.Warn("State adapter degraded, serving cached membership count",
		"key", key,
		"cached", cached,
		"error", cause,
	)
	metrics.StateFallbacks.Inc()
	return cached, nil
}

// isSoftFailure reports whether an error is a transient connectivity problem
// rather than a hard failure such as a permission error.
func isSoftFailure(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
