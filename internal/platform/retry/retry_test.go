package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	calls := 0

	val, err := Do(context.Background(), p, func(error) Action { return Retry }, func() (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	calls := 0

	val, err := Do(context.Background(), p, func(error) Action { return Retry }, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	permanent := errors.New("permission denied")
	calls := 0

	_, err := Do(context.Background(), p, func(error) Action { return Stop }, func() (int, error) {
		calls++
		return 0, permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.ErrorIs(t, err, permanent)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	cause := errors.New("still failing")
	calls := 0

	_, err := Do(context.Background(), p, func(error) Action { return Retry }, func() (int, error) {
		calls++
		return 0, cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, cause)
}

func TestDo_ContextCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, p, func(error) Action { return Retry }, func() (int, error) {
		return 0, errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_BackoffCappedAtMax(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	var observed []time.Duration
	p.OnRetry = func(_ int, _ error, backoff time.Duration) {
		observed = append(observed, backoff)
	}

	_ = DoVoid(context.Background(), p, func(error) Action { return Retry }, func() error {
		return errors.New("transient")
	})

	require.Len(t, observed, 4)
	for _, b := range observed {
		assert.LessOrEqual(t, b, 2*time.Millisecond)
	}
}
