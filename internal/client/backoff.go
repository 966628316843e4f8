package client

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes reconnect delays: exponential growth from Initial
// by Multiplier, capped at Max, spread by a Jitter fraction so a fleet of
// clients does not reconnect in lockstep.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff reaches its 30s cap after roughly eight attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before reconnect attempt n (1-based). It is a pure
// function of the attempt number and the given random source.
func (p BackoffPolicy) Delay(attempt int, rnd *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.Max); base > max {
		base = max
	}

	if p.Jitter > 0 && rnd != nil {
		spread := 1 - p.Jitter + rnd.Float64()*2*p.Jitter
		base *= spread
	}

	delay := time.Duration(base)
	if delay > p.Max {
		delay = p.Max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
