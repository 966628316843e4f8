package httpserver

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LimitReason identifies which admission limit rejected a connection.
type LimitReason string

const (
	LimitNone     LimitReason = ""
	LimitGlobal   LimitReason = "global_limit"
	LimitPerIP    LimitReason = "per_ip_limit"
	LimitRate     LimitReason = "rate_limit"
	limiterMaxAge             = 10 * time.Minute
	cleanupEvery              = 5 * time.Minute
)

// ConnectionLimits combines the three admission limits applied before a
// WebSocket upgrade: a global per-instance cap, a per-IP cap and a per-IP
// token bucket for connection churn.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rate   *rateLimiter
}

func NewConnectionLimits(maxGlobal int64, maxPerIP int, ratePerIP float64, burstPerIP int) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: maxGlobal},
		perIP:  newIPLimiter(maxPerIP),
		rate:   newRateLimiter(ratePerIP, burstPerIP),
	}
}

// Acquire reserves a slot for the given IP. On rejection it returns the
// limit that fired and leaves no partial reservation behind.
func (l *ConnectionLimits) Acquire(ip string) LimitReason {
	if !l.rate.allow(ip) {
		return LimitRate
	}
	if !l.global.acquire() {
		return LimitGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return LimitPerIP
	}
	return LimitNone
}

// Release frees the slot reserved by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

func (l *ConnectionLimits) Current() int64 { return l.global.current.Load() }

func (l *ConnectionLimits) UniqueIPs() int { return l.perIP.uniqueIPs() }

// CapacityPct returns global capacity utilization from 0 to 100.
func (l *ConnectionLimits) CapacityPct() float64 {
	if l.global.max == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.global.max) * 100
}

// globalLimiter caps total concurrent connections with lock-free counting.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (g *globalLimiter) acquire() bool {
	for {
		current := g.current.Load()
		if current >= g.max {
			return false
		}
		if g.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (g *globalLimiter) release() {
	g.current.Add(-1)
}

// ipLimiter caps concurrent connections per remote IP.
type ipLimiter struct {
	mu     sync.RWMutex
	ips    map[string]int
	maxPer int
}

func newIPLimiter(maxPer int) *ipLimiter {
	return &ipLimiter{ips: make(map[string]int), maxPer: maxPer}
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

func (l *ipLimiter) uniqueIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ips)
}

// rateLimiter throttles new connections per IP with a token bucket.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(perSecond),
		burst:     burst,
		cleanupAt: time.Now().Add(cleanupEvery),
	}
}

func (l *rateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Now().After(l.cleanupAt) {
		cutoff := time.Now().Add(-limiterMaxAge)
		for ip, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.cleanupAt = time.Now().Add(cleanupEvery)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}
