package ratelimit

import (
	"sync"
	"time"
)

// Bucket entries for keys that have been idle this long are dropped on the
// next sweep, so the map does not grow with every team that ever connected.
const idleExpiry = 30 * time.Minute

// sweepEvery bounds how often Allow scans the map for idle entries.
const sweepEvery = 4096

// bucket tracks the token state for a single key.
type bucket struct {
	tokens   float64
	rate     int
	touched  time.Time
	lastSeen time.Time
}

// Limiter is a token-bucket rate limiter keyed by arbitrary string
// identifiers, typically team IDs or team+group composites.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	ops         int
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// Allow checks whether a request identified by key is permitted. If customRate
// is positive it overrides the default rate for this key. Returns true and
// consumes one token when allowed, false when the limit is exceeded.
func (l *Limiter) Allow(key string, customRate int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.sync(key, customRate)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Status returns the current rate-limit state for key without consuming a
// token. limit is the bucket capacity, remaining is the whole tokens left,
// and resetAt is when the bucket will be fully replenished.
func (l *Limiter) Status(key string, customRate int) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.sync(key, customRate)

	limit = b.rate
	remaining = int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}

	deficit := float64(b.rate) - b.tokens
	if deficit <= 0 {
		resetAt = l.now()
		return
	}
	perSecond := float64(b.rate) / l.window.Seconds()
	resetAt = l.now().Add(time.Duration(deficit / perSecond * float64(time.Second)))
	return
}

// sync returns the up-to-date bucket for key: created full if absent,
// re-rated if the caller's rate changed, and refilled for elapsed time.
// Must be called with l.mu held.
func (l *Limiter) sync(key string, customRate int) *bucket {
	rate := l.defaultRate
	if customRate > 0 {
		rate = customRate
	}

	now := l.now()
	l.ops++
	if l.ops >= sweepEvery {
		l.ops = 0
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), rate: rate, touched: now}
		l.buckets[key] = b
	}
	b.rate = rate
	b.lastSeen = now

	if elapsed := now.Sub(b.touched).Seconds(); elapsed > 0 {
		b.tokens += elapsed * float64(rate) / l.window.Seconds()
		if b.tokens > float64(rate) {
			b.tokens = float64(rate)
		}
		b.touched = now
	}
	return b
}

// sweep drops buckets that have not been used within idleExpiry. An expired
// bucket would refill to capacity anyway, so dropping it is lossless.
// Must be called with l.mu held.
func (l *Limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleExpiry {
			delete(l.buckets, key)
		}
	}
}
