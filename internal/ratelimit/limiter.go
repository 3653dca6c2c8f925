package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepEvery = 3 * time.Minute
	staleAfter = 5 * time.Minute
)

// Limiter throttles WebSocket connect attempts. Keys are caller-defined:
// the hub checks the client IP before the upgrade and the resolved user id
// after authentication, so a scanning host and a reconnect-looping client
// are both bounded. Stale buckets are swept inline on the next Allow after
// the sweep interval; there is no background goroutine to leak.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rps       rate.Limit
	burst     int
	lastSweep time.Time

	denied atomic.Uint64
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing rps connect attempts per second
// per key, with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*bucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reports whether a connect attempt under the given key should be
// permitted, creating a bucket for the key on first sight. Denials are
// counted for the admin surface.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= sweepEvery {
		l.sweepLocked(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if !b.lim.Allow() {
		l.denied.Add(1)
		return false
	}
	return true
}

// Denied reports how many connect attempts have been rejected since the
// limiter was created.
func (l *Limiter) Denied() uint64 {
	return l.denied.Load()
}

func (l *Limiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= staleAfter {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}
