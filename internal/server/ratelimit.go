package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// rateLimiter is a per-key sliding window counter. Idle keys are swept
// out once per window so the map does not grow with every client address
// ever seen.
type rateLimiter struct {
	mu        sync.Mutex
	requests  map[string][]int64
	lastSweep int64

	max    int
	window time.Duration
	clock  clockwork.Clock
}

func newRateLimiter(max int, window time.Duration, clock clockwork.Clock) *rateLimiter {
	return &rateLimiter{
		requests:  make(map[string][]int64),
		lastSweep: clock.Now().UnixMilli(),
		max:       max,
		window:    window,
		clock:     clock,
	}
}

// Allow records a hit for the key and reports whether it stayed inside
// the window budget.
func (l *rateLimiter) Allow(key string) bool {
	now := l.clock.Now().UnixMilli()
	cutoff := now - l.window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now-l.lastSweep >= l.window.Milliseconds() {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	kept := l.requests[key][:0]
	for _, ts := range l.requests[key] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.requests[key] = kept
		return false
	}
	l.requests[key] = append(kept, now)
	return true
}

// sweep drops every key whose hits all fell out of the window. Caller
// holds the lock.
func (l *rateLimiter) sweep(cutoff int64) {
	for key, hits := range l.requests {
		live := false
		for _, ts := range hits {
			if ts > cutoff {
				live = true
				break
			}
		}
		if !live {
			delete(l.requests, key)
		}
	}
}
