// Package security holds gateway-side abuse protections that sit in front of
// unauthenticated surfaces, currently the pairing-request rate limit.
package security

import (
	"sync"
	"time"
)

// SlidingWindowLimiter bounds how often a key (a peer IP) may perform an
// action inside a rolling window. Timestamps are kept per key and pruned as
// they age out, so a burst followed by silence frees its memory.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration

	// now is swapped out in tests for deterministic clocks.
	now func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewSlidingWindowLimiter allows up to limit events per key per window.
// A limit of zero or less disables the limiter.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Allow records an attempt for key and reports whether it is within the
// limit. Rejected attempts are not recorded: a client hammering the gateway
// regains access one window after its last accepted attempt, not its last try.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.history[key], cutoff)
	if len(recent) >= l.limit {
		l.history[key] = recent
		return false
	}
	l.history[key] = append(recent, now)
	return true
}

// Remaining reports how many attempts key has left in the current window.
func (l *SlidingWindowLimiter) Remaining(key string) int {
	if l.limit <= 0 {
		return 1
	}
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.history[key], cutoff)
	if len(recent) == 0 {
		// Fully aged out; drop the key so idle peers cost nothing.
		delete(l.history, key)
	} else {
		l.history[key] = recent
	}
	if left := l.limit - len(recent); left > 0 {
		return left
	}
	return 0
}

// pruneBefore drops timestamps at or before cutoff, reusing the backing array.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
