package atp

import (
	"sync"
	"time"
)

// ReplayCache is the anti-replay nonce cache (spec.md §4.2): a
// time-bounded set of seen nonces. A nonce seen twice within the window
// fails the frame with EREPLAY; nonces older than the window are evicted
// lazily on Check, since an exact replay of a nonce already evicted
// is assumed impossible within the protocol's TTL-bounded frame lifetime.
type ReplayCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewReplayCache creates a cache that remembers nonces for window.
func NewReplayCache(window time.Duration) *ReplayCache {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &ReplayCache{window: window, seen: map[string]time.Time{}}
}

// Check records nonce if unseen within the window, returning true. Returns
// false (EREPLAY territory) if nonce was already recorded and has not yet
// expired.
func (c *ReplayCache) Check(nonce string, now time.Time) bool {
	if nonce == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.seen[nonce]; ok && now.Sub(t) < c.window {
		return false
	}
	c.seen[nonce] = now
	c.sweepLocked(now)
	return true
}

// sweepLocked evicts expired entries. Called opportunistically from Check
// rather than on a separate timer, since the cache is per-session and
// bounded by session lifetime.
func (c *ReplayCache) sweepLocked(now time.Time) {
	for n, t := range c.seen {
		if now.Sub(t) >= c.window {
			delete(c.seen, n)
		}
	}
}

// Size reports the number of tracked nonces, for tests and diagnostics.
func (c *ReplayCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
