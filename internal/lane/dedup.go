package lane

import (
	"sync"
	"time"
)

type dedupEntry struct {
	barTime    time.Time
	recordedAt time.Time
}

// DedupCache enforces the idempotency invariant: at most one dispatch
// per (fingerprint, source bar). Entries are pruned once older than
// the TTL so a fingerprint can fire again on a later session.
type DedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]dedupEntry
}

// NewDedupCache creates a cache with the given idempotency TTL.
func NewDedupCache(ttl time.Duration) *DedupCache {
	return &DedupCache{
		ttl:     ttl,
		entries: make(map[string]dedupEntry),
	}
}

// Seen reports whether fingerprint was already dispatched for barTime.
// A recorded entry for a different (newer) bar does not block.
func (c *DedupCache) Seen(fingerprint string, barTime time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	return ok && e.barTime.Equal(barTime)
}

// Record stamps a dispatched fingerprint with its source bar.
func (c *DedupCache) Record(fingerprint string, barTime, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = dedupEntry{barTime: barTime, recordedAt: now}
}

// Prune drops entries recorded more than TTL ago.
func (c *DedupCache) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, e := range c.entries {
		if now.Sub(e.recordedAt) > c.ttl {
			delete(c.entries, fp)
		}
	}
}

// Len reports live entries, for introspection.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
