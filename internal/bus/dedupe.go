package bus

import (
	"sync"
	"time"
)

// DedupeCache suppresses duplicate inbound messages caused by webhook
// retries or double-taps. Entries expire after ttl; the cache is capped
// at maxEntries with oldest-first eviction.
type DedupeCache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	order      []string
	ttl        time.Duration
	maxEntries int
}

func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &DedupeCache{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// IsDuplicate reports whether key was seen within the TTL, and records it.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	c.seen[key] = now
	c.order = append(c.order, key)

	for len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return false
}
