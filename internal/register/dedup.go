package register

import (
	"sync"
	"time"

	"github.com/relaykit/relaykit/internal/register/event"
)

// dedupCache remembers the Ack for every event ID confirmed inside the
// retention window, so an idempotent re-publish returns the prior Ack
// instead of enqueuing again. The TTL is constant, which makes insertion
// order equal expiry order; a plain FIFO is enough, no heap needed.
type dedupCache struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int

	entries map[string]dedupEntry
	order   []string

	now func() time.Time
}

type dedupEntry struct {
	ack      event.Ack
	storedAt time.Time
}

func newDedupCache(window time.Duration, capacity int) *dedupCache {
	return &dedupCache{
		window:   window,
		capacity: capacity,
		entries:  make(map[string]dedupEntry, capacity),
		now:      time.Now,
	}
}

// get returns the remembered Ack for id when it is still inside the window.
func (c *dedupCache) get(id string) (event.Ack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpired()
	e, ok := c.entries[id]
	if !ok {
		return event.Ack{}, false
	}
	return e.ack, true
}

// put remembers the Ack for id. At capacity the oldest entry goes first.
func (c *dedupCache) put(id string, ack event.Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpired()
	if _, exists := c.entries[id]; exists {
		return
	}
	for len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.evictOldest()
	}

	c.entries[id] = dedupEntry{ack: ack, storedAt: c.now()}
	c.order = append(c.order, id)
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictExpired drops entries older than the window from the front of the
// FIFO. IDs already evicted by capacity pressure are skipped.
func (c *dedupCache) evictExpired() {
	cutoff := c.now().Add(-c.window)
	for len(c.order) > 0 {
		id := c.order[0]
		e, ok := c.entries[id]
		if ok && e.storedAt.After(cutoff) {
			return
		}
		c.order = c.order[1:]
		if ok {
			delete(c.entries, id)
		}
	}
}

func (c *dedupCache) evictOldest() {
	id := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, id)
}
