package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// lru is an LRU map with per-entry TTL. Expiry is checked on read; entries
// are never invalidated early except through Invalidate or Clear.
type lru struct {
	capacity   int
	defaultTTL time.Duration

	mu    sync.Mutex
	items map[string]*lruEntry
	order *list.List
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

func newLRU(capacity int, defaultTTL time.Duration) *lru {
	return &lru{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		items:      make(map[string]*lruEntry),
		order:      list.New(),
	}
}

func (c *lru) get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		c.remove(e)
		return nil, false
	}
	c.order.MoveToFront(e.element)
	return e.value, true
}

func (c *lru) set(key string, value []byte, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = now.Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	for len(c.items) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*lruEntry))
	}

	e := &lruEntry{key: key, value: value, expiresAt: now.Add(ttl)}
	e.element = c.order.PushFront(e)
	c.items[key] = e
}

// invalidate removes the exact key, or every key under a "prefix*" pattern.
// Returns the number of entries removed.
func (c *lru) invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(pattern, "*") {
		if e, ok := c.items[pattern]; ok {
			c.remove(e)
			return 1
		}
		return 0
	}

	prefix := strings.TrimSuffix(pattern, "*")
	removed := 0
	for key, e := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(e)
			removed++
		}
	}
	return removed
}

func (c *lru) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lru) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*lruEntry)
	c.order.Init()
}

func (c *lru) removeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []*lruEntry
	for _, e := range c.items {
		if now.After(e.expiresAt) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		c.remove(e)
	}
	return len(stale)
}

// remove must be called with the lock held.
func (c *lru) remove(e *lruEntry) {
	c.order.Remove(e.element)
	delete(c.items, e.key)
}
