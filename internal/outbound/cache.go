package outbound

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a byte-budgeted LRU with per-entry TTL, used to reuse rendered
// replies for repeated identical prompts. Entries expire lazily on Get and
// eagerly when the budget forces eviction from the cold end.
type Cache struct {
	mu        sync.Mutex
	order     *list.List
	entries   map[string]*list.Element
	maxBytes  int64
	usedBytes int64
	ttl       time.Duration
	now       func() time.Time
}

type cacheEntry struct {
	key       string
	value     string
	size      int64
	expiresAt time.Time
}

// NewCache creates a cache holding at most maxBytes of key+value data.
func NewCache(maxBytes int64, ttl time.Duration) *Cache {
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		order:    list.New(),
		entries:  map[string]*list.Element{},
		maxBytes: maxBytes,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the cache's time source for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value and refreshes its recency. Expired entries
// are removed and reported as misses.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		return "", false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// Set stores the value, evicting least-recently-used entries until the byte
// budget holds. A value larger than the whole budget is not cached.
func (c *Cache) Set(key, value string) {
	size := int64(len(key) + len(value))
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > c.maxBytes {
		return
	}
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	for c.usedBytes+size > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	elem := c.order.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		size:      size,
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[key] = elem
	c.usedBytes += size
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UsedBytes returns the current byte footprint.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.usedBytes -= entry.size
}
