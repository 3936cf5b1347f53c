package linkring

import (
	"sync"
	"time"
)

const (
	DefaultCacheTTL = 10 * time.Minute
	DefaultCacheMax = 500
)

type cacheItem struct {
	key        string
	rep        Report
	insertedAt time.Time
	prev       *cacheItem
	next       *cacheItem
}

// resultCache keeps successful reports for ttl, bounded to max entries.
// Eviction is FIFO by insertion: reads never reorder the list.
type resultCache struct {
	ttl time.Duration
	max int

	mu    sync.Mutex
	items map[string]*cacheItem
	head  *cacheItem // newest
	tail  *cacheItem // oldest
}

func newResultCache(ttl time.Duration, max int) *resultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if max <= 0 {
		max = DefaultCacheMax
	}
	return &resultCache{ttl: ttl, max: max, items: map[string]*cacheItem{}}
}

func (c *resultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Prune drops expired entries, then the oldest ones until the cache fits.
// It returns how many entries were removed.
func (c *resultCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(now)
}

func (c *resultCache) pruneLocked(now time.Time) int {
	removed := 0
	for it := c.tail; it != nil; {
		prev := it.prev
		if now.Sub(it.insertedAt) > c.ttl {
			c.dropLocked(it)
			removed++
		}
		it = prev
	}
	for len(c.items) > c.max && c.tail != nil {
		c.dropLocked(c.tail)
		removed++
	}
	return removed
}

// Get returns a fresh entry without touching its position or timestamp.
func (c *resultCache) Get(key string, now time.Time) (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Report{}, false
	}
	if now.Sub(it.insertedAt) > c.ttl {
		return Report{}, false
	}
	return it.rep, true
}

// Put stores rep as the newest entry and prunes. Overwriting a key counts as a
// fresh insertion.
func (c *resultCache) Put(key string, rep Report, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
	it := &cacheItem{key: key, rep: rep, insertedAt: now}
	c.items[key] = it
	c.addToFront(it)
	c.pruneLocked(now)
}

func (c *resultCache) dropLocked(it *cacheItem) {
	c.remove(it)
	delete(c.items, it.key)
}

func (c *resultCache) addToFront(it *cacheItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *resultCache) remove(it *cacheItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}
