// Package artifactcache provides a byte-budgeted LRU cache for computed
// artifacts. All operations share one mutex; the cache is safe for
// concurrent use.
package artifactcache

import (
	"container/list"
	"sync"
)

// Sizer is implemented by artifacts that can report their resident size.
// The processing service only caches artifacts that implement it.
type Sizer interface {
	SizeBytes() int64
}

// Cache is a least-recently-used cache bounded by total resident bytes.
// A budget of zero disables eviction (unbounded).
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	budget   int64
	resident int64
	ll       *list.List
	items    map[K]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64
}

type cacheEntry[K comparable, V any] struct {
	key  K
	val  V
	size int64
}

// New creates a cache with the given byte budget. budget <= 0 means
// unbounded.
func New[K comparable, V any](budget int64) *Cache[K, V] {
	if budget < 0 {
		budget = 0
	}
	return &Cache[K, V]{
		budget: budget,
		ll:     list.New(),
		items:  make(map[K]*list.Element),
	}
}

// Get returns the cached value for key, promoting it to most recently
// used on a hit.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.ll.MoveToFront(ele)
	return ele.Value.(*cacheEntry[K, V]).val, true
}

// Put inserts value under key with the given estimated size. An existing
// entry for the key is replaced. Items larger than the whole budget are
// rejected outright; otherwise the least recently used entries are
// evicted until resident bytes fit the budget.
func (c *Cache[K, V]) Put(key K, value V, size int64) {
	if size < 0 {
		size = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, ok := c.items[key]; ok {
		c.removeLocked(ele)
	}

	if c.budget > 0 && size > c.budget {
		return
	}

	ele := c.ll.PushFront(&cacheEntry[K, V]{key: key, val: value, size: size})
	c.items[key] = ele
	c.resident += size

	if c.budget > 0 {
		for c.resident > c.budget {
			oldest := c.ll.Back()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest)
			c.evictions++
		}
	}
}

// Remove evicts key if present, returning whether it was cached.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(ele)
	return true
}

func (c *Cache[K, V]) removeLocked(ele *list.Element) {
	ent := ele.Value.(*cacheEntry[K, V])
	c.ll.Remove(ele)
	delete(c.items, ent.key)
	c.resident -= ent.size
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Resident returns the total estimated bytes currently cached.
func (c *Cache[K, V]) Resident() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

// Stats is a point-in-time view of the cache's counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Entries       int
	ResidentBytes int64
}

// Stats returns the cache's current counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Entries:       len(c.items),
		ResidentBytes: c.resident,
	}
}
