// Package memcache provides a thread-safe, generic, bounded in-memory
// LRU cache. It is the fast tier of the resource cache and the entry
// store of the DNS cache.
package memcache

import (
	"container/list"
	"sync"
)

// Cache is a fixed-capacity LRU map. All operations are O(1) and
// serialized by a single exclusive lock; Get promotes the entry to
// most-recently-used and therefore takes the writer side too. The cache
// is not a read-mostly hot path, so recency correctness wins over read
// concurrency.
//
// Values are returned as stored. Callers caching slices or pointers and
// needing isolation must copy; the resource cache façade does.
type Cache[K comparable, V any] struct {
	maxEntries int
	mu         sync.Mutex
	ll         *list.List // front = most recently used
	items      map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// New creates an LRU cache holding at most maxEntries entries.
// A non-positive capacity is clamped to 1.
func New[K comparable, V any](maxEntries int) *Cache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache[K, V]{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[K]*list.Element),
	}
}

// Get returns the value for key and promotes it to most-recently-used.
// A miss does not modify the cache.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*lruEntry[K, V]).value, true
}

// Put inserts or replaces the value for key, making it the
// most-recently-used entry. When inserting a new key into a full cache,
// least-recently-used entries are evicted first; among equally old
// entries the earlier inserted one goes first.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruEntry[K, V]).value = value
		c.ll.MoveToFront(elem)
		return
	}

	for c.ll.Len() >= c.maxEntries {
		c.removeElement(c.ll.Back())
	}

	c.items[key] = c.ll.PushFront(&lruEntry[K, V]{key: key, value: value})
}

// Remove deletes the entry for key, returning the prior value if it was
// present.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	value := elem.Value.(*lruEntry[K, V]).value
	c.removeElement(elem)
	return value, true
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[K]*list.Element)
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// IsEmpty reports whether the cache holds no entries.
func (c *Cache[K, V]) IsEmpty() bool {
	return c.Len() == 0
}

// Contains reports whether key is present, without promoting it.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Cap returns the configured capacity.
func (c *Cache[K, V]) Cap() int {
	return c.maxEntries
}

// Range calls fn for each entry from most to least recently used,
// stopping if fn returns false. The lock is held for the duration; fn
// must not call back into the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.ll.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*lruEntry[K, V])
		if !fn(entry.key, entry.value) {
			return
		}
	}
}

// RemoveIf deletes every entry for which fn returns true and reports how
// many were removed. Like Range, fn runs under the lock.
func (c *Cache[K, V]) RemoveIf(fn func(key K, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	var next *list.Element
	for e := c.ll.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*lruEntry[K, V])
		if fn(entry.key, entry.value) {
			c.removeElement(e)
			removed++
		}
	}
	return removed
}

// removeElement unlinks elem. Must be called with c.mu held.
func (c *Cache[K, V]) removeElement(elem *list.Element) {
	c.ll.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry[K, V]).key)
}
