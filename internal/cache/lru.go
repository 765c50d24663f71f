// Package cache memoizes resolved annotation sets per exact input text.
//
// # Keys
//
// Entries are content-addressed: the key is the 256-bit BLAKE2b digest of the
// text's bytes. Text itself is never retained. Collisions are treated as a
// negligible, non-adversarial risk.
//
// # Eviction
//
// Strict least-recently-used. Each entry lives in one doubly linked list;
// Get moves a hit to the front, Put inserts at the front and, when the cache
// is at capacity, drops the back element first.
//
// # Concurrency
//
// Every public method takes c.mu, so get, put and evict are atomic with
// respect to each other and the recency list is never observed half-updated.
//
// # Sharing
//
// Put stores a private copy of the set. Get returns that stored slice
// directly; callers must treat it as read-only.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"phi-deid/internal/phi"
)

// DefaultCapacity is the entry bound used when none is configured.
const DefaultCapacity = 100

// Fingerprint is the content key of a text.
type Fingerprint [blake2b.Size256]byte

// FingerprintOf hashes text.
func FingerprintOf(text string) Fingerprint {
	return blake2b.Sum256([]byte(text))
}

func (f Fingerprint) String() string { return fmt.Sprintf("%x", f[:8]) }

// entry is the value stored in each list element.
type entry struct {
	key Fingerprint
	set phi.ResolvedSet
}

// Stats are cumulative counters since construction (Clear does not reset them).
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
}

// Cache is a bounded LRU of ResolvedSets. The zero value is not usable; use New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[Fingerprint]*list.Element
	order    *list.List // front = most recently used

	hits, misses, evictions int64
}

// New returns an empty cache holding at most capacity entries.
// Values < 1 fall back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Fingerprint]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get looks up the set stored for text.
func (c *Cache) Get(text string) (phi.ResolvedSet, bool) {
	return c.GetKey(FingerprintOf(text))
}

// GetKey looks up the set stored under a precomputed fingerprint and marks it
// most recently used.
func (c *Cache) GetKey(key Fingerprint) (phi.ResolvedSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := c.entryOf(el)
	if e.key != key {
		panic(fmt.Errorf("%w: entry %s stored under key %s", phi.ErrCacheCorruption, e.key, key))
	}
	c.order.MoveToFront(el)
	c.hits++
	return e.set, true
}

// Put stores set for text, replacing any previous value.
func (c *Cache) Put(text string, set phi.ResolvedSet) {
	c.PutKey(FingerprintOf(text), set)
}

// PutKey stores set under a precomputed fingerprint. If the key is new and
// the cache is full, the least recently used entry is evicted first.
func (c *Cache) PutKey(key Fingerprint, set phi.ResolvedSet) {
	stored := set.Clone()
	if stored == nil {
		stored = phi.ResolvedSet{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.entryOf(el).set = stored
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.entries[key] = c.order.PushFront(&entry{key: key, set: stored})
}

// Clear drops every entry. Safe to call repeatedly.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[Fingerprint]*list.Element, c.capacity)
	c.order.Init()
	c.mu.Unlock()
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured entry bound.
func (c *Cache) Capacity() int { return c.capacity }

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
}

// evictOldest removes the back of the recency list.
// Must be called with c.mu held.
func (c *Cache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.order.Remove(back)
	delete(c.entries, c.entryOf(back).key)
	c.evictions++
}

// entryOf unwraps a list element. Must be called with c.mu held.
func (c *Cache) entryOf(el *list.Element) *entry {
	e, ok := el.Value.(*entry)
	if !ok {
		panic(fmt.Errorf("%w: unexpected list element %T", phi.ErrCacheCorruption, el.Value))
	}
	return e
}
