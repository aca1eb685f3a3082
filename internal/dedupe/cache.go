// ABOUTME: Thread-safe TTL cache for deduplicating idempotency keys.
// ABOUTME: Used by the stub server to reject replayed stream requests.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the expiry and list element for a cached key.
type entry struct {
	expiresAt time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited cache of idempotency keys.
// A doubly-linked list maintains insertion order for O(1) eviction when the
// cache is at capacity.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size. A
// background goroutine periodically sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen atomically checks whether a key was already recorded and records it
// if not. Returns true for a duplicate, false for a fresh key that is now
// remembered. The check and the mark happen under one lock so concurrent
// replays of the same key cannot both pass.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Now().Before(e.expiresAt) {
		return true
	}

	c.rememberLocked(key)
	return false
}

// Len returns the number of tracked keys, expired entries included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// rememberLocked records a key. Must be called with mu held.
func (c *Cache) rememberLocked(key string) {
	expiresAt := time.Now().Add(c.ttl)

	if e, exists := c.seen[key]; exists {
		e.expiresAt = expiresAt
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{expiresAt: expiresAt, element: elem}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// sweepLoop periodically removes expired entries until Close.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.After(e.expiresAt) {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
