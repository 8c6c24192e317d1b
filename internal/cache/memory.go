// Package cache provides caching implementations for the LLM gateway.
//
// Two backends are available:
//   - ExactCache  — Redis-backed, recommended for production clusters.
//   - MemoryCache — in-process, size-bounded LRU, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memItem stores a cached value or counter together with its expiry time.
type memItem struct {
	data      []byte
	counter   int64
	isCounter bool
	expiresAt time.Time
	elem      *list.Element
}

type reservation struct {
	key    string
	amount int64
}

// MemoryOptions configures a MemoryCache. Zero values fall back to defaults
// (MaxEntries: 100_000, EvictionBatchSize: 100).
type MemoryOptions struct {
	MaxEntries        int
	EvictionBatchSize int
}

// MemoryCache is a size-bounded in-process LRU cache with per-entry TTL and
// atomic counter/reservation support.
//
// It is safe for concurrent use. Whenever the item count exceeds
// MaxEntries, the least-recently-used entries are evicted in batches of
// EvictionBatchSize; a background goroutine additionally sweeps expired
// entries on a timer so idle keys don't linger until the next access.
//
// Use this backend when Redis is not available — for local development,
// single-instance deployments, or integration tests. For distributed
// (multi-replica) deployments use ExactCache (Redis) instead so that
// all replicas share the same cache and the same policy-version gossip.
type MemoryCache struct {
	mu           sync.Mutex
	items        map[string]*memItem
	order        *list.List // front = most recently used
	reservations map[string]reservation

	maxEntries        int
	evictionBatchSize int

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache with default bounds and starts the
// background expiry-sweep loop. The sweep goroutine stops when ctx is
// cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	return NewMemoryCacheWithOptions(ctx, MemoryOptions{})
}

// NewMemoryCacheWithOptions creates a MemoryCache with explicit size bounds.
func NewMemoryCacheWithOptions(ctx context.Context, opts MemoryOptions) *MemoryCache {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	batch := opts.EvictionBatchSize
	if batch <= 0 {
		batch = 100
	}

	c := &MemoryCache{
		items:             make(map[string]*memItem),
		order:             list.New(),
		reservations:      make(map[string]reservation),
		maxEntries:        maxEntries,
		evictionBatchSize: batch,
		done:              make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok || item.isCounter {
		return nil, false
	}
	if c.expiredLocked(item) {
		c.removeLocked(key)
		return nil, false
	}
	c.order.MoveToFront(item.elem)
	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, 0, false, ttl)
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	return nil
}

// IncrBy atomically adds delta to the counter at key, creating it at 0 with
// ttl if absent, and returns the new value.
func (c *MemoryCache) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok || c.expiredLocked(item) {
		if ok {
			c.removeLocked(key)
		}
		c.setLocked(key, nil, delta, true, ttl)
		return delta, nil
	}
	item.counter += delta
	c.order.MoveToFront(item.elem)
	return item.counter, nil
}

// Reserve atomically adds amount to the counter at key and records a
// reservation so it can later be reconciled with Commit or undone with
// Release.
func (c *MemoryCache) Reserve(_ context.Context, key string, amount int64, ttl time.Duration) (string, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	var newVal int64
	if !ok || c.expiredLocked(item) {
		if ok {
			c.removeLocked(key)
		}
		c.setLocked(key, nil, amount, true, ttl)
		newVal = amount
	} else {
		item.counter += amount
		c.order.MoveToFront(item.elem)
		newVal = item.counter
	}

	id := uuid.NewString()
	c.reservations[id] = reservation{key: key, amount: amount}
	return id, newVal, nil
}

// Commit replaces a reservation's estimated amount with the actual value.
func (c *MemoryCache) Commit(_ context.Context, key, reservationID string, actual int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.reservations[reservationID]
	if !ok || r.key != key {
		return ErrReservationNotFound
	}
	delete(c.reservations, reservationID)

	item, ok := c.items[key]
	if !ok {
		// Counter expired/evicted between reserve and commit: re-create it
		// holding just the actual delta, the best available truth.
		c.setLocked(key, nil, actual, true, 0)
		return nil
	}
	item.counter += actual - r.amount
	c.order.MoveToFront(item.elem)
	return nil
}

// Release undoes a reservation, subtracting its amount back out of the
// counter at key.
func (c *MemoryCache) Release(_ context.Context, key, reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.reservations[reservationID]
	if !ok || r.key != key {
		return ErrReservationNotFound
	}
	delete(c.reservations, reservationID)

	if item, ok := c.items[key]; ok {
		item.counter -= r.amount
	}
	return nil
}

// SetIfAbsent stores value under key only if key does not already hold a
// (non-expired) value, returning true when the set happened.
func (c *MemoryCache) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok && !c.expiredLocked(item) {
		return false, nil
	}
	c.setLocked(key, value, 0, false, ttl)
	return true, nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) expiredLocked(item *memItem) bool {
	return !item.expiresAt.IsZero() && time.Now().After(item.expiresAt)
}

// setLocked installs or replaces an entry. Callers must hold c.mu.
func (c *MemoryCache) setLocked(key string, value []byte, counter int64, isCounter bool, ttl time.Duration) {
	if existing, ok := c.items[key]; ok {
		c.order.Remove(existing.elem)
		delete(c.items, key)
	}

	var expiresAt time.Time
	if isCounter {
		if ttl > 0 {
			expiresAt = time.Now().Add(ttl)
		}
	} else {
		if ttl <= 0 {
			ttl = time.Hour
		}
		expiresAt = time.Now().Add(ttl)
	}

	elem := c.order.PushFront(key)
	c.items[key] = &memItem{
		data:      value,
		counter:   counter,
		isCounter: isCounter,
		expiresAt: expiresAt,
		elem:      elem,
	}

	c.evictOverCapacityLocked()
}

// evictOverCapacityLocked removes the least-recently-used entries in
// batches of evictionBatchSize whenever the cache holds more than
// maxEntries. Callers must hold c.mu.
func (c *MemoryCache) evictOverCapacityLocked() {
	for len(c.items) > c.maxEntries {
		for i := 0; i < c.evictionBatchSize && len(c.items) > 0; i++ {
			back := c.order.Back()
			if back == nil {
				return
			}
			key := back.Value.(string)
			c.order.Remove(back)
			delete(c.items, key)
		}
	}
}

func (c *MemoryCache) removeLocked(key string) {
	if item, ok := c.items[key]; ok {
		c.order.Remove(item.elem)
		delete(c.items, key)
	}
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.items {
		if c.expiredLocked(v) {
			c.removeLocked(k)
		}
	}
}
