// Package mixer holds the per-user Mixer (permuted Swagger document +
// parameter index + personal-filter metadata) and the bounded, single-
// flight-coalesced cache that keeps recently used mixers warm.
package mixer

import (
	"container/list"
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"hubproxy/internal/paramindex"
	"hubproxy/internal/permute"
	"hubproxy/internal/swagger"
)

// Mixer is one user's fully-built permutation: an immutable snapshot of the
// permuted Swagger document, the bidirectional parameter index derived from
// it, and the metadata needed by the request/response processors.
type Mixer struct {
	UserID int64
	Seed   int64

	Permuted *swagger.Document
	Index    *paramindex.Index
	Meta     permute.Meta
}

// Builder constructs a Mixer for a user from scratch — loading the
// canonical document, running the permutation pipeline, and paging the
// upstream to resolve the user's account record. Supplied by the pipeline
// package, which has access to the upstream client and canonical document;
// kept as an interface here to avoid mixer depending on upstream.
type Builder func(ctx context.Context, userID int64, seed int64) (*Mixer, error)

// entry is the LRU's intrusive list payload.
type entry struct {
	userID int64
	mixer  *Mixer
}

// Cache is an LRU of Mixers keyed by user id, with per-key single-flight
// coalescing on miss so concurrent requests for the same cold user trigger
// exactly one build (and one round of upstream /users paging).
type Cache struct {
	capacity int
	build    Builder

	mu      sync.Mutex
	items   map[int64]*list.Element
	order   *list.List // front = most recently used
	group   singleflight.Group
}

// NewCache returns a Cache with the given capacity, backed by build for
// misses. Capacity defaults to 32 (the spec's mixer cache size) if <= 0.
func NewCache(capacity int, build Builder) *Cache {
	if capacity <= 0 {
		capacity = 32
	}
	return &Cache{
		capacity: capacity,
		build:    build,
		items:    make(map[int64]*list.Element),
		order:    list.New(),
	}
}

// Get returns the Mixer for userID, building and caching it on miss.
// Concurrent misses for the same userID share one build.
func (c *Cache) Get(ctx context.Context, userID int64, seed int64) (*Mixer, error) {
	c.mu.Lock()
	if el, ok := c.items[userID]; ok {
		c.order.MoveToFront(el)
		m := el.Value.(*entry).mixer
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	key := keyFor(userID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the singleflight key in case another goroutine
		// finished a build for this user while we were scheduled.
		c.mu.Lock()
		if el, ok := c.items[userID]; ok {
			m := el.Value.(*entry).mixer
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()

		m, buildErr := c.build(ctx, userID, seed)
		if buildErr != nil {
			return nil, buildErr
		}
		c.put(userID, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Mixer), nil
}

func (c *Cache) put(userID int64, m *Mixer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[userID]; ok {
		el.Value.(*entry).mixer = m
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{userID: userID, mixer: m})
	c.items[userID] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).userID)
	}
}

// Len reports the current number of cached mixers, for tests/metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func keyFor(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
