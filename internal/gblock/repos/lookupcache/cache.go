// Package lookupcache memoises lookup resolutions for one logical request.
package lookupcache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/services/lookup"
)

// DefaultSize bounds the distinct (target, flags) pairs one request probes.
const DefaultSize = 32

// requestCache is an LRU-backed lookup.Cache with hit and miss counters.
// Build one per request and drop it when the request ends.
type requestCache struct {
	lru    *lru.Cache[lookup.CacheKey, domain.Resolution]
	hits   uint64
	misses uint64
}

// disabledCache is a no-op cache used when size <= 0.
type disabledCache struct{}

// Cache is a lookup.Cache that also reports its size and counters.
type Cache interface {
	lookup.Cache
	Len() int
	Stats() (hits, misses uint64)
}

// New creates a request cache with the given capacity. If size <= 0 a
// disabled cache is returned that always misses.
func New(size int) (Cache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}
	c, err := lru.New[lookup.CacheKey, domain.Resolution](size)
	if err != nil {
		return nil, err
	}
	return &requestCache{lru: c}, nil
}

func (c *requestCache) Get(key lookup.CacheKey) (domain.Resolution, bool) {
	if val, ok := c.lru.Get(key); ok {
		atomic.AddUint64(&c.hits, 1)
		return val, true
	}
	atomic.AddUint64(&c.misses, 1)
	return domain.Resolution{}, false
}

func (c *requestCache) Put(key lookup.CacheKey, res domain.Resolution) {
	c.lru.Add(key, res)
}

func (c *requestCache) Len() int { return c.lru.Len() }

func (c *requestCache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

func (d *disabledCache) Get(lookup.CacheKey) (domain.Resolution, bool) {
	return domain.Resolution{}, false
}

func (d *disabledCache) Put(lookup.CacheKey, domain.Resolution) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Stats() (uint64, uint64) { return 0, 0 }

var _ Cache = (*requestCache)(nil)
var _ Cache = (*disabledCache)(nil)
