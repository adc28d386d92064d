// Package cache provides bounded caching for reconstruction runs.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// BodyCache holds decoded response bodies keyed by record position within a
// window, so the HTML pass does not decompress documents a second time.
// Eviction only costs a re-decode.
type BodyCache struct {
	cache *lru.Cache[int, []byte]
}

// NewBodyCache creates a new LRU cache with the specified maximum number of items.
func NewBodyCache(maxItems int) (*BodyCache, error) {
	c, err := lru.New[int, []byte](maxItems)
	if err != nil {
		return nil, err
	}
	return &BodyCache{cache: c}, nil
}

// Get retrieves a decoded body by record position.
// Returns the body and true if found, nil and false otherwise.
func (c *BodyCache) Get(pos int) ([]byte, bool) {
	return c.cache.Get(pos)
}

// Put adds or updates a decoded body.
func (c *BodyCache) Put(pos int, body []byte) {
	c.cache.Add(pos, body)
}

// Len returns the current number of items in the cache.
func (c *BodyCache) Len() int {
	return c.cache.Len()
}
