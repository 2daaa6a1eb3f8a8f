package handlers

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ResultCache keeps recent parse responses keyed by idempotency key, so a
// re-sent scan is answered without parsing again
type ResultCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewResultCache sizes the cache for maxEntries responses
func NewResultCache(maxEntries int64, ttl time.Duration) (*ResultCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxEntries)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &ResultCache{cache: cache, ttl: ttl}, nil
}

// Get returns a cached response
func (c *ResultCache) Get(key string) (*ParseResponse, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*ParseResponse)
	return resp, ok
}

// Set stores a response; admission is best effort
func (c *ResultCache) Set(key string, resp *ParseResponse) {
	if c == nil {
		return
	}
	c.cache.SetWithTTL(key, resp, 1, c.ttl)
}

// Wait blocks until pending writes are visible
func (c *ResultCache) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

// Close releases the cache goroutines
func (c *ResultCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}
