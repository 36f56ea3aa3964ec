// Package cache provides the runtime's caching layers.
//
// Layers: an exact-match answer cache (L1), an embedding-similarity answer
// cache (L2), plus TTL-LRU caches for retrieval results and embeddings.
// All layers are bounded and expire entries by TTL; hits and misses are
// reported through the metrics recorder.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/meridianhq/meridian/pkg/observability"
)

// TTLCache is a bounded LRU cache with per-cache TTL and hit/miss metrics.
type TTLCache[V any] struct {
	name string
	lru  *expirable.LRU[string, V]
}

// NewTTLCache creates a named cache with the given capacity and TTL.
func NewTTLCache[V any](name string, capacity int, ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		name: name,
		lru:  expirable.NewLRU[string, V](capacity, nil, ttl),
	}
}

// Get returns the cached value for key, recording the lookup.
func (c *TTLCache[V]) Get(ctx context.Context, key string) (V, bool) {
	value, ok := c.lru.Get(key)
	observability.GetGlobalMetrics().RecordCacheLookup(ctx, c.name, ok)
	return value, ok
}

// Put stores value under key.
func (c *TTLCache[V]) Put(key string, value V) {
	c.lru.Add(key, value)
}

// Len returns the number of live entries.
func (c *TTLCache[V]) Len() int {
	return c.lru.Len()
}

// Purge drops all entries.
func (c *TTLCache[V]) Purge() {
	c.lru.Purge()
}

// Key derives a stable cache key from its parts. Parts are normalized
// (trimmed, lowercased) before hashing so trivially different phrasings of
// the same key collapse.
func Key(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(part))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
