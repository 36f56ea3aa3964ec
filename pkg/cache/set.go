package cache

import (
	"context"
	"time"

	"github.com/meridianhq/meridian/pkg/config"
)

// Set bundles the runtime's answer and embedding caches, built from config.
// Disabled layers are nil; accessors tolerate that so call sites stay flat.
type Set struct {
	exact     *TTLCache[Answer]
	semantic  *SemanticCache
	embedding *TTLCache[[]float32]
}

// NewSet builds the cache layers described by cfg.
func NewSet(cfg *config.CacheConfig) *Set {
	s := &Set{}

	if cfg.L1.Enabled {
		s.exact = NewTTLCache[Answer]("l1_exact", cfg.L1.Capacity, time.Duration(cfg.L1.TTLMS)*time.Millisecond)
	}
	if cfg.L2.Enabled {
		s.semantic = NewSemanticCache(cfg.L2.Capacity, time.Duration(cfg.L2.TTLMS)*time.Millisecond, cfg.L2.Threshold)
	}
	if cfg.Embedding.Enabled {
		s.embedding = NewTTLCache[[]float32]("embedding", cfg.Embedding.Capacity, time.Duration(cfg.Embedding.TTLMS)*time.Millisecond)
	}

	return s
}

// LookupExact checks the L1 exact cache. The key should come from Key()
// over the normalized query and conversation context.
func (s *Set) LookupExact(ctx context.Context, key string) (Answer, bool) {
	if s == nil || s.exact == nil {
		return Answer{}, false
	}
	return s.exact.Get(ctx, key)
}

// StoreExact stores an answer in the L1 exact cache.
func (s *Set) StoreExact(key string, answer Answer) {
	if s == nil || s.exact == nil {
		return
	}
	s.exact.Put(key, answer)
}

// LookupSemantic checks the L2 semantic cache by query embedding.
func (s *Set) LookupSemantic(ctx context.Context, vector []float32) (Answer, float64, bool) {
	if s == nil || s.semantic == nil {
		return Answer{}, 0, false
	}
	return s.semantic.Get(ctx, vector)
}

// StoreSemantic stores an answer in the L2 semantic cache.
func (s *Set) StoreSemantic(vector []float32, answer Answer) {
	if s == nil || s.semantic == nil {
		return
	}
	s.semantic.Put(vector, answer)
}

// LookupEmbedding checks the embedding cache for a text's vector.
func (s *Set) LookupEmbedding(ctx context.Context, text string) ([]float32, bool) {
	if s == nil || s.embedding == nil {
		return nil, false
	}
	return s.embedding.Get(ctx, Key(text))
}

// StoreEmbedding stores a text's embedding vector.
func (s *Set) StoreEmbedding(text string, vector []float32) {
	if s == nil || s.embedding == nil {
		return
	}
	s.embedding.Put(Key(text), vector)
}
