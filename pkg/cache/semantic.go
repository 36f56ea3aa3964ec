package cache

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/meridianhq/meridian/pkg/observability"
)

// Answer is the cached payload for the answer caches (L1 exact, L2
// semantic): the delivered text plus the confidence it shipped with.
type Answer struct {
	Text       string
	Confidence float64
	Bucket     string
	Domain     string
	Intent     string
	CreatedAt  time.Time
}

type semanticEntry struct {
	vector []float32
	answer Answer
}

// SemanticCache matches queries by embedding similarity. A lookup scans the
// live entries and returns the best answer whose cosine similarity clears
// the threshold. Capacity stays small (hundreds), so a linear scan is fine.
type SemanticCache struct {
	threshold float64
	lru       *expirable.LRU[string, semanticEntry]

	mu  sync.Mutex
	seq uint64
}

// NewSemanticCache creates a semantic answer cache.
func NewSemanticCache(capacity int, ttl time.Duration, threshold float64) *SemanticCache {
	return &SemanticCache{
		threshold: threshold,
		lru:       expirable.NewLRU[string, semanticEntry](capacity, nil, ttl),
	}
}

// Get returns the best-matching cached answer at or above the similarity
// threshold, with its similarity.
func (c *SemanticCache) Get(ctx context.Context, vector []float32) (Answer, float64, bool) {
	var best Answer
	bestSim := -1.0

	for _, entry := range c.lru.Values() {
		sim := CosineSimilarity(vector, entry.vector)
		if sim > bestSim {
			bestSim = sim
			best = entry.answer
		}
	}

	hit := bestSim >= c.threshold
	observability.GetGlobalMetrics().RecordCacheLookup(ctx, "l2_semantic", hit)

	if !hit {
		return Answer{}, bestSim, false
	}
	return best, bestSim, true
}

// Put stores an answer under its query embedding.
func (c *SemanticCache) Put(vector []float32, answer Answer) {
	c.mu.Lock()
	key := strconv.FormatUint(c.seq, 36)
	c.seq++
	c.mu.Unlock()

	c.lru.Add(key, semanticEntry{vector: vector, answer: answer})
}

// Len returns the number of live entries.
func (c *SemanticCache) Len() int {
	return c.lru.Len()
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
