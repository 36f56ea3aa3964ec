package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/pkg/cache"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/observability"
)

// Engine runs hybrid retrieval: semantic and lexical backends queried in
// parallel, candidates fused with RRF, optional model-based rerank on top.
type Engine struct {
	cfg        *config.RetrievalConfig
	collection string

	store    VectorStore
	lexical  *LexicalIndex
	embedder model.Embedder

	// reranker is optional; nil disables reranking regardless of config.
	reranker model.Provider

	caches      *cache.Set
	resultCache *cache.TTLCache[[]Document]
}

// EngineOption configures optional engine pieces.
type EngineOption func(*Engine)

// WithReranker enables model-based reranking of fused candidates.
func WithReranker(provider model.Provider) EngineOption {
	return func(e *Engine) {
		e.reranker = provider
	}
}

// WithCaches wires the shared cache set (embedding cache) and a retrieval
// result cache sized per config.
func WithCaches(caches *cache.Set, layerCfg *config.CacheLayerConfig) EngineOption {
	return func(e *Engine) {
		e.caches = caches
		if layerCfg != nil && layerCfg.Enabled {
			e.resultCache = cache.NewTTLCache[[]Document]("retrieval", layerCfg.Capacity, time.Duration(layerCfg.TTLMS)*time.Millisecond)
		}
	}
}

// NewEngine creates a retrieval engine over the given backends.
func NewEngine(cfg *config.RetrievalConfig, collection string, store VectorStore, embedder model.Embedder, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:        cfg,
		collection: collection,
		store:      store,
		lexical:    NewLexicalIndex(),
		embedder:   embedder,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Index embeds and stores a document in both backends.
func (e *Engine) Index(ctx context.Context, id, content string, metadata map[string]any) error {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["content"] = content

	vectors, err := e.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("failed to embed document %s: %w", id, err)
	}

	if err := e.store.Upsert(ctx, e.collection, id, vectors[0], metadata); err != nil {
		return err
	}

	e.lexical.Add(id, content, metadata)
	return nil
}

// Delete removes a document from both backends.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.lexical.Remove(id)
	return e.store.Delete(ctx, e.collection, id)
}

// Retrieve runs one hybrid retrieval round. Filters restrict candidates in
// both backends before fusion. A failing backend degrades the round to the
// surviving one; both failing yields an empty degraded round, never an
// error.
func (e *Engine) Retrieve(ctx context.Context, query string, filters map[string]any) (*Results, error) {
	start := time.Now()

	cacheKey := cache.Key(append([]string{query}, flattenFilters(filters)...)...)
	if e.resultCache != nil {
		if docs, ok := e.resultCache.Get(ctx, cacheKey); ok {
			return &Results{Documents: docs, Mode: ModeHybrid}, nil
		}
	}

	timeout := time.Duration(e.cfg.TimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candidates := e.cfg.TopK * e.cfg.CandidateMultiplier

	var semanticDocs, lexicalDocs []Document
	var semanticErr error

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		vector, err := e.embedQuery(gctx, query)
		if err != nil {
			semanticErr = err
			return nil
		}
		docs, err := e.store.Search(gctx, e.collection, vector, candidates, filters)
		if err != nil {
			semanticErr = err
			return nil
		}
		semanticDocs = docs
		return nil
	})

	g.Go(func() error {
		lexicalDocs = e.lexical.Search(query, candidates, filters)
		return nil
	})

	// Backend errors are captured, not returned, so one failure never
	// cancels the sibling search.
	_ = g.Wait()

	results := &Results{Mode: ModeHybrid}

	switch {
	case semanticErr != nil && len(lexicalDocs) == 0 && e.lexical.Len() == 0:
		slog.Warn("All retrieval backends failed, serving empty degraded round", "error", semanticErr)
		results.Degraded = true
	case semanticErr != nil:
		slog.Warn("Semantic retrieval failed, serving lexical only", "error", semanticErr)
		results.Mode = ModeLexical
		results.Degraded = true
		results.Documents = clamp(lexicalDocs, e.cfg.TopK)
	case len(lexicalDocs) == 0:
		results.Mode = ModeSemantic
		results.Documents = clamp(semanticDocs, e.cfg.TopK)
	default:
		results.Documents = fuseRRF(semanticDocs, lexicalDocs, e.cfg.RRFConstant, e.cfg.TopK)
	}

	if e.reranker != nil && e.cfg.Rerank.Enabled && len(results.Documents) > 1 {
		reranked, err := e.rerank(ctx, query, results.Documents)
		if err != nil {
			slog.Warn("Rerank failed, keeping fused order", "error", err)
		} else {
			results.Documents = reranked
		}
	}

	observability.GetGlobalMetrics().RecordRetrieval(ctx, string(results.Mode), time.Since(start), len(results.Documents))

	if e.resultCache != nil && !results.Degraded {
		e.resultCache.Put(cacheKey, results.Documents)
	}

	return results, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vector, ok := e.caches.LookupEmbedding(ctx, query); ok {
		return vector, nil
	}

	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	e.caches.StoreEmbedding(query, vectors[0])
	return vectors[0], nil
}

// rerank asks the reranker model to order candidates by relevance. The
// model returns an index permutation; invalid output keeps fused order.
func (e *Engine) rerank(ctx context.Context, query string, docs []Document) ([]Document, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rank the following passages by relevance to the query.\nQuery: %s\n\n", query)
	for i, doc := range docs {
		content := doc.Content
		if len(content) > 500 {
			content = content[:500]
		}
		fmt.Fprintf(&sb, "[%d] %s\n\n", i, content)
	}
	sb.WriteString("Return JSON with the passage indexes ordered from most to least relevant.")

	result, err := e.reranker.Generate(ctx, []model.Message{
		{Role: model.RoleUser, Content: sb.String()},
	}, &model.Params{
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"order": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "integer"},
				},
			},
			"required": []string{"order"},
		},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Order []int `json:"order"`
	}
	if err := json.Unmarshal([]byte(result.Text), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank output: %w", err)
	}

	if !isPermutation(parsed.Order, len(docs)) {
		return nil, fmt.Errorf("rerank output is not a permutation of %d candidates", len(docs))
	}

	reranked := make([]Document, len(docs))
	for pos, idx := range parsed.Order {
		reranked[pos] = docs[idx]
	}
	return reranked, nil
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n || seen[idx] {
			return false
		}
		seen[idx] = true
	}
	return true
}

func clamp(docs []Document, topK int) []Document {
	if len(docs) > topK {
		return docs[:topK]
	}
	return docs
}

func flattenFilters(filters map[string]any) []string {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(filters))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, filters[k]))
	}
	return parts
}
