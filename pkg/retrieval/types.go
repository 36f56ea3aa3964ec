// Package retrieval implements hybrid document retrieval.
//
// Queries fan out to a semantic (vector) backend and a lexical (BM25)
// backend in parallel; candidates are fused with reciprocal rank fusion.
// Either backend failing degrades the round to the surviving one instead
// of failing the query.
package retrieval

import (
	"context"
)

// Document is a retrievable unit of the corpus.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any

	// Score is backend-relative before fusion, fused afterwards.
	Score float64

	// SemanticScore keeps the raw vector similarity for tie-breaking after
	// fusion; zero when the document only surfaced lexically.
	SemanticScore float64
}

// Mode describes how a retrieval round was served.
type Mode string

const (
	ModeHybrid   Mode = "hybrid"
	ModeSemantic Mode = "semantic"
	ModeLexical  Mode = "lexical"
)

// Results is the outcome of one retrieval round.
type Results struct {
	Documents []Document
	Mode      Mode

	// Degraded is set when a backend failed and the round was served from
	// the other one.
	Degraded bool
}

// VectorStore abstracts vector similarity backends.
type VectorStore interface {
	// Upsert adds or replaces a document and its vector.
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK most similar documents, optionally restricted
	// by exact-match metadata filters.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Document, error)

	// Delete removes a document by ID.
	Delete(ctx context.Context, collection, id string) error

	// CreateCollection ensures a collection exists with the given dimension.
	CreateCollection(ctx context.Context, collection string, dimension int) error

	Name() string
	Close() error
}
