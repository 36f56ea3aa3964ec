// Package model provides model provider abstractions and implementations.
//
// A Provider generates text (optionally streaming, optionally with token
// log probabilities for confidence estimation). An Embedder turns text into
// fixed-dimension vectors for retrieval. Both are registered by name and
// resolved through the Registry.
package model

import (
	"context"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params carries per-call generation overrides. Zero values fall back to
// the provider's configured defaults.
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string

	// LogProbs requests per-token log probabilities in the result. Used by
	// confidence scoring; providers that cannot supply them return a result
	// with a nil LogProbs slice rather than an error.
	LogProbs bool

	// JSONSchema, when set, constrains output to the given JSON schema.
	JSONSchema map[string]any
}

// Usage reports token consumption for a single request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is a completed generation.
type Result struct {
	Text         string
	FinishReason string
	Usage        Usage

	// LogProbs holds per-token log probabilities when requested and
	// available, nil otherwise.
	LogProbs []float64
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	ChunkText  ChunkType = "text"
	ChunkDone  ChunkType = "done"
	ChunkError ChunkType = "error"
)

// Chunk is one unit of a streaming generation. The final chunk is either
// ChunkDone (carrying usage) or ChunkError.
type Chunk struct {
	Type  ChunkType
	Text  string
	Usage Usage
	Err   error
}

// Provider generates text from conversation messages.
type Provider interface {
	// Generate performs a blocking request and returns the full result.
	Generate(ctx context.Context, messages []Message, params *Params) (*Result, error)

	// GenerateStream returns a channel of chunks. The channel is closed
	// after a terminal chunk (done or error) is delivered.
	GenerateStream(ctx context.Context, messages []Message, params *Params) (<-chan Chunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	Close() error
}

// Embedder produces fixed-dimension embeddings for text.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension this embedder produces.
	Dimension() int

	Close() error
}
