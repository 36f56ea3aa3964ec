package model

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// MockProvider is a deterministic in-process provider for tests and local
// development. Responses can be scripted per call; otherwise it echoes the
// last user message.
type MockProvider struct {
	model string

	mu        sync.Mutex
	responses []Result
	calls     int
}

// NewMockProvider creates a mock provider.
func NewMockProvider(model string) *MockProvider {
	if model == "" {
		model = "mock"
	}
	return &MockProvider{model: model}
}

// Script queues canned results returned in order by subsequent calls. When
// the script runs out, the provider falls back to echoing.
func (p *MockProvider) Script(results ...Result) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, results...)
	return p
}

// Calls returns how many generation requests the provider has served.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) ModelName() string { return p.model }
func (p *MockProvider) Close() error      { return nil }

func (p *MockProvider) Generate(ctx context.Context, messages []Message, params *Params) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls++
	if len(p.responses) > 0 {
		result := p.responses[0]
		p.responses = p.responses[1:]
		p.mu.Unlock()
		return &result, nil
	}
	p.mu.Unlock()

	text := "ok"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			text = messages[i].Content
			break
		}
	}

	result := &Result{
		Text:         text,
		FinishReason: "stop",
		Usage: Usage{
			InputTokens:  countWords(messages),
			OutputTokens: len(text) / 4,
		},
	}
	result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens

	if params != nil && params.LogProbs {
		result.LogProbs = syntheticLogProbs(text)
	}

	return result, nil
}

func (p *MockProvider) GenerateStream(ctx context.Context, messages []Message, params *Params) (<-chan Chunk, error) {
	result, err := p.Generate(ctx, messages, params)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 4)
	go func() {
		defer close(out)

		// Split into a few chunks to exercise streaming consumers.
		text := result.Text
		for len(text) > 0 {
			n := 16
			if n > len(text) {
				n = len(text)
			}
			select {
			case out <- Chunk{Type: ChunkText, Text: text[:n]}:
			case <-ctx.Done():
				out <- Chunk{Type: ChunkError, Err: ctx.Err()}
				return
			}
			text = text[n:]
		}
		out <- Chunk{Type: ChunkDone, Usage: result.Usage}
	}()

	return out, nil
}

// syntheticLogProbs derives stable pseudo log probabilities from text so
// confidence tests get deterministic input.
func syntheticLogProbs(text string) []float64 {
	n := len(text)/4 + 1
	probs := make([]float64, n)
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	for i := range probs {
		// Values in roughly [-1.2, -0.05].
		v := float64((seed>>uint(i%24))&0xff) / 255.0
		probs[i] = -0.05 - v*1.15
	}
	return probs
}

func countWords(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

// MockEmbedder produces deterministic unit vectors from text hashes.
type MockEmbedder struct {
	dimension int
}

// NewMockEmbedder creates a mock embedder with the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = 8
	}
	return &MockEmbedder{dimension: dimension}
}

func (e *MockEmbedder) Dimension() int { return e.dimension }
func (e *MockEmbedder) Close() error   { return nil }

func (e *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New64a()
		h.Write([]byte(text))
		seed := h.Sum64()

		vec := make([]float32, e.dimension)
		var norm float64
		for j := range vec {
			v := float64((seed>>(uint(j)%48))&0xffff)/65535.0 - 0.5
			vec[j] = float32(v)
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range vec {
				vec[j] = float32(float64(vec[j]) / norm)
			}
		}
		vectors[i] = vec
	}
	return vectors, nil
}

var (
	_ Provider = (*MockProvider)(nil)
	_ Embedder = (*MockEmbedder)(nil)
)
