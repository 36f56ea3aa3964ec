package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/config"
)

func TestRegistry_CreateFromConfig(t *testing.T) {
	reg := NewRegistry()

	provider, err := reg.CreateFromConfig("primary", &config.ModelProviderConfig{
		Type:  "mock",
		Model: "mock-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "mock-model", provider.ModelName())

	got, err := reg.GetProvider("primary")
	require.NoError(t, err)
	assert.Same(t, provider, got)
}

func TestRegistry_CreateFromConfigErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.CreateFromConfig("", &config.ModelProviderConfig{Type: "mock"})
	assert.Error(t, err)

	_, err = reg.CreateFromConfig("x", nil)
	assert.Error(t, err)

	_, err = reg.CreateFromConfig("x", &config.ModelProviderConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = reg.GetProvider("missing")
	assert.Error(t, err)
}

func TestNewEmbedderFromConfig(t *testing.T) {
	embedder, err := NewEmbedderFromConfig(&config.EmbedderConfig{Type: "mock", Dimension: 16})
	require.NoError(t, err)
	assert.Equal(t, 16, embedder.Dimension())

	_, err = NewEmbedderFromConfig(&config.EmbedderConfig{Type: "smoke-signals"})
	assert.Error(t, err)
}

func TestMockProvider_Scripted(t *testing.T) {
	provider := NewMockProvider("mock").Script(
		Result{Text: "first", FinishReason: "stop"},
		Result{Text: "second", FinishReason: "stop"},
	)

	r1, err := provider.Generate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Text)

	r2, err := provider.Generate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Text)

	// Script exhausted: falls back to echoing the last user message.
	r3, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "echo me"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo me", r3.Text)
	assert.Equal(t, 3, provider.Calls())
}

func TestMockProvider_LogProbsDeterministic(t *testing.T) {
	provider := NewMockProvider("mock")

	messages := []Message{{Role: RoleUser, Content: "stable input"}}

	r1, err := provider.Generate(context.Background(), messages, &Params{LogProbs: true})
	require.NoError(t, err)
	r2, err := provider.Generate(context.Background(), messages, &Params{LogProbs: true})
	require.NoError(t, err)

	require.NotEmpty(t, r1.LogProbs)
	assert.Equal(t, r1.LogProbs, r2.LogProbs)
	for _, lp := range r1.LogProbs {
		assert.Less(t, lp, 0.0)
	}
}

func TestMockEmbedder_Deterministic(t *testing.T) {
	embedder := NewMockEmbedder(8)

	v1, err := embedder.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	v2, err := embedder.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)

	require.Len(t, v1, 1)
	assert.Equal(t, v1[0], v2[0])
	assert.Len(t, v1[0], 8)
}

func TestMockProvider_Stream(t *testing.T) {
	provider := NewMockProvider("mock").Script(Result{
		Text:         "a reasonably long response to split",
		FinishReason: "stop",
		Usage:        Usage{TotalTokens: 9},
	})

	chunks, err := provider.GenerateStream(context.Background(), nil, nil)
	require.NoError(t, err)

	var text string
	var usage Usage
	for chunk := range chunks {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "a reasonably long response to split", text)
	assert.Equal(t, 9, usage.TotalTokens)
}
