package model

import (
	"fmt"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/registry"
)

// Registry holds named model providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// CreateFromConfig builds a provider from config and registers it.
func (r *Registry) CreateFromConfig(name string, cfg *config.ModelProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("model config cannot be nil")
	}

	var provider Provider
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProvider(cfg)
	case "mock":
		provider = NewMockProvider(cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported model provider type: %s (supported: openai, mock)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register model provider: %w", err)
	}

	return provider, nil
}

// GetProvider returns a registered provider by name.
func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("model provider '%s' not found", name)
	}
	return provider, nil
}

// NewEmbedderFromConfig builds an embedder from config.
func NewEmbedderFromConfig(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "mock":
		return NewMockEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s (supported: openai, mock)", cfg.Type)
	}
}
