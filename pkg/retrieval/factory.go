package retrieval

import (
	"fmt"

	"github.com/meridianhq/meridian/pkg/config"
)

// NewVectorStore builds the configured vector backend.
func NewVectorStore(cfg *config.VectorStoreConfig) (VectorStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector store config cannot be nil")
	}

	switch cfg.Type {
	case "chromem":
		return NewChromemStore(cfg.PersistPath)
	case "qdrant":
		return NewQdrantStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s (supported: chromem, qdrant)", cfg.Type)
	}
}
