package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"go.uber.org/zap"
)

// MemoryPath keeps a chromem store in memory instead of on disk.
const MemoryPath = ":memory:"

// NewStore creates the Store selected by cfg.Provider:
//   - "chromem" (default): embedded ChromemStore, no external service
//   - "qdrant": QdrantStore, requires a running Qdrant server
func NewStore(cfg config.VectorStoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "chromem", "":
		path := config.ExpandHome(cfg.ChromemPath)
		if path == MemoryPath {
			path = ""
		}
		store, err := NewChromemStore(ChromemConfig{Path: path, Compress: cfg.ChromemCompress}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating chromem store: %w", err)
		}
		return store, nil

	case "qdrant":
		store, err := NewQdrantStore(QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			UseTLS: cfg.QdrantUseTLS,
			APIKey: cfg.QdrantAPIKey.Value(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating qdrant store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}
