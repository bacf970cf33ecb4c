package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/agentloop/internal/config"
	"go.uber.org/zap"
)

// NewStore builds the Store selected by cfg.Provider:
//   - "chromem" (default): embedded, persisted under ChromemPath
//   - "qdrant": external server over gRPC
func NewStore(ctx context.Context, cfg config.VectorStoreConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		path, err := config.ExpandHome(cfg.ChromemPath)
		if err != nil {
			return nil, fmt.Errorf("expanding chromem path: %w", err)
		}
		return NewChromemStore(ChromemConfig{
			Path:       path,
			Compress:   cfg.ChromemCompress,
			VectorSize: cfg.VectorSize,
		}, embedder, logger)

	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantTLS,
			VectorSize: uint64(cfg.VectorSize),
		}, embedder, logger)

	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}
