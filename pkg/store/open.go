package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/types"
	"github.com/xhad/handbookqa/pkg/config"
)

// Open connects the backend selected by cfg.Type.
func Open(ctx context.Context, cfg config.VectorStoreConfig, logger *zap.Logger) (types.VectorBackend, error) {
	switch cfg.Type {
	case "qdrant":
		scheme := "http"
		if cfg.Qdrant.HTTPS {
			scheme = "https"
		}
		return NewQdrant(QdrantConfig{
			URL:        fmt.Sprintf("%s://%s:%d", scheme, cfg.Qdrant.Host, cfg.Qdrant.Port),
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Collection,
		}, logger), nil
	case "pgvector":
		table := cfg.PGVector.TableName
		if cfg.Collection != "" && table == "" {
			table = cfg.Collection
		}
		return NewWithConfig(ctx, VectorStoreConfig{
			ConnString: cfg.PGVector.URL,
			TableName:  table,
		}, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector store type %q", cfg.Type)
	}
}
