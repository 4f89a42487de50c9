package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/handbookqa/internal/types"
)

type EmbedderConfig struct {
	Provider  string // ollama or openai
	Model     string
	APIKey    string
	BaseURL   string // Ollama server URL
	BatchSize int
}

// NewEmbedder builds the embedding provider. The same model must be used for
// ingestion and for queries.
func NewEmbedder(config EmbedderConfig) (embeddings.Embedder, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	var client embeddings.EmbedderClient
	switch config.Provider {
	case "", "ollama":
		if config.Model == "" {
			config.Model = "nomic-embed-text"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		emb, err := ollama.New(ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
		}
		client = emb
	case "openai":
		opts := []openai.Option{
			openai.WithToken(config.APIKey),
			openai.WithEmbeddingModel(config.Model),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		emb, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
		}
		client = emb
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, config.Provider)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(config.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	return embedder, nil
}

// ProbeDimension embeds a fixed string once to learn the model's vector size.
func ProbeDimension(ctx context.Context, e types.Embedder) (int, error) {
	v, err := e.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("embedding probe failed: %w", err)
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("embedding probe returned an empty vector")
	}
	return len(v), nil
}
