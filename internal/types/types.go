package types

import (
	"context"

	"github.com/xhad/handbookqa/internal/models"
)

// Core interfaces

// Embedder is satisfied by langchaingo's embeddings.Embedder.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorBackend is a vector database holding one collection of chunk points.
// Implementations are safe for concurrent use.
type VectorBackend interface {
	// Exists reports whether the collection has been created.
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context, dimension int) error
	Drop(ctx context.Context) error
	Upsert(ctx context.Context, chunks []models.Chunk) error
	// Search returns at most limit chunks whose metadata filename equals filename,
	// ordered by descending cosine similarity.
	Search(ctx context.Context, vector []float32, filename string, limit int) ([]models.SearchResult, error)
	DeleteSource(ctx context.Context, filename string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Reranker reorders candidates by relevance to query. Returned scores are the
// reranker's own relevance scores.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []models.SearchResult) ([]models.SearchResult, error)
	Name() string
}
