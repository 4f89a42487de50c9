package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/internal/types"
	"github.com/xhad/handbookqa/pkg/llm"
)

type IndexConfig struct {
	// Dimension of the embedding model. Zero probes the model once.
	Dimension int
	BatchSize int
	Parallel  int
}

// Index is the course-scoped vector store: it embeds text with the configured
// model and keeps chunk points in a backend collection.
type Index struct {
	backend  types.VectorBackend
	embedder types.Embedder
	catalog  *models.Catalog
	config   IndexConfig
	logger   *zap.Logger

	mu        sync.Mutex
	dimension int
}

func NewIndex(backend types.VectorBackend, embedder types.Embedder, catalog *models.Catalog, config IndexConfig, logger *zap.Logger) *Index {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.Parallel <= 0 {
		config.Parallel = 4
	}
	return &Index{
		backend:   backend,
		embedder:  embedder,
		catalog:   catalog,
		config:    config,
		logger:    logging.OrNop(logger),
		dimension: config.Dimension,
	}
}

func (ix *Index) Catalog() *models.Catalog { return ix.catalog }

// EnsureCollection creates the collection if it does not exist. It is safe to
// call repeatedly.
func (ix *Index) EnsureCollection(ctx context.Context) error {
	exists, err := ix.backend.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	dim, err := ix.resolveDimension(ctx)
	if err != nil {
		return err
	}
	if err := ix.backend.Create(ctx, dim); err != nil {
		return err
	}
	return nil
}

func (ix *Index) resolveDimension(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dimension > 0 {
		return ix.dimension, nil
	}
	dim, err := llm.ProbeDimension(ctx, ix.embedder)
	if err != nil {
		return 0, err
	}
	ix.logger.Info("probed embedding dimension", zap.Int("dimension", dim))
	ix.dimension = dim
	return dim, nil
}

// Embed fills in embeddings for chunks that lack one.
func (ix *Index) Embed(ctx context.Context, chunks []models.Chunk) error {
	var (
		idx   []int
		texts []string
	)
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, c.Text)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for j, i := range idx {
		chunks[i].Embedding = vectors[j]
	}
	return nil
}

// Insert embeds any chunks still lacking vectors and upserts them in batches.
// Chunk IDs are deterministic, so the result matches inserting one at a time.
func (ix *Index) Insert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ix.Embed(ctx, chunks); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.Parallel)
	for start := 0; start < len(chunks); start += ix.config.BatchSize {
		end := start + ix.config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		g.Go(func() error {
			if err := ix.backend.Upsert(gctx, batch); err != nil {
				return fmt.Errorf("failed to upsert batch of %d: %w", len(batch), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ix.logger.Debug("inserted chunks", zap.Int("count", len(chunks)))
	return nil
}

// Query embeds text and returns at most topK chunks from the course's handbook,
// best first. An unknown course yields no results.
func (ix *Index) Query(ctx context.Context, text, course string, topK int) ([]models.SearchResult, error) {
	filename, ok := ix.catalog.File(course)
	if !ok {
		ix.logger.Warn("query for unknown course", zap.String("course", course))
		return []models.SearchResult{}, nil
	}
	if topK <= 0 {
		return []models.SearchResult{}, nil
	}

	vector, err := ix.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := ix.backend.Search(ctx, vector, filename, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	return results, nil
}

func (ix *Index) DeleteSource(ctx context.Context, filename string) error {
	if err := ix.backend.DeleteSource(ctx, filename); err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", filename, err)
	}
	return nil
}

// Clear deletes the collection and recreates it empty. The collection is only
// recreated when the delete succeeded.
func (ix *Index) Clear(ctx context.Context) error {
	if err := ix.backend.Drop(ctx); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return ix.EnsureCollection(ctx)
}

func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.backend.Count(ctx)
}

func (ix *Index) Close() error {
	return ix.backend.Close()
}
