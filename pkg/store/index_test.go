package store_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/store"
)

const testDim = 16

// hashEmbedder maps words into a fixed number of buckets.
type hashEmbedder struct {
	queries atomic.Int32
	err     error
}

func embedText(text string) []float32 {
	v := make([]float32, testDim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, ".,?!")))
		v[h.Sum32()%testDim]++
	}
	return v
}

func (e *hashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedText(t)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.queries.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return embedText(text), nil
}

func testCatalog() *models.Catalog {
	return models.NewCatalog([]models.Course{
		{Name: "Computer Science", File: "computer_science.pdf"},
		{Name: "Medicine", File: "medicine.pdf"},
	})
}

func chunk(file string, i int, text string) models.Chunk {
	return models.Chunk{
		ID:       models.ChunkID(file, i),
		Text:     text,
		Metadata: models.ChunkMetadata{Filename: file, Index: i},
	}
}

func newTestIndex(t *testing.T, emb *hashEmbedder, batch int) (*store.Index, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ix := store.NewIndex(mem, emb, testCatalog(), store.IndexConfig{BatchSize: batch, Parallel: 2}, nil)
	require.NoError(t, ix.EnsureCollection(context.Background()))
	return ix, mem
}

func TestEnsureCollectionIsIdempotent(t *testing.T) {
	emb := &hashEmbedder{}
	ix, _ := newTestIndex(t, emb, 10)
	ctx := context.Background()

	require.NoError(t, ix.Insert(ctx, []models.Chunk{chunk("medicine.pdf", 0, "clinical placements")}))
	require.NoError(t, ix.EnsureCollection(ctx))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	// dimension probed once
	assert.Equal(t, int32(1), emb.queries.Load())
}

func TestQueryScopesToCourse(t *testing.T) {
	ix, _ := newTestIndex(t, &hashEmbedder{}, 2)
	ctx := context.Background()

	require.NoError(t, ix.Insert(ctx, []models.Chunk{
		chunk("computer_science.pdf", 0, "Graduation requires 360 credits."),
		chunk("computer_science.pdf", 1, "The library opens at nine."),
		chunk("computer_science.pdf", 2, "Credits are awarded per module."),
		chunk("medicine.pdf", 0, "Graduation requires clinical credits."),
	}))

	results, err := ix.Query(ctx, "How many credits to graduate?", "Computer Science", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "computer_science.pdf", r.Chunk.Metadata.Filename)
		assert.NotEmpty(t, r.Chunk.Text)
	}
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestQueryUnknownCourseReturnsEmpty(t *testing.T) {
	emb := &hashEmbedder{}
	ix, _ := newTestIndex(t, emb, 10)
	before := emb.queries.Load()

	results, err := ix.Query(context.Background(), "anything", "Astrology", 5)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, before, emb.queries.Load())
}

func TestQueryCourseWithoutDocuments(t *testing.T) {
	ix, _ := newTestIndex(t, &hashEmbedder{}, 10)

	results, err := ix.Query(context.Background(), "placements", "Medicine", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInsertBatchedMatchesSingle(t *testing.T) {
	ctx := context.Background()
	chunks := func() []models.Chunk {
		var out []models.Chunk
		for i, text := range []string{"alpha beta", "gamma delta", "epsilon", "zeta eta theta", "iota"} {
			out = append(out, chunk("computer_science.pdf", i, text))
		}
		return out
	}

	batched, _ := newTestIndex(t, &hashEmbedder{}, 2)
	require.NoError(t, batched.Insert(ctx, chunks()))

	single, _ := newTestIndex(t, &hashEmbedder{}, 1)
	for _, c := range chunks() {
		require.NoError(t, single.Insert(ctx, []models.Chunk{c}))
	}

	a, err := batched.Query(ctx, "gamma", "Computer Science", 10)
	require.NoError(t, err)
	b, err := single.Query(ctx, "gamma", "Computer Science", 10)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestInsertEmbedFailure(t *testing.T) {
	emb := &hashEmbedder{}
	ix, _ := newTestIndex(t, emb, 10)
	emb.err = errors.New("embedding service down")

	err := ix.Insert(context.Background(), []models.Chunk{chunk("medicine.pdf", 0, "text")})
	assert.ErrorIs(t, err, emb.err)
}

func TestClearRecreatesEmptyCollection(t *testing.T) {
	ix, mem := newTestIndex(t, &hashEmbedder{}, 10)
	ctx := context.Background()

	require.NoError(t, ix.Insert(ctx, []models.Chunk{chunk("medicine.pdf", 0, "text")}))
	require.NoError(t, ix.Clear(ctx))

	exists, err := mem.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingDrop struct {
	*store.Memory
	creates int
}

func (f *failingDrop) Drop(ctx context.Context) error { return errors.New("delete refused") }

func (f *failingDrop) Create(ctx context.Context, dim int) error {
	f.creates++
	return f.Memory.Create(ctx, dim)
}

func TestClearDoesNotRecreateAfterFailedDelete(t *testing.T) {
	backend := &failingDrop{Memory: store.NewMemory()}
	ix := store.NewIndex(backend, &hashEmbedder{}, testCatalog(), store.IndexConfig{Dimension: testDim}, nil)
	ctx := context.Background()
	require.NoError(t, ix.EnsureCollection(ctx))
	require.Equal(t, 1, backend.creates)

	err := ix.Clear(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, backend.creates)
}

func TestDeleteSource(t *testing.T) {
	ix, _ := newTestIndex(t, &hashEmbedder{}, 10)
	ctx := context.Background()

	require.NoError(t, ix.Insert(ctx, []models.Chunk{
		chunk("computer_science.pdf", 0, "a"),
		chunk("medicine.pdf", 0, "b"),
	}))
	require.NoError(t, ix.DeleteSource(ctx, "medicine.pdf"))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
