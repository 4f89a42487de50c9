package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/ingest"
	"github.com/xhad/handbookqa/pkg/loader"
	"github.com/xhad/handbookqa/pkg/processor"
	"github.com/xhad/handbookqa/pkg/retry"
	"github.com/xhad/handbookqa/pkg/store"
)

type bagEmbedder struct{}

func (bagEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = bag(t)
	}
	return out, nil
}

func (bagEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return bag(text), nil
}

func bag(text string) []float32 {
	v := make([]float32, 32)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%32]++
	}
	return v
}

func testCatalog() *models.Catalog {
	return models.NewCatalog([]models.Course{
		{Name: "Computer Science", File: "computer_science.md"},
		{Name: "Medicine", File: "medicine.txt"},
	})
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newIngestor(t *testing.T, index ingest.Indexer, cfg ingest.Config) *ingest.Ingestor {
	t.Helper()
	proc := processor.NewWithConfig(processor.ProcessorConfig{MaxCharacters: 200, CombineUnder: 100})
	return ingest.New(loader.New(nil), &proc, index, testCatalog(), cfg, nil)
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "computer_science.md", "# Modules\n\nYear one covers algorithms and data structures.\n\n# Assessment\n\nExams are held in May.")
	writeFile(t, dir, "medicine.txt", "Clinical placements start in year three.")
	writeFile(t, dir, "notes.txt", "not a handbook")
	writeFile(t, dir, "image.png", "\x89PNG")

	backend := store.NewMemory()
	index := store.NewIndex(backend, bagEmbedder{}, testCatalog(), store.IndexConfig{}, nil)
	dump := filepath.Join(t.TempDir(), "parsed_documents.json")

	var progress []int
	var mu sync.Mutex
	in := newIngestor(t, index, ingest.Config{Workers: 2, DumpPath: dump})
	in.OnProgress(func(done, total int, _ ingest.FileResult) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 4, total)
		progress = append(progress, done)
	})

	report, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Len(t, report.Files, 4)
	assert.Equal(t, 2, report.Skipped)
	assert.Positive(t, report.Chunks)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, progress)

	count, err := backend.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Chunks, count)

	results, err := index.Query(context.Background(), "clinical placements", "Medicine", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "medicine.txt", r.Chunk.Metadata.Filename)
	}

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	var dumped []models.Chunk
	require.NoError(t, json.Unmarshal(data, &dumped))
	assert.Len(t, dumped, report.Chunks)
	assert.Equal(t, "computer_science.md", dumped[0].Metadata.Filename)
	assert.NotEmpty(t, dumped[0].Embedding)
}

func TestIngestDirIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "medicine.txt", "Clinical placements start in year three.")

	backend := store.NewMemory()
	index := store.NewIndex(backend, bagEmbedder{}, testCatalog(), store.IndexConfig{}, nil)
	in := newIngestor(t, index, ingest.Config{})

	for i := 0; i < 2; i++ {
		_, err := in.IngestDir(context.Background(), dir)
		require.NoError(t, err)
	}
	count, err := backend.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIngestDirDropsChunksOfShrunkFile(t *testing.T) {
	dir := t.TempDir()
	var paragraphs []string
	for _, topic := range []string{"algorithms", "compilers", "databases", "networks", "robotics", "graphics"} {
		paragraphs = append(paragraphs, "# "+topic+"\n\nThe "+topic+" module runs in the spring term and is assessed by a written exam and a practical project.")
	}
	writeFile(t, dir, "computer_science.md", strings.Join(paragraphs, "\n\n"))

	backend := store.NewMemory()
	index := store.NewIndex(backend, bagEmbedder{}, testCatalog(), store.IndexConfig{}, nil)
	in := newIngestor(t, index, ingest.Config{})

	_, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	before, err := backend.Count(context.Background())
	require.NoError(t, err)
	require.Greater(t, before, 1)

	writeFile(t, dir, "computer_science.md", "The degree requires 360 credits.")
	report, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)

	after, err := backend.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Chunks, after)
	assert.Equal(t, 1, after)

	results, err := index.Query(context.Background(), "robotics module exam", "Computer Science", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotContains(t, r.Chunk.Text, "robotics")
	}
}

func TestIngestDirMissing(t *testing.T) {
	in := newIngestor(t, &fakeIndex{}, ingest.Config{})
	_, err := in.IngestDir(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

type fakeIndex struct {
	mu       sync.Mutex
	inserts  int
	deleted  []string
	failures int
}

func (f *fakeIndex) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeIndex) Insert(ctx context.Context, chunks []models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.failures > 0 {
		f.failures--
		return retry.Transient(errors.New("connection reset"))
	}
	return nil
}

func (f *fakeIndex) DeleteSource(ctx context.Context, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, filename)
	return nil
}

func TestIngestRetriesTransientStoreErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "medicine.txt", "Clinical placements start in year three.")

	index := &fakeIndex{failures: 2}
	in := newIngestor(t, index, ingest.Config{Retry: retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}})

	report, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
	assert.Equal(t, 3, index.inserts)
	assert.Equal(t, []string{"medicine.txt"}, index.deleted)
}

func TestIngestStoreFailureAborts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "medicine.txt", "Clinical placements start in year three.")

	in := newIngestor(t, &fakeIndex{failures: 5}, ingest.Config{})
	_, err := in.IngestDir(context.Background(), dir)
	assert.Error(t, err)
}

func TestIngestFileReplacesSource(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "medicine.txt", "Clinical placements start in year three.")

	index := &fakeIndex{}
	in := newIngestor(t, index, ingest.Config{})

	result, err := in.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, []string{"medicine.txt"}, index.deleted)

	result, err = in.IngestFile(context.Background(), writeFile(t, dir, "unknown.txt", "x"))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "file is not mapped to a course", result.Reason)
}

func TestWatchReingestsAndRemoves(t *testing.T) {
	ingest.WatchDebounce = 20 * time.Millisecond
	dir := t.TempDir()

	backend := store.NewMemory()
	index := store.NewIndex(backend, bagEmbedder{}, testCatalog(), store.IndexConfig{}, nil)
	in := newIngestor(t, index, ingest.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Watch(ctx, dir) }()
	time.Sleep(50 * time.Millisecond)

	count := func() int {
		n, err := backend.Count(context.Background())
		if err != nil {
			return -1
		}
		return n
	}

	path := writeFile(t, dir, "medicine.txt", "Clinical placements start in year three.")
	assert.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return count() == 0 }, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
