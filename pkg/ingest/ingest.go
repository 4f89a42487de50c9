// Package ingest turns handbook files into embedded chunks in the vector store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/loader"
	"github.com/xhad/handbookqa/pkg/retry"
)

// DocumentLoader is satisfied by *loader.Loader.
type DocumentLoader interface {
	Load(ctx context.Context, path string) (*models.Document, error)
}

// Chunker is satisfied by processor.Processor.
type Chunker interface {
	Chunk(doc *models.Document) []models.Chunk
}

// Indexer is satisfied by *store.Index.
type Indexer interface {
	EnsureCollection(ctx context.Context) error
	Insert(ctx context.Context, chunks []models.Chunk) error
	DeleteSource(ctx context.Context, filename string) error
}

type Config struct {
	Workers int
	Retry   retry.Policy
	// DumpPath, when set, receives every ingested chunk as JSON.
	DumpPath string
}

// FileResult describes what happened to one file.
type FileResult struct {
	Path    string `json:"path"`
	Chunks  int    `json:"chunks"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type Report struct {
	Files    []FileResult  `json:"files"`
	Chunks   int           `json:"chunks"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// ProgressFunc is called after each file finishes. Calls are serialized.
type ProgressFunc func(done, total int, result FileResult)

type Ingestor struct {
	loader   DocumentLoader
	chunker  Chunker
	index    Indexer
	catalog  *models.Catalog
	config   Config
	logger   *zap.Logger
	progress ProgressFunc
}

func New(l DocumentLoader, chunker Chunker, index Indexer, catalog *models.Catalog, config Config, logger *zap.Logger) *Ingestor {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.NoRetry
	}
	return &Ingestor{
		loader:  l,
		chunker: chunker,
		index:   index,
		catalog: catalog,
		config:  config,
		logger:  logging.OrNop(logger),
	}
}

func (in *Ingestor) OnProgress(fn ProgressFunc) {
	in.progress = fn
}

var errSkip = errors.New("skipped")

// IngestDir ingests every regular file directly inside dir, replacing the
// chunks previously stored for each ingested file. Files that are
// unsupported, unreadable or not mapped to a course are skipped with a
// warning; store failures abort the run.
func (in *Ingestor) IngestDir(ctx context.Context, dir string) (*Report, error) {
	start := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}

	if err := retry.Do(ctx, in.config.Retry, in.index.EnsureCollection); err != nil {
		return nil, fmt.Errorf("failed to prepare collection: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make([]FileResult, 0, len(paths))
		dumped  []models.Chunk
		done    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.config.Workers)
	for _, path := range paths {
		g.Go(func() error {
			result, chunks, err := in.ingest(gctx, path, true)
			if err != nil && !errors.Is(err, errSkip) {
				return err
			}

			mu.Lock()
			results = append(results, result)
			if in.config.DumpPath != "" {
				dumped = append(dumped, chunks...)
			}
			done++
			if in.progress != nil {
				in.progress(done, len(paths), result)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	report := &Report{Files: results, Duration: time.Since(start)}
	for _, r := range results {
		report.Chunks += r.Chunks
		if r.Skipped {
			report.Skipped++
		}
	}

	if in.config.DumpPath != "" {
		if err := DumpJSON(in.config.DumpPath, dumped); err != nil {
			return report, err
		}
	}

	in.logger.Info("ingestion finished",
		zap.Int("files", len(results)),
		zap.Int("skipped", report.Skipped),
		zap.Int("chunks", report.Chunks),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// IngestFile ingests a single file, replacing any chunks previously stored for it.
func (in *Ingestor) IngestFile(ctx context.Context, path string) (FileResult, error) {
	if err := retry.Do(ctx, in.config.Retry, in.index.EnsureCollection); err != nil {
		return FileResult{Path: path}, fmt.Errorf("failed to prepare collection: %w", err)
	}
	result, _, err := in.ingest(ctx, path, true)
	if errors.Is(err, errSkip) {
		return result, nil
	}
	return result, err
}

func (in *Ingestor) ingest(ctx context.Context, path string, replace bool) (FileResult, []models.Chunk, error) {
	result := FileResult{Path: path}
	filename := filepath.Base(path)

	skip := func(reason string, args ...zap.Field) (FileResult, []models.Chunk, error) {
		result.Skipped = true
		result.Reason = reason
		in.logger.Warn("skipping file", append([]zap.Field{zap.String("path", path), zap.String("reason", reason)}, args...)...)
		return result, nil, errSkip
	}

	if !loader.Supported(path) {
		return skip("unsupported file type")
	}
	if _, ok := in.catalog.CourseForFile(filename); !ok {
		return skip("file is not mapped to a course")
	}

	doc, err := in.loader.Load(ctx, path)
	if err != nil {
		return skip("unreadable", zap.Error(err))
	}

	chunks := in.chunker.Chunk(doc)
	if len(chunks) == 0 {
		return skip("no text extracted")
	}

	if replace {
		if err := retry.Do(ctx, in.config.Retry, func(ctx context.Context) error {
			return in.index.DeleteSource(ctx, filename)
		}); err != nil {
			return result, nil, err
		}
	}

	err = retry.Do(ctx, in.config.Retry, func(ctx context.Context) error {
		return in.index.Insert(ctx, chunks)
	})
	if err != nil {
		return result, nil, fmt.Errorf("failed to index %s: %w", filename, err)
	}

	result.Chunks = len(chunks)
	in.logger.Info("ingested file", zap.String("file", filename), zap.Int("chunks", len(chunks)))
	return result, chunks, nil
}

// DumpJSON writes chunks, including their embeddings, to path.
func DumpJSON(path string, chunks []models.Chunk) error {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i].Metadata, chunks[j].Metadata
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		return a.Index < b.Index
	})
	if chunks == nil {
		chunks = []models.Chunk{}
	}

	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode chunks: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
