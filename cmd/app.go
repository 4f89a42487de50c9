package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/types"
	cfgPkg "github.com/xhad/handbookqa/pkg/config"
	"github.com/xhad/handbookqa/pkg/ingest"
	"github.com/xhad/handbookqa/pkg/llm"
	"github.com/xhad/handbookqa/pkg/loader"
	"github.com/xhad/handbookqa/pkg/processor"
	"github.com/xhad/handbookqa/pkg/rag"
	"github.com/xhad/handbookqa/pkg/rerank"
	"github.com/xhad/handbookqa/pkg/retry"
	"github.com/xhad/handbookqa/pkg/store"
)

// app builds the components each command needs from the loaded configuration.
type app struct {
	config *cfgPkg.Config
	logger *zap.Logger
}

func (a *app) retryPolicy() retry.Policy {
	r := a.config.Retry
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff(),
		MaxBackoff:     r.MaxBackoff(),
		AttemptTimeout: r.AttemptTimeout(),
	}
}

func (a *app) newIndex(ctx context.Context) (*store.Index, error) {
	backend, err := store.Open(ctx, a.config.VectorStore, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	e := a.config.Embedding
	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		Provider:  e.Provider,
		Model:     e.Model,
		APIKey:    e.APIKey,
		BaseURL:   e.BaseURL,
		BatchSize: e.BatchSize,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return store.NewIndex(backend, embedder, a.config.Catalog(), store.IndexConfig{
		Dimension: e.Dimension,
		BatchSize: a.config.VectorStore.BatchSize,
		Parallel:  a.config.VectorStore.Parallel,
	}, a.logger), nil
}

func (a *app) newReranker() (types.Reranker, float64) {
	r := a.config.Rerank
	if r.Provider == "none" {
		// vector similarity is not on the reranker's scale
		return rerank.Passthrough{TopN: r.TopN}, 0
	}
	return rerank.NewCohere(rerank.CohereConfig{
		APIKey:  r.APIKey,
		BaseURL: r.BaseURL,
		Model:   r.Model,
		TopN:    r.TopN,
	}, a.logger), r.MinScore()
}

func (a *app) newPipeline(ctx context.Context, index *store.Index) (*rag.Pipeline, error) {
	l := a.config.LLM
	model, err := llm.NewModel(ctx, llm.ModelConfig{
		Provider: l.Provider,
		Model:    l.Model,
		APIKey:   l.APIKey,
		BaseURL:  l.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(model, llm.ClientConfig{
		Temperature: l.Temperature,
		MaxTokens:   l.MaxTokens,
	}, a.logger)

	prompts, err := rag.LoadPrompts(a.config.Prompts.ReformulatePath, a.config.Prompts.QAPath)
	if err != nil {
		return nil, err
	}

	reranker, threshold := a.newReranker()
	a.logger.Debug("pipeline ready",
		zap.String("llm", l.Provider+"/"+l.Model),
		zap.String("reranker", reranker.Name()),
		zap.Float64("threshold", threshold))

	return rag.NewPipeline(client, index, reranker, prompts, rag.Config{
		TopK:        a.config.Retrieval.TopK,
		Threshold:   threshold,
		Temperature: l.Temperature,
		MaxTokens:   l.MaxTokens,
		Retry:       a.retryPolicy(),
	}, a.logger), nil
}

func (a *app) newIngestor(index ingest.Indexer, dumpPath string) *ingest.Ingestor {
	c := a.config.Ingest
	proc := processor.NewWithConfig(processor.ProcessorConfig{
		MaxCharacters: c.MaxCharacters,
		CombineUnder:  c.CombineUnder,
		Overlap:       c.Overlap,
	})
	return ingest.New(loader.New(a.logger), &proc, index, a.config.Catalog(), ingest.Config{
		Workers:  c.Workers,
		Retry:    a.retryPolicy(),
		DumpPath: dumpPath,
	}, a.logger)
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

// withSpinner shows an animated spinner while fn runs.
func withSpinner(description string, fn func() error) error {
	spinner := getSpinner(description)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				spinner.Add(1)
			}
		}
	}()

	err := fn()
	close(done)
	spinner.Finish()
	return err
}
