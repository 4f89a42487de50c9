package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/retry"
)

// DefaultThreshold is the minimum relevance score a reranked candidate needs to
// be used as context.
const DefaultThreshold = 0.3

type CohereConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	TopN    int
	Timeout time.Duration
}

// Cohere calls the Cohere rerank endpoint.
type Cohere struct {
	config CohereConfig
	client *http.Client
	logger *zap.Logger
}

func NewCohere(config CohereConfig, logger *zap.Logger) *Cohere {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.cohere.com"
	}
	if config.Model == "" {
		config.Model = "rerank-v3.5"
	}
	if config.TopN <= 0 {
		config.TopN = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Cohere{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logging.OrNop(logger),
	}
}

func (c *Cohere) Name() string { return "cohere/" + c.config.Model }

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank returns at most TopN candidates ordered by Cohere relevance score.
func (c *Cohere) Rerank(ctx context.Context, query string, candidates []models.SearchResult) ([]models.SearchResult, error) {
	if len(candidates) == 0 {
		return []models.SearchResult{}, nil
	}

	docs := make([]string, len(candidates))
	for i, cand := range candidates {
		docs[i] = cand.Chunk.Text
	}
	topN := c.config.TopN
	if topN > len(docs) {
		topN = len(docs)
	}

	data, err := json.Marshal(rerankRequest{
		Model:     c.config.Model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v2/rerank", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &retry.StatusError{Service: "cohere rerank", Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, se
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, errors.New("rerank response references an unknown document")
		}
		results = append(results, models.SearchResult{
			Chunk: candidates[r.Index].Chunk,
			Score: r.RelevanceScore,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	c.logger.Debug("reranked candidates",
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(results)))
	return results, nil
}

// Passthrough keeps vector order and scores. It is used when no reranking
// service is configured.
type Passthrough struct {
	TopN int
}

func (p Passthrough) Name() string { return "passthrough" }

func (p Passthrough) Rerank(ctx context.Context, query string, candidates []models.SearchResult) ([]models.SearchResult, error) {
	out := append([]models.SearchResult{}, candidates...)
	if p.TopN > 0 && len(out) > p.TopN {
		out = out[:p.TopN]
	}
	return out, nil
}

// Filter drops results scoring below threshold, preserving order.
func Filter(results []models.SearchResult, threshold float64) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}
