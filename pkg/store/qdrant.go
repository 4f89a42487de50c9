package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/retry"
)

// filenameKey is the payload path used to scope searches to one handbook.
const filenameKey = "metadata.filename"

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// Qdrant is a REST client for one Qdrant collection using cosine distance.
type Qdrant struct {
	config QdrantConfig
	client *http.Client
	logger *zap.Logger
}

func NewQdrant(config QdrantConfig, logger *zap.Logger) *Qdrant {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Qdrant{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logging.OrNop(logger),
	}
}

func (q *Qdrant) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.config.Collection) + suffix
}

func (q *Qdrant) Exists(ctx context.Context) (bool, error) {
	err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, nil)
	if err == nil {
		return true, nil
	}
	var se *retry.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (q *Qdrant) Create(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath(""), body, nil); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	index := map[string]any{
		"field_name":   filenameKey,
		"field_schema": "keyword",
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath("/index?wait=true"), index, nil); err != nil {
		return fmt.Errorf("failed to create payload index: %w", err)
	}

	q.logger.Info("created collection",
		zap.String("collection", q.config.Collection),
		zap.Int("dimension", dimension))
	return nil
}

func (q *Qdrant) Drop(ctx context.Context) error {
	err := q.do(ctx, http.MethodDelete, q.collectionPath(""), nil, nil)
	var se *retry.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

type qdrantPayload struct {
	Text     string               `json:"text"`
	Metadata models.ChunkMetadata `json:"metadata"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

func (q *Qdrant) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]qdrantPoint, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", c.ID)
		}
		points[i] = qdrantPoint{
			ID:      c.ID,
			Vector:  c.Embedding,
			Payload: qdrantPayload{Text: c.Text, Metadata: c.Metadata},
		}
	}
	body := map[string]any{"points": points}
	return q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), body, nil)
}

func filenameFilter(filename string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": filenameKey, "match": map[string]any{"value": filename}},
		},
	}
}

func (q *Qdrant) Search(ctx context.Context, vector []float32, filename string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"filter":       filenameFilter(filename),
	}
	var resp struct {
		Result []struct {
			ID      any           `json:"id"`
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, models.SearchResult{
			Chunk: models.Chunk{
				ID:       fmt.Sprint(r.ID),
				Text:     r.Payload.Text,
				Metadata: r.Payload.Metadata,
			},
			Score: r.Score,
		})
	}
	return results, nil
}

func (q *Qdrant) DeleteSource(ctx context.Context, filename string) error {
	body := map[string]any{"filter": filenameFilter(filename)}
	return q.do(ctx, http.MethodPost, q.collectionPath("/points/delete?wait=true"), body, nil)
}

func (q *Qdrant) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/count"), map[string]any{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (q *Qdrant) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.config.URL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.config.APIKey != "" {
		req.Header.Set("api-key", q.config.APIKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &retry.StatusError{
			Service:    "qdrant " + method + " " + path,
			Code:       resp.StatusCode,
			Body:       string(bytes.TrimSpace(msg)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode qdrant response: %w", err)
		}
	}
	return nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
