package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/internal/types"
	"github.com/xhad/handbookqa/pkg/llm"
	"github.com/xhad/handbookqa/pkg/rerank"
	"github.com/xhad/handbookqa/pkg/retry"
)

// NoContextSentinel replaces the context when nothing relevant was retrieved.
const NoContextSentinel = "No relevant context found."

const (
	reformulatedField = "reformulated_message"
	answerField       = "message"
)

// ErrEmptyQuestion is returned for blank messages before any model call.
var ErrEmptyQuestion = errors.New("question is empty")

// Completer is satisfied by *llm.Client.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message, opts ...llm.Option) (string, error)
}

// Retriever is satisfied by *store.Index.
type Retriever interface {
	Query(ctx context.Context, text, course string, topK int) ([]models.SearchResult, error)
}

// Config tunes retrieval and generation.
type Config struct {
	TopK int
	// Threshold drops reranked candidates scoring below it. Zero keeps all.
	Threshold   float64
	Temperature float64
	MaxTokens   int
	Retry       retry.Policy
}

// Request is one user turn addressed to a course handbook.
type Request struct {
	Message string
	History []models.Turn
	Course  string
	// TopK overrides Config.TopK when positive.
	TopK int
	// WithContexts returns the raw context texts alongside the answer.
	WithContexts bool
}

// Source identifies a chunk that grounded an answer.
type Source struct {
	Filename string  `json:"filename"`
	Page     int     `json:"page,omitempty"`
	Score    float64 `json:"score"`
}

// Answer is the generated reply and what it was based on.
type Answer struct {
	Text              string   `json:"answer"`
	ReformulatedQuery string   `json:"reformulated_query"`
	Contexts          []string `json:"contexts,omitempty"`
	Sources           []Source `json:"sources,omitempty"`
	NoContext         bool     `json:"no_context"`
}

// Pipeline answers questions about one course handbook at a time. It keeps no
// per-request state, so one Pipeline serves concurrent requests.
type Pipeline struct {
	completer Completer
	retriever Retriever
	reranker  types.Reranker
	prompts   *Prompts
	config    Config
	logger    *zap.Logger
}

func NewPipeline(completer Completer, retriever Retriever, reranker types.Reranker, prompts *Prompts, config Config, logger *zap.Logger) *Pipeline {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2048
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.NoRetry
	}
	if reranker == nil {
		reranker = rerank.Passthrough{}
	}
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return &Pipeline{
		completer: completer,
		retriever: retriever,
		reranker:  reranker,
		prompts:   prompts,
		config:    config,
		logger:    logging.OrNop(logger),
	}
}

// Answer runs reformulation, retrieval, reranking and generation in order.
func (p *Pipeline) Answer(ctx context.Context, req Request) (*Answer, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyQuestion
	}

	query, err := p.Reformulate(ctx, req.History, req.Message)
	if err != nil {
		return nil, err
	}

	topK := p.config.TopK
	if req.TopK > 0 {
		topK = req.TopK
	}
	candidates, err := p.Retrieve(ctx, query, req.Course, topK)
	if err != nil {
		return nil, err
	}

	kept, err := p.Rerank(ctx, query, candidates)
	if err != nil {
		return nil, err
	}

	contextText := NoContextSentinel
	if len(kept) > 0 {
		contextText = JoinContexts(kept)
	}

	messages, err := p.compose(contextText, req.History, req.Message)
	if err != nil {
		return nil, err
	}

	text, err := p.complete(ctx, messages, answerField)
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	answer := &Answer{
		Text:              text,
		ReformulatedQuery: query,
		NoContext:         len(kept) == 0,
	}
	for _, r := range kept {
		answer.Sources = append(answer.Sources, Source{
			Filename: r.Chunk.Metadata.Filename,
			Page:     r.Chunk.Metadata.Page,
			Score:    r.Score,
		})
		if req.WithContexts {
			answer.Contexts = append(answer.Contexts, r.Chunk.Text)
		}
	}
	if req.WithContexts && answer.Contexts == nil {
		answer.Contexts = []string{}
	}

	p.logger.Info("answered question",
		zap.String("course", req.Course),
		zap.Int("history_turns", len(req.History)),
		zap.Int("candidates", len(candidates)),
		zap.Int("contexts", len(kept)))
	return answer, nil
}

// Reformulate turns the latest message and history into a standalone query.
func (p *Pipeline) Reformulate(ctx context.Context, history []models.Turn, message string) (string, error) {
	prompt, err := p.prompts.Reformulate(history, message)
	if err != nil {
		return "", err
	}
	query, err := p.complete(ctx, []models.Message{{Role: models.RoleUser, Content: prompt}}, reformulatedField)
	if err != nil {
		return "", fmt.Errorf("query reformulation failed: %w", err)
	}
	p.logger.Debug("reformulated query", zap.String("query", query))
	return query, nil
}

// Retrieve searches the course's handbook for the query.
func (p *Pipeline) Retrieve(ctx context.Context, query, course string, topK int) ([]models.SearchResult, error) {
	results, err := retry.Value(ctx, p.config.Retry, func(ctx context.Context) ([]models.SearchResult, error) {
		return p.retriever.Query(ctx, query, course, topK)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	return results, nil
}

// Rerank reorders candidates and drops those below the threshold.
func (p *Pipeline) Rerank(ctx context.Context, query string, candidates []models.SearchResult) ([]models.SearchResult, error) {
	if len(candidates) == 0 {
		return []models.SearchResult{}, nil
	}
	reranked, err := retry.Value(ctx, p.config.Retry, func(ctx context.Context) ([]models.SearchResult, error) {
		return p.reranker.Rerank(ctx, query, candidates)
	})
	if err != nil {
		return nil, fmt.Errorf("rerank failed: %w", err)
	}
	if p.config.Threshold > 0 {
		reranked = rerank.Filter(reranked, p.config.Threshold)
	}
	return reranked, nil
}

// compose builds the generation messages: instructions with context first,
// prior turns in order, the new question last.
func (p *Pipeline) compose(contextText string, history []models.Turn, message string) ([]models.Message, error) {
	system, err := p.prompts.QA(contextText)
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, 2+2*len(history))
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: system})
	for _, turn := range history {
		messages = append(messages,
			models.Message{Role: models.RoleUser, Content: turn.User},
			models.Message{Role: models.RoleAssistant, Content: turn.Assistant})
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Content: message})
	return messages, nil
}

// complete requests JSON output and extracts field. Transport failures are
// retried; malformed output is not.
func (p *Pipeline) complete(ctx context.Context, messages []models.Message, field string) (string, error) {
	raw, err := retry.Value(ctx, p.config.Retry, func(ctx context.Context) (string, error) {
		return p.completer.Complete(ctx, messages,
			llm.WithTemperature(p.config.Temperature),
			llm.WithMaxTokens(p.config.MaxTokens),
			llm.WithResponseFormat(llm.FormatJSON))
	})
	if err != nil {
		return "", err
	}
	value, err := llm.DecodeField(raw, field)
	if err != nil {
		p.logger.Warn("malformed model output", zap.String("field", field), zap.String("raw", raw))
		return "", err
	}
	return value, nil
}

// JoinContexts numbers the chunk texts for the answer prompt.
func JoinContexts(results []models.SearchResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("Context %d:\n%s", i+1, r.Chunk.Text)
	}
	return strings.Join(parts, "\n\n")
}
