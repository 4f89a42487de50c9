package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
)

var (
	ErrEmptyResponse   = errors.New("language model returned an empty response")
	ErrUnknownProvider = errors.New("unknown provider")
)

// ModelConfig selects and authenticates a chat model backend.
type ModelConfig struct {
	Provider string // googleai, openai or ollama
	Model    string
	APIKey   string
	BaseURL  string // Ollama server URL, or an OpenAI-compatible endpoint
}

// NewModel connects to the configured chat model backend.
func NewModel(ctx context.Context, config ModelConfig) (llms.Model, error) {
	switch config.Provider {
	case "googleai":
		model, err := googleai.New(ctx,
			googleai.WithAPIKey(config.APIKey),
			googleai.WithDefaultModel(config.Model))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
		}
		return model, nil
	case "openai":
		opts := []openai.Option{openai.WithToken(config.APIKey), openai.WithModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		return model, nil
	case "ollama":
		model, err := ollama.New(ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, config.Provider)
	}
}

type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

type completeOptions struct {
	temperature float64
	maxTokens   int
	format      ResponseFormat
}

type Option func(*completeOptions)

func WithTemperature(t float64) Option {
	return func(o *completeOptions) { o.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(o *completeOptions) { o.maxTokens = n }
}

func WithResponseFormat(f ResponseFormat) Option {
	return func(o *completeOptions) { o.format = f }
}

// ClientConfig holds the defaults applied to every completion.
type ClientConfig struct {
	Temperature float64
	MaxTokens   int
}

// Client sends chat completions to a language model. It holds no
// conversation state and performs no retries.
type Client struct {
	config ClientConfig
	llm    llms.Model
	logger *zap.Logger
}

func NewClient(model llms.Model, config ClientConfig, logger *zap.Logger) *Client {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2048
	}
	return &Client{
		config: config,
		llm:    model,
		logger: logging.OrNop(logger),
	}
}

// Complete sends messages to the model and returns the text of the first choice.
func (c *Client) Complete(ctx context.Context, messages []models.Message, opts ...Option) (string, error) {
	o := completeOptions{
		temperature: c.config.Temperature,
		maxTokens:   c.config.MaxTokens,
		format:      FormatText,
	}
	for _, opt := range opts {
		opt(&o)
	}

	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(messageType(m.Role), m.Content))
	}

	callOpts := []llms.CallOption{
		llms.WithTemperature(o.temperature),
		llms.WithMaxTokens(o.maxTokens),
	}
	if o.format == FormatJSON {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	c.logger.Debug("sending completion",
		zap.Int("messages", len(messages)),
		zap.Float64("temperature", o.temperature),
		zap.Int("max_tokens", o.maxTokens),
		zap.String("format", string(o.format)))

	resp, err := c.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", fmt.Errorf("completion error: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", ErrEmptyResponse
	}

	text := resp.Choices[0].Content
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func messageType(role models.Role) llms.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
