package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	add := func(field, msg string) {
		errors = append(errors, ValidationError{Field: field, Message: msg})
	}

	// Validate LLM config
	switch c.LLM.Provider {
	case "googleai", "openai":
		if c.LLM.APIKey == "" {
			add("llm.api_key", fmt.Sprintf("an API key is required for provider %s", c.LLM.Provider))
		}
	case "ollama":
		if c.LLM.BaseURL == "" {
			add("llm.base_url", "Ollama base URL is required")
		}
	default:
		add("llm.provider", fmt.Sprintf("unknown provider: %s", c.LLM.Provider))
	}

	if c.LLM.BaseURL != "" {
		if _, err := url.Parse(c.LLM.BaseURL); err != nil {
			add("llm.base_url", "invalid base URL")
		}
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		add("llm.max_tokens", "max_tokens must be between 1 and 8192")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2")
	}

	// Validate embedding config
	switch c.Embedding.Provider {
	case "ollama":
		if c.Embedding.BaseURL == "" {
			add("embedding.base_url", "Ollama base URL is required")
		}
	case "openai":
		if c.Embedding.APIKey == "" {
			add("embedding.api_key", "an API key is required for provider openai")
		}
	default:
		add("embedding.provider", fmt.Sprintf("unknown provider: %s", c.Embedding.Provider))
	}

	if c.Embedding.Dimension < 0 {
		add("embedding.dimension", "dimension must be zero (probe) or positive")
	}
	if c.Embedding.BatchSize < 1 {
		add("embedding.batch_size", "batch_size must be positive")
	}

	// Validate vector store config
	switch c.VectorStore.Type {
	case "qdrant":
		if c.VectorStore.Qdrant.Port < 1 || c.VectorStore.Qdrant.Port > 65535 {
			add("vector_store.qdrant.port", "port must be between 1 and 65535")
		}
	case "pgvector":
		if c.VectorStore.PGVector.URL == "" {
			add("vector_store.pgvector.url", "database URL is required for pgvector")
		} else if _, err := url.Parse(c.VectorStore.PGVector.URL); err != nil {
			add("vector_store.pgvector.url", "invalid database URL")
		}
	case "memory":
	default:
		add("vector_store.type", fmt.Sprintf("unknown vector store: %s", c.VectorStore.Type))
	}

	if c.VectorStore.Collection == "" {
		add("vector_store.collection", "collection name is required")
	}
	if c.VectorStore.BatchSize < 1 {
		add("vector_store.batch_size", "batch_size must be positive")
	}
	if c.VectorStore.Parallel < 1 {
		add("vector_store.parallel", "parallel must be positive")
	}

	// Validate rerank config
	switch c.Rerank.Provider {
	case "cohere":
		if c.Rerank.APIKey == "" {
			add("rerank.api_key", "an API key is required for provider cohere")
		}
	case "none":
	default:
		add("rerank.provider", fmt.Sprintf("unknown provider: %s", c.Rerank.Provider))
	}

	if c.Rerank.TopN < 1 {
		add("rerank.top_n", "top_n must be positive")
	}
	if t := c.Rerank.MinScore(); t < 0 || t > 1 {
		add("rerank.threshold", "threshold must be between 0 and 1")
	}

	if c.Retrieval.TopK < 1 {
		add("retrieval.top_k", "top_k must be positive")
	}

	// Validate ingest config
	if c.Ingest.CombineUnder < 0 || c.Ingest.CombineUnder >= c.Ingest.MaxCharacters {
		add("ingest.combine_under", "combine_under must be non-negative and less than max_characters")
	}
	if c.Ingest.Overlap < 0 || c.Ingest.Overlap >= c.Ingest.MaxCharacters {
		add("ingest.overlap", "overlap must be non-negative and less than max_characters")
	}
	if c.Ingest.Workers < 1 {
		add("ingest.workers", "workers must be positive")
	}

	// Validate courses
	if len(c.Courses) == 0 {
		add("courses", "at least one course is required")
	}
	names := make(map[string]bool, len(c.Courses))
	files := make(map[string]bool, len(c.Courses))
	for i, course := range c.Courses {
		field := fmt.Sprintf("courses[%d]", i)
		if course.Name == "" || course.File == "" {
			add(field, "name and file are required")
			continue
		}
		if names[course.Name] {
			add(field, fmt.Sprintf("duplicate course name: %s", course.Name))
		}
		if files[course.File] {
			add(field, fmt.Sprintf("duplicate course file: %s", course.File))
		}
		names[course.Name] = true
		files[course.File] = true
		if course.SourceURL != "" {
			if u, err := url.Parse(course.SourceURL); err != nil || u.Scheme == "" {
				add(field+".source_url", "invalid source URL")
			}
		}
	}

	if c.Scraper.RateLimit <= 0 {
		add("scraper.rate_limit", "rate_limit must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "max_attempts must be positive")
	}
	if c.Retry.InitialBackoffMs < 0 || c.Retry.MaxBackoffSecs < 0 || c.Retry.AttemptTimeoutSecs < 0 {
		add("retry", "durations must not be negative")
	}

	if c.Eval.RequestsPerMinute <= 0 {
		add("eval.requests_per_minute", "requests_per_minute must be positive")
	}

	return errors
}
