package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/handbookqa/internal/models"
)

func TestLoadConfig(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
llm:
  provider: "openai"
  model: "gpt-4o"
  api_key: "sk-test"
  max_tokens: 1000
  temperature: 0.5

vector_store:
  type: "pgvector"
  collection: "Handbooks"
  pgvector:
    url: "postgres://localhost:5432/test"

rerank:
  provider: "none"

retrieval:
  top_k: 8

courses:
  - name: "Law"
    file: "law.pdf"
    source_url: "https://example.edu/law.pdf"
`
	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "openai", config.LLM.Provider)
	assert.Equal(t, "gpt-4o", config.LLM.Model)
	assert.Equal(t, 1000, config.LLM.MaxTokens)
	assert.Equal(t, 0.5, config.LLM.Temperature)
	assert.Equal(t, "pgvector", config.VectorStore.Type)
	assert.Equal(t, "Handbooks", config.VectorStore.Collection)
	assert.Equal(t, "postgres://localhost:5432/test", config.VectorStore.PGVector.URL)
	assert.Equal(t, 8, config.Retrieval.TopK)
	require.Len(t, config.Courses, 1)
	assert.Equal(t, "law.pdf", config.Courses[0].File)

	// Defaults fill the rest
	assert.Equal(t, 0.3, config.Rerank.MinScore())
	assert.Equal(t, 1000, config.Ingest.MaxCharacters)
	assert.Equal(t, 800, config.Ingest.CombineUnder)
	assert.Equal(t, 300, config.Ingest.Overlap)
}

func TestDefaultConfig(t *testing.T) {
	for _, key := range []string{"LLM_PROVIDER", "LLM_MODEL_NAME", "VECTOR_STORE", "RETRIEVE_TOP_K", "COLLECTION_NAME"} {
		t.Setenv(key, "")
	}

	config, err := getDefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, "googleai", config.LLM.Provider)
	assert.Equal(t, "gemini-2.0-flash", config.LLM.Model)
	assert.Equal(t, 0.0, config.LLM.Temperature)
	assert.Equal(t, "qdrant", config.VectorStore.Type)
	assert.Equal(t, "Repository", config.VectorStore.Collection)
	assert.Equal(t, 6333, config.VectorStore.Qdrant.Port)
	assert.Equal(t, 5, config.Retrieval.TopK)
	assert.Equal(t, 3, config.Rerank.TopN)
	assert.Len(t, config.Courses, 5)

	catalog := config.Catalog()
	file, ok := catalog.File("Computer Science")
	require.True(t, ok)
	assert.Equal(t, "computer_science.pdf", file)
}

func TestMergeWithEnv(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")
	t.Setenv("QDRANT_PORT", "7333")
	t.Setenv("RETRIEVE_TOP_K", "12")
	t.Setenv("COHERE_API_KEY", "co-key")
	t.Setenv("PORT", "9090")

	config, err := getDefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, "ollama", config.LLM.Provider)
	assert.Equal(t, "llama3.1", config.LLM.Model)
	assert.Equal(t, "http://ollama:11434", config.LLM.BaseURL)
	assert.Equal(t, "http://ollama:11434", config.Embedding.BaseURL)
	assert.Equal(t, 7333, config.VectorStore.Qdrant.Port)
	assert.Equal(t, 12, config.Retrieval.TopK)
	assert.Equal(t, "co-key", config.Rerank.APIKey)
	assert.Equal(t, ":9090", config.Server.Addr)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("HANDBOOKQA_TEST_VALUE=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("HANDBOOKQA_TEST_VALUE") })

	require.NoError(t, LoadEnvFiles(envPath, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-dotenv", os.Getenv("HANDBOOKQA_TEST_VALUE"))
}

func TestRerankThresholdZeroIsKept(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("rerank:\n  threshold: 0\n"), 0644))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, config.Rerank.Threshold)
	assert.Zero(t, config.Rerank.MinScore())

	require.NoError(t, os.WriteFile(configPath, []byte("rerank:\n  top_n: 4\n"), 0644))
	config, err = LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 0.3, config.Rerank.MinScore())
}

func validConfig() Config {
	c := Config{}
	c.LLM.APIKey = "key"
	c.Rerank.APIKey = "key"
	applyDefaults(&c)
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(c *Config)
		expectedErrs int
		fields       []string
	}{
		{
			name:         "valid config",
			mutate:       func(c *Config) {},
			expectedErrs: 0,
		},
		{
			name: "missing api keys",
			mutate: func(c *Config) {
				c.LLM.APIKey = ""
				c.Rerank.APIKey = ""
			},
			expectedErrs: 2,
			fields:       []string{"llm.api_key", "rerank.api_key"},
		},
		{
			name: "rerank disabled needs no key",
			mutate: func(c *Config) {
				c.Rerank.Provider = "none"
				c.Rerank.APIKey = ""
			},
			expectedErrs: 0,
		},
		{
			name: "out of range values",
			mutate: func(c *Config) {
				c.LLM.Temperature = 3
				c.Retrieval.TopK = 0
				threshold := 1.5
				c.Rerank.Threshold = &threshold
			},
			expectedErrs: 3,
			fields:       []string{"llm.temperature", "rerank.threshold", "retrieval.top_k"},
		},
		{
			name: "chunk bounds",
			mutate: func(c *Config) {
				c.Ingest.CombineUnder = 1200
				c.Ingest.Overlap = 1000
			},
			expectedErrs: 2,
			fields:       []string{"ingest.combine_under", "ingest.overlap"},
		},
		{
			name: "duplicate courses",
			mutate: func(c *Config) {
				c.Courses = []models.Course{
					{Name: "Medicine", File: "medicine.pdf"},
					{Name: "Medicine", File: "medicine.pdf"},
				}
			},
			expectedErrs: 2,
			fields:       []string{"courses[1]", "courses[1]"},
		},
		{
			name: "pgvector without url",
			mutate: func(c *Config) {
				c.VectorStore.Type = "pgvector"
			},
			expectedErrs: 1,
			fields:       []string{"vector_store.pgvector.url"},
		},
		{
			name: "unknown providers",
			mutate: func(c *Config) {
				c.LLM.Provider = "watson"
				c.VectorStore.Type = "faiss"
			},
			expectedErrs: 2,
			fields:       []string{"llm.provider", "vector_store.type"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)

			errs := c.Validate()
			assert.Len(t, errs, tt.expectedErrs)
			for i, field := range tt.fields {
				if i < len(errs) {
					assert.Equal(t, field, errs[i].Field)
				}
			}
		})
	}
}
