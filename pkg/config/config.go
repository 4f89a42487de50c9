package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xhad/handbookqa/internal/models"
)

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	HTTPS  bool   `yaml:"https"`
}

type PGVectorConfig struct {
	URL       string `yaml:"url"`
	TableName string `yaml:"table_name"`
}

type VectorStoreConfig struct {
	Type       string         `yaml:"type"`
	Collection string         `yaml:"collection"`
	BatchSize  int            `yaml:"batch_size"`
	Parallel   int            `yaml:"parallel"`
	Qdrant     QdrantConfig   `yaml:"qdrant"`
	PGVector   PGVectorConfig `yaml:"pgvector"`
}

type RerankConfig struct {
	Provider  string   `yaml:"provider"`
	APIKey    string   `yaml:"api_key"`
	BaseURL   string   `yaml:"base_url"`
	Model     string   `yaml:"model"`
	TopN      int      `yaml:"top_n"`
	// Threshold is the minimum relevance score kept after reranking. Unset
	// means 0.3; an explicit 0 keeps every candidate.
	Threshold *float64 `yaml:"threshold"`
}

const defaultRerankThreshold = 0.3

func (r RerankConfig) MinScore() float64 {
	if r.Threshold == nil {
		return defaultRerankThreshold
	}
	return *r.Threshold
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type PromptsConfig struct {
	ReformulatePath string `yaml:"reformulate_path"`
	QAPath          string `yaml:"qa_path"`
}

type IngestConfig struct {
	DataPath      string `yaml:"data_path"`
	MaxCharacters int    `yaml:"max_characters"`
	CombineUnder  int    `yaml:"combine_under"`
	Overlap       int    `yaml:"overlap"`
	Workers       int    `yaml:"workers"`
}

type ScraperConfig struct {
	RateLimit      float64 `yaml:"rate_limit"`
	UserAgent      string  `yaml:"user_agent"`
	TimeoutSeconds int     `yaml:"timeout_secs"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type RetryConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	InitialBackoffMs   int `yaml:"initial_backoff_ms"`
	MaxBackoffSecs     int `yaml:"max_backoff_secs"`
	AttemptTimeoutSecs int `yaml:"attempt_timeout_secs"`
}

type EvalConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Rerank      RerankConfig      `yaml:"rerank"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Prompts     PromptsConfig     `yaml:"prompts"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Scraper     ScraperConfig     `yaml:"scraper"`
	Courses     []models.Course   `yaml:"courses"`
	Server      ServerConfig      `yaml:"server"`
	Retry       RetryConfig       `yaml:"retry"`
	Eval        EvalConfig        `yaml:"eval"`
	Log         LogConfig         `yaml:"log"`
}

// DefaultCourses is the built-in course to handbook mapping.
var DefaultCourses = []models.Course{
	{Name: "Computer Science", File: "computer_science.pdf"},
	{Name: "Electrical Engineering", File: "electrical_engineering.pdf"},
	{Name: "Medicine", File: "medicine.pdf"},
	{Name: "Pharmacy", File: "pharmacy.pdf"},
	{Name: "Creative Arts", File: "creative_arts.pdf"},
}

// LoadEnvFiles loads .env files into the process environment. Variables that
// are already set win, and missing files are ignored.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("error loading %s: %w", f, err)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/handbookqa/config.yaml"),
			"/etc/handbookqa/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "googleai"
	}
	if config.LLM.Model == "" {
		switch config.LLM.Provider {
		case "openai":
			config.LLM.Model = "gpt-4o-mini"
		case "ollama":
			config.LLM.Model = "llama3.1"
		default:
			config.LLM.Model = "gemini-2.0-flash"
		}
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2048
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = "ollama"
	}
	if config.Embedding.Model == "" {
		if config.Embedding.Provider == "openai" {
			config.Embedding.Model = "text-embedding-3-small"
		} else {
			config.Embedding.Model = "nomic-embed-text"
		}
	}
	if config.Embedding.BaseURL == "" && config.Embedding.Provider == "ollama" {
		config.Embedding.BaseURL = "http://localhost:11434"
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 32
	}

	if config.VectorStore.Type == "" {
		config.VectorStore.Type = "qdrant"
	}
	if config.VectorStore.Collection == "" {
		config.VectorStore.Collection = "Repository"
	}
	if config.VectorStore.BatchSize == 0 {
		config.VectorStore.BatchSize = 64
	}
	if config.VectorStore.Parallel == 0 {
		config.VectorStore.Parallel = 4
	}
	if config.VectorStore.Qdrant.Host == "" {
		config.VectorStore.Qdrant.Host = "localhost"
	}
	if config.VectorStore.Qdrant.Port == 0 {
		config.VectorStore.Qdrant.Port = 6333
	}
	if config.VectorStore.PGVector.TableName == "" {
		config.VectorStore.PGVector.TableName = "handbook_chunks"
	}

	if config.Rerank.Provider == "" {
		config.Rerank.Provider = "cohere"
	}
	if config.Rerank.BaseURL == "" {
		config.Rerank.BaseURL = "https://api.cohere.com"
	}
	if config.Rerank.Model == "" {
		config.Rerank.Model = "rerank-v3.5"
	}
	if config.Rerank.TopN == 0 {
		config.Rerank.TopN = 3
	}
	if config.Rerank.Threshold == nil {
		threshold := defaultRerankThreshold
		config.Rerank.Threshold = &threshold
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}

	if config.Ingest.DataPath == "" {
		config.Ingest.DataPath = "./data"
	}
	if config.Ingest.MaxCharacters == 0 {
		config.Ingest.MaxCharacters = 1000
	}
	if config.Ingest.CombineUnder == 0 {
		config.Ingest.CombineUnder = 800
	}
	if config.Ingest.Overlap == 0 {
		config.Ingest.Overlap = 300
	}
	if config.Ingest.Workers == 0 {
		config.Ingest.Workers = 4
	}

	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 1.0
	}
	if config.Scraper.UserAgent == "" {
		config.Scraper.UserAgent = "handbookqa/1.0"
	}
	if config.Scraper.TimeoutSeconds == 0 {
		config.Scraper.TimeoutSeconds = 60
	}

	if len(config.Courses) == 0 {
		config.Courses = append([]models.Course(nil), DefaultCourses...)
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 5
	}
	if config.Retry.InitialBackoffMs == 0 {
		config.Retry.InitialBackoffMs = 500
	}
	if config.Retry.MaxBackoffSecs == 0 {
		config.Retry.MaxBackoffSecs = 30
	}
	if config.Retry.AttemptTimeoutSecs == 0 {
		config.Retry.AttemptTimeoutSecs = 60
	}

	if config.Eval.RequestsPerMinute == 0 {
		config.Eval.RequestsPerMinute = 15
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
}

func mergeWithEnv(config *Config) {
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		config.LLM.Provider = provider
	}
	if model := os.Getenv("LLM_MODEL_NAME"); model != "" {
		config.LLM.Model = model
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if config.LLM.APIKey == "" {
		switch config.LLM.Provider {
		case "openai":
			config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "", "googleai":
			config.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if provider := os.Getenv("EMBEDDING_PROVIDER"); provider != "" {
		config.Embedding.Provider = provider
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" {
		config.Embedding.Model = model
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		if config.LLM.Provider == "ollama" {
			config.LLM.BaseURL = baseURL
		}
		if config.Embedding.Provider == "" || config.Embedding.Provider == "ollama" {
			config.Embedding.BaseURL = baseURL
		}
	}

	if config.Embedding.APIKey == "" && config.Embedding.Provider == "openai" {
		config.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if storeType := os.Getenv("VECTOR_STORE"); storeType != "" {
		config.VectorStore.Type = storeType
	}
	if collection := os.Getenv("COLLECTION_NAME"); collection != "" {
		config.VectorStore.Collection = collection
	}
	if host := os.Getenv("QDRANT_HOST"); host != "" {
		config.VectorStore.Qdrant.Host = host
	}
	if port := envInt("QDRANT_PORT"); port != 0 {
		config.VectorStore.Qdrant.Port = port
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		config.VectorStore.Qdrant.APIKey = key
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.VectorStore.PGVector.URL = dbURL
	}

	if key := os.Getenv("COHERE_API_KEY"); key != "" {
		config.Rerank.APIKey = key
	}
	if topN := envInt("RERANK_TOP_P"); topN != 0 {
		config.Rerank.TopN = topN
	}
	if topK := envInt("RETRIEVE_TOP_K"); topK != 0 {
		config.Retrieval.TopK = topK
	}

	if p := os.Getenv("REFORMULATE_PROMPT_PATH"); p != "" {
		config.Prompts.ReformulatePath = p
	}
	if p := os.Getenv("QA_PROMPT_PATH"); p != "" {
		config.Prompts.QAPath = p
	}
	if p := os.Getenv("DATA_PATH"); p != "" {
		config.Ingest.DataPath = p
	}

	if port := os.Getenv("PORT"); port != "" {
		config.Server.Addr = ":" + port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func (c *Config) Catalog() *models.Catalog {
	return models.NewCatalog(c.Courses)
}

func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSecs) * time.Second
}

func (r RetryConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.AttemptTimeoutSecs) * time.Second
}

func (s ScraperConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}
