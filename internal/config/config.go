package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Engine     EngineConfig
	Ollama     OllamaConfig
	OpenAI     OpenAIConfig
	Anthropic  AnthropicConfig
	Embedding  EmbeddingConfig
	Retry      RetryConfig
	Vector     VectorConfig
	Retrieval  RetrievalConfig
	Rerank     RerankConfig
	Generation GenerationConfig
	DevOps     DevOpsConfig
}

type ServerConfig struct {
	Port          int
	Token         string
	WebhookSecret string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// EngineConfig selects the text-generation provider.
type EngineConfig struct {
	Provider  string // ollama | openai | anthropic
	ChatModel string
}

type OllamaConfig struct {
	BaseURL string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey string
}

type EmbeddingConfig struct {
	Provider   string // ollama | openai
	Model      string
	Dimensions int
	CacheSize  int
	BatchSize  int
}

type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

type VectorConfig struct {
	Backend     string // sqlite | pgvector
	PostgresDSN string
}

type RetrievalConfig struct {
	TopK int
}

// RerankConfig controls optional model rescoring of retrieved context.
type RerankConfig struct {
	Enabled   bool
	Timeout   time.Duration
	Threshold float64
}

type GenerationConfig struct {
	ContextTokens int
	MaxTokens     int
}

// DevOpsConfig addresses the Azure DevOps organization that receives test cases.
type DevOpsConfig struct {
	Organization string
	Project      string
	PAT          string
	BaseURL      string
	MockMode     bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			Provider:  "ollama",
			ChatModel: "llama3.1",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			CacheSize:  1000,
			BatchSize:  32,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BackoffBase: 500 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
		},
		Vector: VectorConfig{
			Backend: "sqlite",
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Rerank: RerankConfig{
			Timeout:   5 * time.Second,
			Threshold: 0.3,
		},
		Generation: GenerationConfig{
			ContextTokens: 3000,
			MaxTokens:     4096,
		},
		DevOps: DevOpsConfig{
			BaseURL: "https://dev.azure.com",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/storyqa/config.yaml, then applies STORYQA_* environment
// overrides. Secrets (API keys, PAT, tokens) are read from the environment
// only. The result is validated; any problem is a ConfigurationError.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "storyqa-data"
		}
	}
	return filepath.Join(dir, "storyqa")
}

func configFilePath() string {
	if p := os.Getenv("STORYQA_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "storyqa", "config.yaml")
}
