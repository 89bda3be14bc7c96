package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STORYQA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "STORYQA_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.webhook_secret", typ: kString, env: "STORYQA_SERVER_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.WebhookSecret },
	},
	{
		key: "log.level", typ: kString, env: "STORYQA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STORYQA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.provider", typ: kString, env: "STORYQA_ENGINE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Provider },
	},
	{
		key: "engine.chat_model", typ: kString, env: "STORYQA_ENGINE_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ChatModel },
	},
	{
		key: "ollama.base_url", typ: kString, env: "STORYQA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "STORYQA_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "STORYQA_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "STORYQA_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "embedding.provider", typ: kString, env: "STORYQA_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "STORYQA_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "STORYQA_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.cache_size", typ: kInt, env: "STORYQA_EMBEDDING_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.CacheSize },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "STORYQA_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "retry.max_retries", typ: kInt, env: "STORYQA_RETRY_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxRetries },
	},
	{
		key: "retry.backoff_base", typ: kDuration, env: "STORYQA_RETRY_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Retry.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BackoffBase },
	},
	{
		key: "retry.max_backoff", typ: kDuration, env: "STORYQA_RETRY_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxBackoff },
	},
	{
		key: "vector.backend", typ: kString, env: "STORYQA_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.postgres_dsn", typ: kString, env: "STORYQA_VECTOR_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vector.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.PostgresDSN },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "STORYQA_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "rerank.enabled", typ: kBool, env: "STORYQA_RERANK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Rerank.Enabled },
	},
	{
		key: "rerank.timeout", typ: kDuration, env: "STORYQA_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rerank.Timeout },
	},
	{
		key: "rerank.threshold", typ: kFloat, env: "STORYQA_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Rerank.Threshold },
	},
	{
		key: "generation.context_tokens", typ: kInt, env: "STORYQA_GENERATION_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.ContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.ContextTokens },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "STORYQA_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "devops.organization", typ: kString, env: "STORYQA_DEVOPS_ORGANIZATION",
		apply:   func(cfg *Config, v any) { cfg.DevOps.Organization = v.(string) },
		extract: func(cfg Config) any { return cfg.DevOps.Organization },
	},
	{
		key: "devops.project", typ: kString, env: "STORYQA_DEVOPS_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.DevOps.Project = v.(string) },
		extract: func(cfg Config) any { return cfg.DevOps.Project },
	},
	{
		key: "devops.pat", typ: kString, env: "STORYQA_DEVOPS_PAT",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.DevOps.PAT = v.(string) },
		extract: func(cfg Config) any { return cfg.DevOps.PAT },
	},
	{
		key: "devops.base_url", typ: kString, env: "STORYQA_DEVOPS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.DevOps.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.DevOps.BaseURL },
	},
	{
		key: "devops.mock_mode", typ: kBool, env: "STORYQA_DEVOPS_MOCK_MODE",
		apply:   func(cfg *Config, v any) { cfg.DevOps.MockMode = v.(bool) },
		extract: func(cfg Config) any { return cfg.DevOps.MockMode },
	},
}

// parseValue converts a raw string into the Go type a key expects.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kDuration:
		return "duration"
	case kFloat:
		return "number"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
