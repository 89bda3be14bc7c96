package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/storyqa/internal/qaerrors"
)

// Validate checks required settings and ranges. All problems are reported
// together in a single ConfigurationError.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.Engine.Provider {
	case "ollama":
		if c.Ollama.BaseURL == "" {
			add("ollama.base_url is required for engine.provider=ollama")
		}
	case "openai":
		if c.OpenAI.APIKey == "" {
			add("openai api key is required for engine.provider=openai; set STORYQA_OPENAI_API_KEY")
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			add("anthropic api key is required for engine.provider=anthropic; set STORYQA_ANTHROPIC_API_KEY")
		}
	default:
		add("engine.provider %q is not one of ollama, openai, anthropic", c.Engine.Provider)
	}
	if c.Engine.ChatModel == "" {
		add("engine.chat_model is required")
	}

	switch c.Embedding.Provider {
	case "ollama":
	case "openai":
		if c.OpenAI.APIKey == "" {
			add("openai api key is required for embedding.provider=openai; set STORYQA_OPENAI_API_KEY")
		}
	default:
		add("embedding.provider %q is not one of ollama, openai", c.Embedding.Provider)
	}
	if c.Embedding.Model == "" {
		add("embedding.model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		add("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.CacheSize <= 0 {
		add("embedding.cache_size must be positive, got %d", c.Embedding.CacheSize)
	}
	if c.Embedding.BatchSize <= 0 {
		add("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}

	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffBase < 0 {
		add("retry.backoff_base must not be negative")
	}

	switch c.Vector.Backend {
	case "sqlite":
	case "pgvector":
		if c.Vector.PostgresDSN == "" {
			add("vector.postgres_dsn is required for vector.backend=pgvector")
		}
	default:
		add("vector.backend %q is not one of sqlite, pgvector", c.Vector.Backend)
	}

	if c.Retrieval.TopK < 3 || c.Retrieval.TopK > 5 {
		add("retrieval.top_k must be between 3 and 5, got %d", c.Retrieval.TopK)
	}

	if c.Rerank.Threshold < 0 || c.Rerank.Threshold > 1 {
		add("rerank.threshold must be between 0 and 1, got %g", c.Rerank.Threshold)
	}
	if c.Rerank.Enabled && c.Rerank.Timeout <= 0 {
		add("rerank.timeout must be positive when rerank.enabled is set")
	}

	if !c.DevOps.MockMode {
		if c.DevOps.Organization == "" {
			add("devops.organization is required unless devops.mock_mode is set")
		}
		if c.DevOps.Project == "" {
			add("devops.project is required unless devops.mock_mode is set")
		}
		if c.DevOps.PAT == "" {
			add("devops PAT is required unless devops.mock_mode is set; set STORYQA_DEVOPS_PAT")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if len(problems) == 0 {
		return nil
	}
	return qaerrors.New(qaerrors.KindConfiguration, "config.validate", errors.Join(problems...))
}
