package engine

import (
	"fmt"
	"time"

	"github.com/kalambet/storyqa/internal/config"
	"github.com/kalambet/storyqa/internal/qaerrors"
)

const ollamaTimeout = 5 * time.Minute

// NewChat builds the engine selected by engine.provider.
func NewChat(cfg config.Config) (Engine, error) {
	switch cfg.Engine.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.Ollama.BaseURL, ollamaTimeout), nil
	case "openai":
		return NewOpenAIEngine(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, 0), nil
	case "anthropic":
		return NewAnthropicEngine(cfg.Anthropic.APIKey, ""), nil
	default:
		return nil, qaerrors.New(qaerrors.KindConfiguration, "engine.new_chat",
			fmt.Errorf("unknown engine provider %q", cfg.Engine.Provider))
	}
}

// NewEmbedder builds the engine selected by embedding.provider.
func NewEmbedder(cfg config.Config) (Engine, error) {
	switch cfg.Embedding.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.Ollama.BaseURL, ollamaTimeout), nil
	case "openai":
		return NewOpenAIEngine(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Embedding.Dimensions), nil
	default:
		return nil, qaerrors.New(qaerrors.KindConfiguration, "engine.new_embedder",
			fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider))
	}
}
