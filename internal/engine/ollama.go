package engine

import (
	"context"
	"time"

	"github.com/kalambet/storyqa/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

var (
	_ Engine       = (*OllamaEngine)(nil)
	_ ModelManager = (*OllamaEngine)(nil)
)

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string, timeout time.Duration) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL, timeout)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	var (
		s  *ollama.Schema
		oo *ollama.Options
	)
	if opts != nil {
		if opts.Schema != nil {
			s = &ollama.Schema{
				Type:     opts.Schema.Type,
				Required: opts.Schema.Required,
			}
			if opts.Schema.Properties != nil {
				s.Properties = make(map[string]ollama.SchemaProperty, len(opts.Schema.Properties))
				for k, v := range opts.Schema.Properties {
					s.Properties[k] = ollama.SchemaProperty{Type: v.Type, Description: v.Description}
				}
			}
		}
		if opts.MaxTokens > 0 || opts.Temperature != nil {
			oo = &ollama.Options{NumPredict: opts.MaxTokens, Temperature: opts.Temperature}
		}
	}

	return e.client.Chat(ctx, model, msgs, s, oo)
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.Embed(ctx, model, texts)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
