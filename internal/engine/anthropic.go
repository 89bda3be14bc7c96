package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kalambet/storyqa/internal/retry"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicEngine generates text with Claude models. It has no embeddings
// API, so it is only used as a chat engine.
type AnthropicEngine struct {
	client anthropic.Client
}

var _ Engine = (*AnthropicEngine)(nil)

// NewAnthropicEngine creates an engine for the given key. baseURL may be empty.
func NewAnthropicEngine(apiKey, baseURL string) *AnthropicEngine {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicEngine{client: anthropic.NewClient(opts...)}
}

func (e *AnthropicEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	var system []anthropic.TextBlockParam
	msgs := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(defaultAnthropicMaxTokens)
	params := anthropic.MessageNewParams{
		Model:    anthropic.Model(model),
		Messages: msgs,
		System:   system,
	}
	if opts != nil {
		if opts.MaxTokens > 0 {
			maxTokens = int64(opts.MaxTokens)
		}
		if opts.Temperature != nil {
			params.Temperature = anthropic.Float(*opts.Temperature)
		}
	}
	params.MaxTokens = maxTokens

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &retry.StatusError{Code: apiErr.StatusCode, Err: fmt.Errorf("anthropic chat: %w", err)}
		}
		return "", fmt.Errorf("anthropic chat: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (e *AnthropicEngine) Embed(_ context.Context, _ string, _ []string) ([][]float32, error) {
	return nil, ErrEmbeddingsUnsupported
}

func (e *AnthropicEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.Models.List(ctx, anthropic.ModelListParams{})
	return err == nil
}
