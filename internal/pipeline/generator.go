package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/retry"
)

// Chatter is the text-generation capability. engine.Engine satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, opts *engine.ChatOptions) (string, error)
}

// Generator calls the chat model under a retry policy.
type Generator struct {
	chat      Chatter
	model     string
	policy    *retry.Policy
	maxTokens int
}

// NewGenerator creates a Generator. A nil policy uses retry.DefaultConfig.
func NewGenerator(chat Chatter, model string, policy *retry.Policy, maxTokens int) *Generator {
	if policy == nil {
		policy = retry.NewPolicy("generation", retry.DefaultConfig, nil)
	}
	return &Generator{chat: chat, model: model, policy: policy, maxTokens: maxTokens}
}

// Generate returns the raw model output. Exhausted retries, non-retryable
// provider errors and empty output are GenerationErrors.
func (g *Generator) Generate(ctx context.Context, msgs []engine.Message) (string, error) {
	const op = "generate"
	opts := &engine.ChatOptions{Schema: testCaseSchema(), MaxTokens: g.maxTokens}

	out, err := retry.Value(ctx, g.policy, func(ctx context.Context) (string, error) {
		return g.chat.Chat(ctx, g.model, msgs, opts)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		return "", qaerrors.New(qaerrors.KindGeneration, op, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", qaerrors.Errorf(qaerrors.KindGeneration, op, "model %s returned empty output", g.model)
	}
	return out, nil
}
