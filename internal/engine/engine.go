// Package engine abstracts the text-generation and embedding providers used
// by the pipeline: a local Ollama server or a hosted OpenAI/Anthropic API.
package engine

import (
	"context"
	"errors"
)

// Engine is a provider of chat completions and embeddings. Consumers such as
// the embedding gateway and the test-case generator depend on this interface
// instead of a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error)

	// Embed returns one embedding per input text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the provider is reachable.
	IsRunning(ctx context.Context) bool
}

// ModelManager is implemented by engines that host models locally and can
// download missing ones.
type ModelManager interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// ErrEmbeddingsUnsupported is returned by providers without an embeddings API.
var ErrEmbeddingsUnsupported = errors.New("provider does not support embeddings")
