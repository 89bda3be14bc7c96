package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/storyqa/internal/retry"
)

func TestOpenAIEngine_EmbedRestoresInputOrder(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"), r.URL.Path)
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.0, 1.0]},
				{"object": "embedding", "index": 0, "embedding": [1.0, 0.0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	e := NewOpenAIEngine("sk-test", srv.URL, 2)
	vecs, err := e.Embed(context.Background(), "text-embedding-3-small", []string{"first", "second"})
	require.NoError(t, err)

	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, "text-embedding-3-small", captured["model"])
	assert.EqualValues(t, 2, captured["dimensions"])
}

func TestOpenAIEngine_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"test_cases\":[]}"}}]
		}`))
	}))
	defer srv.Close()

	e := NewOpenAIEngine("sk-test", srv.URL, 0)
	out, err := e.Chat(context.Background(), "gpt-4o-mini", []Message{
		{Role: RoleSystem, Content: "You write test cases."},
		{Role: RoleUser, Content: "story"},
	}, &ChatOptions{MaxTokens: 512})
	require.NoError(t, err)
	assert.Equal(t, `{"test_cases":[]}`, out)
}

func TestOpenAIEngine_RateLimitCarriesStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit_error"}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEngine("sk-test", srv.URL, 0)
	_, err := e.Embed(context.Background(), "m", []string{"x"})
	require.Error(t, err)

	var hs retry.HTTPStatuser
	require.True(t, errors.As(err, &hs))
	assert.Equal(t, http.StatusTooManyRequests, hs.HTTPStatus())
	assert.True(t, retry.ShouldRetry(err))
	assert.Equal(t, 1, calls, "sdk retries must be disabled")
}

func TestAnthropicEngine_Chat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "generated"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	e := NewAnthropicEngine("key", srv.URL)
	out, err := e.Chat(context.Background(), "claude-sonnet-4-5", []Message{
		{Role: RoleSystem, Content: "system prompt"},
		{Role: RoleUser, Content: "story"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "generated", out)
	assert.EqualValues(t, defaultAnthropicMaxTokens, captured["max_tokens"])
	assert.NotNil(t, captured["system"])
}

func TestAnthropicEngine_EmbedUnsupported(t *testing.T) {
	e := NewAnthropicEngine("key", "")
	_, err := e.Embed(context.Background(), "m", []string{"x"})
	assert.ErrorIs(t, err, ErrEmbeddingsUnsupported)
	assert.False(t, retry.ShouldRetry(err))
}
