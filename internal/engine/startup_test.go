package engine

import (
	"context"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []Message, _ *ChatOptions) (string, error) {
	return "", nil
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ []string) ([][]float32, error) {
	return nil, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool             { return m.isRunning }
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true, "nomic-embed-text": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "llama3.1", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "llama3.1", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, io.Discard, "llama3.1", "nomic-embed-text")
	if err == nil {
		t.Fatal("expected error when engine is down")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnsureReady_SkipsPullForHostedEngine(t *testing.T) {
	h := &hostedOnly{running: true}
	if err := EnsureReady(context.Background(), h, io.Discard, "gpt-4o"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}

func TestEnsureReady_DeduplicatesModels(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, io.Discard, "nomic-embed-text", "nomic-embed-text", "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 {
		t.Errorf("expected a single pull, got %v", m.pulled)
	}
}

// hostedOnly has no local model management.
type hostedOnly struct{ running bool }

func (h *hostedOnly) Chat(context.Context, string, []Message, *ChatOptions) (string, error) {
	return "", nil
}
func (h *hostedOnly) Embed(context.Context, string, []string) ([][]float32, error) { return nil, nil }
func (h *hostedOnly) IsRunning(context.Context) bool                               { return h.running }
