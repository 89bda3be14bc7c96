package reranking

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/retrieval"
)

// --- mock chat ---

type mockChat struct {
	chatFn func(ctx context.Context, msgs []engine.Message) (string, error)
}

func (m *mockChat) Chat(ctx context.Context, _ string, msgs []engine.Message, _ *engine.ChatOptions) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, msgs)
	}
	return `{"score": 0.5}`, nil
}

// --- helpers ---

func makeResults(n int, score float64) []retrieval.SimilarityResult {
	results := make([]retrieval.SimilarityResult, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range results {
		results[i] = retrieval.SimilarityResult{
			RecordID: fmt.Sprintf("rec-%d", i),
			Score:    score,
			Source:   retrieval.SourceStory,
			Metadata: retrieval.Metadata{
				Title:     fmt.Sprintf("story %d", i),
				Text:      fmt.Sprintf("text %d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			},
		}
	}
	return results
}

func newTestReranker(chat Chatter, threshold float64, timeout time.Duration, topK int) *LLMReranker {
	return New(chat, Options{Model: "llama3.1", Timeout: timeout, Threshold: threshold, TopK: topK})
}

// scoreByTitle answers with the score mapped to the reference title in the prompt.
func scoreByTitle(scores map[string]float64) *mockChat {
	return &mockChat{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		for title, s := range scores {
			if strings.Contains(msgs[0].Content, "Reference: "+title+"\n") {
				return fmt.Sprintf(`{"score": %g}`, s), nil
			}
		}
		return "", fmt.Errorf("unexpected prompt")
	}}
}

// --- tests ---

func TestLLMReranker_ReordersResults(t *testing.T) {
	chat := scoreByTitle(map[string]float64{"story 0": 0.9, "story 1": 0.3, "story 2": 0.7})

	r := newTestReranker(chat, 0.3, 5*time.Second, 0)
	result := r.Rerank(context.Background(), "login", makeResults(3, 0.5))

	if len(result) != 3 {
		t.Fatalf("got %d results, want 3", len(result))
	}
	wantOrder := []string{"rec-0", "rec-2", "rec-1"}
	for i, res := range result {
		if res.RecordID != wantOrder[i] {
			t.Errorf("result[%d] = %s (%.2f), want %s", i, res.RecordID, res.Score, wantOrder[i])
		}
	}
}

func TestLLMReranker_TiesPreferNewest(t *testing.T) {
	chat := &mockChat{}
	r := newTestReranker(chat, 0.3, 5*time.Second, 0)
	result := r.Rerank(context.Background(), "login", makeResults(3, 0.9))

	if len(result) != 3 {
		t.Fatalf("got %d results, want 3", len(result))
	}
	if result[0].RecordID != "rec-2" || result[2].RecordID != "rec-0" {
		t.Errorf("order = %s %s %s, want newest first", result[0].RecordID, result[1].RecordID, result[2].RecordID)
	}
}

func TestLLMReranker_DropsLowScore(t *testing.T) {
	chat := scoreByTitle(map[string]float64{"story 0": 0.8, "story 1": 0.1, "story 2": 0.7})

	r := newTestReranker(chat, 0.3, 5*time.Second, 0)
	result := r.Rerank(context.Background(), "login", makeResults(3, 0.5))

	if len(result) != 2 {
		t.Fatalf("got %d results, want 2 (low-score result should be dropped)", len(result))
	}
	for _, res := range result {
		if res.Score < 0.3 {
			t.Errorf("result with score %g below threshold was not dropped", res.Score)
		}
	}
}

func TestLLMReranker_AllBelowThreshold(t *testing.T) {
	chat := &mockChat{chatFn: func(context.Context, []engine.Message) (string, error) {
		return `{"score": 0.1}`, nil
	}}

	r := newTestReranker(chat, 0.3, 5*time.Second, 0)
	result := r.Rerank(context.Background(), "login", makeResults(3, 0.9))
	if len(result) != 0 {
		t.Errorf("got %d results, want 0, the input must not be returned when every score is low", len(result))
	}
}

func TestLLMReranker_TimeoutKeepsInput(t *testing.T) {
	chat := &mockChat{chatFn: func(ctx context.Context, _ []engine.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}

	input := makeResults(3, 0.8)
	r := newTestReranker(chat, 0.3, 200*time.Millisecond, 0)

	start := time.Now()
	result := r.Rerank(context.Background(), "login", input)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Rerank took %v, want about the 200ms timeout", elapsed)
	}
	if len(result) != 3 || result[0].Score != 0.8 {
		t.Errorf("timeout should return the input unchanged, got %+v", result)
	}
}

func TestLLMReranker_ProviderErrorKeepsSimilarity(t *testing.T) {
	chat := &mockChat{chatFn: func(context.Context, []engine.Message) (string, error) {
		return "", fmt.Errorf("503 service unavailable")
	}}

	r := newTestReranker(chat, 0.3, 5*time.Second, 0)
	result := r.Rerank(context.Background(), "login", makeResults(2, 0.6))
	if len(result) != 2 {
		t.Fatalf("got %d results, want 2", len(result))
	}
	for _, res := range result {
		if res.Score != 0.6 {
			t.Errorf("score = %g, want similarity 0.6", res.Score)
		}
	}
}

func TestLLMReranker_EarlyReturn(t *testing.T) {
	const total = 10
	const quickCount = 5

	var callCount atomic.Int32
	chat := &mockChat{chatFn: func(ctx context.Context, _ []engine.Message) (string, error) {
		if int(callCount.Add(1)) <= quickCount {
			return `{"score": 0.8}`, nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	}}

	r := newTestReranker(chat, 0.3, 10*time.Second, quickCount)

	done := make(chan []retrieval.SimilarityResult, 1)
	go func() {
		done <- r.Rerank(context.Background(), "login", makeResults(total, 0.5))
	}()

	select {
	case result := <-done:
		if len(result) != quickCount {
			t.Errorf("got %d results, want %d", len(result), quickCount)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Rerank waited for the timeout instead of returning early")
	}
}

func TestLLMReranker_Empty(t *testing.T) {
	r := newTestReranker(&mockChat{}, 0.3, 5*time.Second, 0)
	if result := r.Rerank(context.Background(), "login", nil); len(result) != 0 {
		t.Errorf("got %d results, want 0 for empty input", len(result))
	}
}

func TestLLMReranker_RerankContext(t *testing.T) {
	chat := &mockChat{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		if strings.Contains(msgs[0].Content, "following test case") {
			return `{"score": 0.2}`, nil
		}
		return `{"score": 0.9}`, nil
	}}

	cases := makeResults(2, 0.7)
	for i := range cases {
		cases[i].Source = retrieval.SourceTestCase
	}
	rc := retrieval.Context{Stories: makeResults(2, 0.5), TestCases: cases}

	r := newTestReranker(chat, 0.3, 5*time.Second, 0)
	got := r.RerankContext(context.Background(), "login", rc)
	if len(got.Stories) != 2 {
		t.Errorf("stories = %d, want 2", len(got.Stories))
	}
	if len(got.TestCases) != 0 {
		t.Errorf("test cases = %d, want 0 below threshold", len(got.TestCases))
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		want    float64
		wantErr bool
	}{
		{"plain", `{"score": 0.4}`, 0.4, false},
		{"fenced", "```json\n{\"score\": 0.8}\n```", 0.8, false},
		{"filler", `The relevance score is: {"score": 0.6}`, 0.6, false},
		{"garbage", "completely unparseable", 0, true},
		{"missing", `{"relevance": 0.6}`, 0, true},
		{"out of range", `{"score": 7}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("score = %g, want %g", got, tt.want)
			}
		})
	}
}
