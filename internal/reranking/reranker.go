// Package reranking rescores retrieved stories and test cases with a chat
// model before they are used as generation context.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/retrieval"
)

const (
	defaultConcurrency = 3
	maxTextRunes       = 1500
)

// Chatter is the text-generation capability. engine.Engine satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, opts *engine.ChatOptions) (string, error)
}

// Options configures an LLMReranker.
type Options struct {
	Model     string
	Timeout   time.Duration
	Threshold float64
	// TopK stops scoring once this many results are scored. 0 scores all.
	TopK   int
	Logger *slog.Logger
}

// LLMReranker asks a chat model how relevant each result is to a story.
// Scoring runs concurrently, bounded to defaultConcurrency calls.
type LLMReranker struct {
	chat      Chatter
	model     string
	timeout   time.Duration
	threshold float64
	topK      int
	logger    *slog.Logger
}

// New creates an LLMReranker.
func New(chat Chatter, opts Options) *LLMReranker {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LLMReranker{
		chat:      chat,
		model:     opts.Model,
		timeout:   opts.Timeout,
		threshold: opts.Threshold,
		topK:      opts.TopK,
		logger:    opts.Logger,
	}
}

// RerankContext rescores both collections of rc against query.
func (r *LLMReranker) RerankContext(ctx context.Context, query string, rc retrieval.Context) retrieval.Context {
	return retrieval.Context{
		Stories:   r.Rerank(ctx, query, rc.Stories),
		TestCases: r.Rerank(ctx, query, rc.TestCases),
	}
}

// Rerank scores each result against query and returns those at or above the
// threshold in retrieval order (score, then newest). If the timeout fires
// before enough results are scored the input is returned unchanged. A result
// whose scoring call fails keeps its similarity score.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []retrieval.SimilarityResult) []retrieval.SimilarityResult {
	if len(results) == 0 {
		return results
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	earlyReturnAt := r.topK
	if earlyReturnAt <= 0 || earlyReturnAt >= len(results) {
		earlyReturnAt = 0
	}

	// Buffered so workers never block on send after collection stops.
	scoredCh := make(chan retrieval.SimilarityResult, len(results))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for _, res := range results {
		wg.Add(1)
		go func(res retrieval.SimilarityResult) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(timeoutCtx, query, res)
			if err != nil {
				if timeoutCtx.Err() != nil {
					return
				}
				r.logger.Debug("rerank score failed, keeping similarity", "record_id", res.RecordID, "error", err)
				scoredCh <- res
				return
			}
			res.Score = score
			scoredCh <- res
		}(res)
	}

	go func() {
		wg.Wait()
		close(scoredCh)
	}()

	scored := make([]retrieval.SimilarityResult, 0, len(results))
collect:
	for {
		select {
		case res, ok := <-scoredCh:
			if !ok {
				break collect
			}
			scored = append(scored, res)
			if earlyReturnAt > 0 && len(scored) >= earlyReturnAt {
				cancel()
				break collect
			}
		case <-timeoutCtx.Done():
			r.logger.Warn("rerank timed out, using similarity order", "scored", len(scored), "total", len(results))
			return results
		}
	}

	if len(scored) == 0 {
		return results
	}

	kept := make([]retrieval.SimilarityResult, 0, len(scored))
	for _, res := range scored {
		if res.Score >= r.threshold {
			kept = append(kept, res)
		}
	}
	retrieval.SortResults(kept)
	return kept
}

var scoreSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score 0.0 to 1.0"},
	},
	Required: []string{"score"},
}

func (r *LLMReranker) score(ctx context.Context, query string, res retrieval.SimilarityResult) (float64, error) {
	text := res.Metadata.Title
	if res.Metadata.Text != "" {
		text += "\n" + res.Metadata.Text
	}
	if rs := []rune(text); len(rs) > maxTextRunes {
		text = string(rs[:maxTextRunes])
	}

	prompt := "Rate how useful the following " + strings.ReplaceAll(string(res.Source), "_", " ") +
		" is as a reference when writing test cases for the user story, on a scale of 0.0 to 1.0.\n" +
		"Story: " + query + "\n" +
		"Reference: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.chat.Chat(ctx, r.model, []engine.Message{
		{Role: engine.RoleUser, Content: prompt},
	}, &engine.ChatOptions{Schema: scoreSchema, MaxTokens: 32})
	if err != nil {
		return res.Score, err
	}

	score, err := parseScore(resp)
	if err != nil {
		r.logger.Debug("rerank parse failed, keeping similarity", "resp", resp, "error", err)
		return res.Score, nil
	}
	return score, nil
}

// parseScore extracts the score from a model reply. Small local models often
// wrap the JSON in code fences or add filler around it.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("score missing")
	}
	score := *obj.Score
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("score %g out of range", score)
	}
	return score, nil
}
