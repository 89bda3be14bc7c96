// Package embedding turns text into vectors through an external provider,
// caching results in a bounded LRU and retrying transient failures.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/storyqa/internal/metrics"
	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/retry"
)

// Provider is the external embedding capability. engine.Engine satisfies it.
type Provider interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Options configures a Gateway. Zero values fall back to defaults.
type Options struct {
	Model      string
	Dimensions int // expected vector length; 0 accepts whatever the provider returns
	CacheSize  int
	BatchSize  int
	// Timeout bounds a provider request shared by concurrent Embed callers.
	Timeout time.Duration
	Retry   *retry.Policy
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

const (
	defaultCacheSize = 1000
	defaultBatchSize = 32
	defaultTimeout   = 2 * time.Minute
)

// CacheStats is a snapshot of cache effectiveness.
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	ProviderCalls int64   `json:"provider_calls"`
}

// Gateway is the embedding service. It is created once at startup and shared
// by the workflow, the processor and the API.
type Gateway struct {
	provider  Provider
	model     string
	dims      int
	batchSize int
	capacity  int
	timeout   time.Duration
	cache     *lru.Cache[string, []float32]
	flight    singleflight.Group
	policy    *retry.Policy
	metrics   *metrics.Recorder
	logger    *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	calls  atomic.Int64
}

// New creates a Gateway over provider.
func New(provider Provider, opts Options) (*Gateway, error) {
	if provider == nil {
		return nil, qaerrors.Errorf(qaerrors.KindConfiguration, "embedding.new", "provider is required")
	}
	if opts.Model == "" {
		return nil, qaerrors.Errorf(qaerrors.KindConfiguration, "embedding.new", "model is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewPolicy("embedding", retry.DefaultConfig, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		return nil, qaerrors.New(qaerrors.KindConfiguration, "embedding.new", err)
	}

	return &Gateway{
		provider:  provider,
		model:     opts.Model,
		dims:      opts.Dimensions,
		batchSize: opts.BatchSize,
		capacity:  opts.CacheSize,
		timeout:   opts.Timeout,
		cache:     cache,
		policy:    opts.Retry,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}, nil
}

// Model returns the embedding model identifier.
func (g *Gateway) Model() string { return g.model }

// Embed returns the vector for a single text. Concurrent misses for the same
// text share one provider request. The shared request is not tied to any one
// caller, so a cancelled caller returns early without failing the others.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	norm := Normalize(text)
	if norm == "" {
		return nil, qaerrors.Validation("embedding.embed", "text is empty")
	}
	key := CacheKey(norm)

	if vec, ok := g.lookup(key); ok {
		return vec, nil
	}

	ch := g.flight.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		vecs, err := g.dispatch(shared, []string{norm})
		if err != nil {
			return nil, err
		}
		g.store(key, vecs[0])
		return vecs[0], nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]float32)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("embedding.embed: %w", ctx.Err())
	}
}

// EmbedBatch returns one vector per text, in input order. Texts are processed
// in chunks of the configured batch size; within a chunk cached texts are
// served locally and only misses are sent to the provider.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	norms := make([]string, len(texts))
	for i, t := range texts {
		norms[i] = Normalize(t)
		if norms[i] == "" {
			return nil, qaerrors.Validation("embedding.embed_batch", "text %d is empty", i)
		}
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(norms); start += g.batchSize {
		end := min(start+g.batchSize, len(norms))
		if err := g.embedChunk(ctx, norms, start, end, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (g *Gateway) embedChunk(ctx context.Context, norms []string, start, end int, out [][]float32) error {
	var (
		missKeys  []string
		missTexts []string
		positions = make(map[string][]int)
	)

	for i := start; i < end; i++ {
		key := CacheKey(norms[i])
		if vec, ok := g.lookup(key); ok {
			out[i] = vec
			continue
		}
		if _, pending := positions[key]; !pending {
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, norms[i])
		}
		positions[key] = append(positions[key], i)
	}

	if len(missTexts) == 0 {
		return nil
	}

	vecs, err := g.dispatch(ctx, missTexts)
	if err != nil {
		return err
	}
	for j, key := range missKeys {
		g.store(key, vecs[j])
		for _, i := range positions[key] {
			out[i] = clone(vecs[j])
		}
	}
	return nil
}

// EmbedStory embeds a story in the "Title: ...\nDescription: ..." form used
// for both stored stories and incoming events.
func (g *Gateway) EmbedStory(ctx context.Context, title, description string) ([]float32, error) {
	return g.Embed(ctx, StoryText(title, description))
}

// Stats returns a snapshot of cache counters.
func (g *Gateway) Stats() CacheStats {
	hits, misses := g.hits.Load(), g.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:          hits,
		Misses:        misses,
		HitRate:       rate,
		Size:          g.cache.Len(),
		Capacity:      g.capacity,
		ProviderCalls: g.calls.Load(),
	}
}

func (g *Gateway) lookup(key string) ([]float32, bool) {
	if vec, ok := g.cache.Get(key); ok {
		g.hits.Add(1)
		g.metrics.ObserveCacheLookup(true, 1)
		return clone(vec), true
	}
	g.misses.Add(1)
	g.metrics.ObserveCacheLookup(false, 1)
	return nil, false
}

func (g *Gateway) store(key string, vec []float32) {
	g.cache.Add(key, clone(vec))
	g.metrics.SetCacheSize(g.cache.Len())
}

// dispatch sends texts to the provider under the retry policy and validates
// the shape of the answer. Nothing is cached here.
func (g *Gateway) dispatch(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embedding.provider"
	started := time.Now()

	vecs, err := retry.Value(ctx, g.policy, func(ctx context.Context) ([][]float32, error) {
		g.calls.Add(1)
		vecs, err := g.provider.Embed(ctx, g.model, texts)
		g.metrics.ObserveProviderCall(err)
		return vecs, err
	})
	if err != nil {
		g.logger.Warn("embedding request failed",
			"model", g.model, "texts", len(texts), "elapsed", time.Since(started), "error", err)
		return nil, classify(op, err)
	}

	if len(vecs) != len(texts) {
		return nil, qaerrors.Validation(op, "provider returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, qaerrors.Validation(op, "provider returned an empty vector for text %d", i)
		}
		if g.dims > 0 && len(v) != g.dims {
			return nil, qaerrors.Validation(op, "vector %d has %d dimensions, want %d", i, len(v), g.dims)
		}
	}
	return vecs, nil
}

// classify maps a provider failure onto the error taxonomy. Exhausted
// retries and non-4xx failures are transient API errors; a request the
// provider rejected outright is a validation error.
func classify(op string, err error) error {
	if retry.Exhausted(err) {
		return qaerrors.New(qaerrors.KindTransientAPI, op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var hs retry.HTTPStatuser
	if errors.As(err, &hs) && hs.HTTPStatus() >= 400 && hs.HTTPStatus() < 500 {
		return qaerrors.New(qaerrors.KindValidation, op, err)
	}
	return qaerrors.New(qaerrors.KindTransientAPI, op, err)
}

// Normalize trims the text and collapses runs of whitespace to one space.
// Case is preserved.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// CacheKey is the hex SHA-256 of already-normalized text.
func CacheKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// StoryText is the canonical text embedded for a story.
func StoryText(title, description string) string {
	return fmt.Sprintf("Title: %s\nDescription: %s", title, description)
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
