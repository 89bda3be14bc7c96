package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kalambet/storyqa/internal/config"
	"github.com/kalambet/storyqa/internal/devops"
	"github.com/kalambet/storyqa/internal/embedding"
	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/metrics"
	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/publish"
	"github.com/kalambet/storyqa/internal/reranking"
	"github.com/kalambet/storyqa/internal/retrieval"
	"github.com/kalambet/storyqa/internal/retry"
	"github.com/kalambet/storyqa/internal/storage"
)

// app is the set of long-lived components shared by serve, mcp and process.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Recorder
	store     *storage.Store
	vectors   retrieval.VectorStore
	chat      engine.Engine
	embedEng  engine.Engine
	embedder  *embedding.Gateway
	processor *pipeline.Processor

	closeVectors func()
}

func setupLogging(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func retryPolicy(name string, cfg config.RetryConfig, m *metrics.Recorder, logger *slog.Logger) *retry.Policy {
	p := retry.NewPolicy(name, retry.Config{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.BackoffBase,
		MaxDelay:      cfg.MaxBackoff,
		BackoffFactor: 2.0,
		Jitter:        true,
	}, nil)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.IncRetry(name)
		logger.Debug("retrying", "policy", name, "attempt", attempt, "delay", delay, "error", err)
	}
	return p
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewRecorder(), closeVectors: func() {}}

	chat, err := engine.NewChat(cfg)
	if err != nil {
		return nil, err
	}
	embedEng, err := engine.NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	a.chat, a.embedEng = chat, embedEng

	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a.vectors, a.closeVectors, err = retrieval.Open(ctx, cfg, a.store.DB())
	if err != nil {
		a.store.Close()
		return nil, err
	}

	a.embedder, err = embedding.New(embedEng, embedding.Options{
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		CacheSize:  cfg.Embedding.CacheSize,
		BatchSize:  cfg.Embedding.BatchSize,
		Retry:      retryPolicy("embedding", cfg.Retry, a.metrics, logger),
		Metrics:    a.metrics,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	analyzer, err := pipeline.NewAnalyzer(cfg.Generation.ContextTokens)
	if err != nil {
		a.Close()
		return nil, err
	}
	generator := pipeline.NewGenerator(chat, cfg.Engine.ChatModel, retryPolicy("generation", cfg.Retry, a.metrics, logger), cfg.Generation.MaxTokens)
	retriever := retrieval.NewRetriever(a.vectors, cfg.Retrieval.TopK, logger)
	workflow := pipeline.NewWorkflow(a.embedder, retriever, analyzer, generator, a.metrics, logger)
	if cfg.Rerank.Enabled {
		workflow.WithReranker(reranking.New(chat, reranking.Options{
			Model:     cfg.Engine.ChatModel,
			Timeout:   cfg.Rerank.Timeout,
			Threshold: cfg.Rerank.Threshold,
			Logger:    logger,
		}))
	}

	a.processor = pipeline.NewProcessor(pipeline.ProcessorDeps{
		Workflow:  workflow,
		Embedder:  a.embedder,
		Vectors:   a.vectors,
		Ledger:    a.store,
		Publisher: newPublisher(cfg, a.metrics, logger),
		Queue:     a.store,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	return a, nil
}

func newPublisher(cfg config.Config, m *metrics.Recorder, logger *slog.Logger) pipeline.Publisher {
	if cfg.DevOps.MockMode {
		logger.Warn("devops mock mode enabled, test cases are not published")
		return publish.NewMockTracker()
	}
	client := devops.NewClient(devops.Options{
		BaseURL:      cfg.DevOps.BaseURL,
		Organization: cfg.DevOps.Organization,
		Project:      cfg.DevOps.Project,
		PAT:          cfg.DevOps.PAT,
	})
	return publish.New(client, retryPolicy("devops", cfg.Retry, m, logger), m, logger)
}

// ensureEngines checks the providers are reachable, pulling missing local
// models when the provider supports it.
func (a *app) ensureEngines(ctx context.Context) error {
	if err := engine.EnsureReady(ctx, a.chat, diag, a.cfg.Engine.ChatModel); err != nil {
		return fmt.Errorf("chat provider: %w", err)
	}
	if err := engine.EnsureReady(ctx, a.embedEng, diag, a.cfg.Embedding.Model); err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}
	return nil
}

func (a *app) Close() {
	a.closeVectors()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing storage", "error", err)
	}
}
