package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/storyqa/internal/api"
	"github.com/kalambet/storyqa/internal/config"
	"github.com/kalambet/storyqa/internal/ingest"
)

const (
	workerPollInterval = 500 * time.Millisecond
	shutdownTimeout    = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and background worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStdioMCP()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "storyqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureEngines(ctx); err != nil {
		return err
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Processor: a.processor,
		Embedder:  a.embedder,
		Vectors:   a.vectors,
		Cache:     a.embedder,
		Version:   version,
	})

	handler := api.NewHandler(api.Deps{
		Processor:     a.processor,
		Runs:          a.store,
		Queue:         a.store,
		Cache:         a.embedder,
		Vectors:       a.vectors,
		Metrics:       a.metrics,
		MCP:           server.NewStreamableHTTPServer(mcpSrv),
		Token:         cfg.Server.Token,
		WebhookSecret: cfg.Server.WebhookSecret,
		Logger:        logger,
	})
	if cfg.Server.Token == "" {
		logger.Warn("server.token is not set, management endpoints are unauthenticated")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := ingest.NewWorker(a.store, a.processor, workerPollInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("storyqa listening", "addr", addr, "vector_backend", cfg.Vector.Backend, "mock_mode", cfg.DevOps.MockMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runStdioMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	logger := setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Processor: a.processor,
		Embedder:  a.embedder,
		Vectors:   a.vectors,
		Cache:     a.embedder,
		Version:   version,
	})
	logger.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
