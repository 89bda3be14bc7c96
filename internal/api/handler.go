package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/storyqa/internal/embedding"
	"github.com/kalambet/storyqa/internal/ingest"
	"github.com/kalambet/storyqa/internal/metrics"
	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/storage"
)

// StoryProcessor runs one event to completion. *pipeline.Processor
// satisfies it.
type StoryProcessor interface {
	Process(ctx context.Context, ev pipeline.Event) (*pipeline.Result, error)
}

// RunStore reads the run ledger. *storage.Store satisfies it.
type RunStore interface {
	GetRun(ctx context.Context, projectID, storyID string, revision int) (storage.Run, error)
	ListRecentRuns(ctx context.Context, limit int) ([]storage.Run, error)
	CountRunsByStatus(ctx context.Context) (map[string]int, error)
}

// CacheStatser reports embedding cache statistics. *embedding.Gateway
// satisfies it.
type CacheStatser interface {
	Stats() embedding.CacheStats
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Deps holds the collaborators of the HTTP handler. Queue, Cache, Vectors,
// Metrics, MCP and Logger are optional.
type Deps struct {
	Processor     StoryProcessor
	Runs          RunStore
	Queue         pipeline.JobQueue
	Cache         CacheStatser
	Vectors       HealthChecker
	Metrics       *metrics.Recorder
	MCP           http.Handler
	Token         string
	WebhookSecret string
	Logger        *slog.Logger
}

// NewHandler builds the service router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestID(deps.Logger))

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(WebhookAuth(deps.WebhookSecret, deps.Token))
		r.Post("/webhooks/story", handleWebhook(deps, parseEvent))
		r.Post("/webhooks/devops", handleWebhook(deps, ParseServiceHook))
	})

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/stats", handleStats(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{project}/{story}/{revision}", handleGetRun(deps))
		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})

	return r
}

func requestID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", id, "duration", time.Since(start))
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok"}
		if deps.Vectors != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			// The service still generates without the vector store.
			if deps.Vectors.HealthCheck(ctx) {
				resp["vector_store"] = "ok"
			} else {
				resp["vector_store"] = "unavailable"
				resp["status"] = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func parseEvent(body []byte) (pipeline.Event, error) {
	var ev pipeline.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, qaerrors.Validation("webhook.story", "invalid request body: %v", err)
	}
	return ev, nil
}

func handleWebhook(deps Deps, parse func([]byte) (pipeline.Event, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading body: %v", err)
			return
		}

		ev, err := parse(body)
		if errors.Is(err, errIgnored) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, qaerrors.KindOf(err).String(), "%v", err)
			return
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && deps.Queue != nil {
			if err := ev.Validate(); err != nil {
				httpError(w, http.StatusBadRequest, qaerrors.KindOf(err).String(), "%v", err)
				return
			}
			jobID, err := ingest.EnqueueEvent(r.Context(), deps.Queue, ev)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": jobID})
			return
		}

		res, err := deps.Processor.Process(r.Context(), ev)
		if res == nil {
			httpError(w, http.StatusInternalServerError, "api_error", "processing failed: %v", err)
			return
		}
		if err != nil {
			deps.Logger.Warn("story processing failed", "story_id", ev.StoryID, "revision", ev.Revision, "error", err)
		}
		writeJSON(w, statusForResult(res), res)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{}
		if deps.Cache != nil {
			resp["cache"] = deps.Cache.Stats()
		}
		counts, err := deps.Runs.CountRunsByStatus(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting runs: %v", err)
			return
		}
		resp["runs"] = counts
		writeJSON(w, http.StatusOK, resp)
	}
}

// runView is the API form of a ledger row.
type runView struct {
	ProjectID   string    `json:"project_id"`
	StoryID     string    `json:"story_id"`
	Revision    int       `json:"revision"`
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	FailedItems int       `json:"failed_items"`
	Attempts    int       `json:"attempts"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newRunView(r storage.Run) runView {
	return runView{
		ProjectID:   r.ProjectID,
		StoryID:     r.StoryID,
		Revision:    r.Revision,
		RunID:       r.RunID,
		Status:      r.Status,
		FailedItems: r.FailedItems,
		Attempts:    r.Attempts,
		UpdatedAt:   r.UpdatedAt,
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := deps.Runs.ListRecentRuns(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		views := make([]runView, len(runs))
		for i, run := range runs {
			views[i] = newRunView(run)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rev, err := strconv.Atoi(chi.URLParam(r, "revision"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "revision must be an integer")
			return
		}
		run, err := deps.Runs.GetRun(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "story"), rev)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading run: %v", err)
			return
		}

		resp := map[string]any{"run": newRunView(run)}
		if json.Valid([]byte(run.ResultJSON)) {
			resp["result"] = json.RawMessage(run.ResultJSON)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
