// Package metrics records pipeline metrics in a Prometheus registry.
//
// All Recorder methods are safe to call on a nil *Recorder so components can
// be built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry and the collectors registered in it.
type Recorder struct {
	registry *prometheus.Registry

	embeddingLookups  *prometheus.CounterVec
	embeddingCalls    *prometheus.CounterVec
	embeddingCache    prometheus.Gauge
	retries           *prometheus.CounterVec
	runs              *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	vectorStoreErrors *prometheus.CounterVec
	publishedItems    *prometheus.CounterVec
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		embeddingLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyqa_embedding_cache_lookups_total",
				Help: "Embedding cache lookups by result (hit or miss)",
			},
			[]string{"result"},
		),
		embeddingCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyqa_embedding_provider_calls_total",
				Help: "Embedding provider requests by status",
			},
			[]string{"status"},
		),
		embeddingCache: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "storyqa_embedding_cache_entries",
				Help: "Current number of cached embeddings",
			},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyqa_retries_total",
				Help: "Retry attempts by policy",
			},
			[]string{"policy"},
		),
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyqa_runs_total",
				Help: "Processed story events by outcome and error kind",
			},
			[]string{"status", "error_kind"},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyqa_stage_duration_seconds",
				Help:    "Duration of workflow stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		vectorStoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyqa_vector_store_errors_total",
				Help: "Vector store failures by operation",
			},
			[]string{"op"},
		),
		publishedItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyqa_published_test_cases_total",
				Help: "Test cases handed to the work tracker by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveCacheLookup counts embedding cache hits and misses.
func (r *Recorder) ObserveCacheLookup(hit bool, n int) {
	if r == nil || n == 0 {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.embeddingLookups.WithLabelValues(result).Add(float64(n))
}

// ObserveProviderCall counts a single embedding provider request.
func (r *Recorder) ObserveProviderCall(err error) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.embeddingCalls.WithLabelValues(status).Inc()
}

// SetCacheSize reports the current number of cached embeddings.
func (r *Recorder) SetCacheSize(n int) {
	if r == nil {
		return
	}
	r.embeddingCache.Set(float64(n))
}

// IncRetry counts one retry under the named policy.
func (r *Recorder) IncRetry(policy string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(policy).Inc()
}

// ObserveRun counts a processed event. errorKind is empty on success.
func (r *Recorder) ObserveRun(status, errorKind string) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(status, errorKind).Inc()
}

// ObserveStage records how long a workflow stage took.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncVectorStoreError counts a failed vector store operation.
func (r *Recorder) IncVectorStoreError(op string) {
	if r == nil {
		return
	}
	r.vectorStoreErrors.WithLabelValues(op).Inc()
}

// ObservePublished counts a published or failed test case.
func (r *Recorder) ObservePublished(ok bool) {
	if r == nil {
		return
	}
	result := "created"
	if !ok {
		result = "failed"
	}
	r.publishedItems.WithLabelValues(result).Inc()
}
