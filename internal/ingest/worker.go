package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/storage"
)

// JobStoryEvent is a story event accepted asynchronously by the webhook.
const JobStoryEvent = "story_event"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// EventProcessor runs queued work. *pipeline.Processor satisfies it.
type EventProcessor interface {
	Process(ctx context.Context, ev pipeline.Event) (*pipeline.Result, error)
	Republish(ctx context.Context, projectID, storyID string, revision int) (*pipeline.Result, error)
}

// Worker processes story_event and republish jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	processor EventProcessor
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, processor EventProcessor, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     store,
		processor: processor,
		poll:      pollInterval,
		logger:    logger,
	}
}

// EnqueueEvent queues ev for background processing and returns the job id.
func EnqueueEvent(ctx context.Context, q pipeline.JobQueue, ev pipeline.Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encoding event: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobStoryEvent,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing event: %w", err)
	}
	return job.ID, nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobStoryEvent, pipeline.JobRepublish})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)
	if err := w.processJob(ctx, job); err != nil {
		log.Warn("job failed", "error", err)
		// A cancelled run is retried on the next start.
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			log.Error("failed to mark job as failed", "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Debug("job completed")
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobStoryEvent:
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(job.PayloadJSON), &ev); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		// A partial outcome schedules its own republish job.
		_, err := w.processor.Process(ctx, ev)
		return err

	case pipeline.JobRepublish:
		var p pipeline.RepublishPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		res, err := w.processor.Republish(ctx, p.ProjectID, p.StoryID, p.Revision)
		if err != nil {
			return err
		}
		if n := res.FailedItems(); n > 0 {
			return fmt.Errorf("story %s revision %d: %d test case(s) still unpublished", p.StoryID, p.Revision, n)
		}
		return nil

	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
