package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/storyqa/internal/embedding"
	"github.com/kalambet/storyqa/internal/metrics"
	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/retrieval"
	"github.com/kalambet/storyqa/internal/storage"
)

// JobRepublish is the queue job type for retrying failed publications.
const JobRepublish = "republish"

const republishDelay = 30 * time.Second

// BatchEmbedder embeds many texts in one call. *embedding.Gateway satisfies it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter stores vectors. Every retrieval.VectorStore satisfies it.
type VectorWriter interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, md retrieval.Metadata) error
}

// Ledger remembers the outcome of each story revision. *storage.Store
// satisfies it.
type Ledger interface {
	GetRun(ctx context.Context, projectID, storyID string, revision int) (storage.Run, error)
	SaveRun(ctx context.Context, r storage.Run) error
}

// Publisher creates test cases in the work tracker. It sets ExternalID on
// each case it creates and reports per-item outcomes in input order. An
// error means nothing could be placed.
type Publisher interface {
	Publish(ctx context.Context, story StoryRef, cases []*TestCase) (PublishResult, error)
}

// JobQueue schedules background work. *storage.Store satisfies it.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// RepublishPayload is the job payload for JobRepublish.
type RepublishPayload struct {
	ProjectID string `json:"project_id"`
	StoryID   string `json:"story_id"`
	Revision  int    `json:"revision"`
}

// ProcessorDeps are the collaborators of a Processor. Queue, Metrics and
// Logger are optional.
type ProcessorDeps struct {
	Workflow  *Workflow
	Embedder  BatchEmbedder
	Vectors   VectorWriter
	Ledger    Ledger
	Publisher Publisher
	Queue     JobQueue
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// Processor handles one inbound event end to end: idempotency check,
// workflow, vector persistence, publication and ledger update.
type Processor struct {
	ProcessorDeps
	locks keyedMutex
}

// NewProcessor creates a Processor.
func NewProcessor(deps ProcessorDeps) *Processor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Processor{ProcessorDeps: deps}
}

// Process runs the event to completion. The returned Result is never nil and
// describes the outcome even when err is non-nil. A revision that already
// completed is returned from the ledger with StatusDuplicate.
func (p *Processor) Process(ctx context.Context, ev Event) (*Result, error) {
	res := &Result{StoryID: string(ev.StoryID), ProjectID: ev.ProjectID, Revision: ev.Revision, TestCaseIDs: []string{}}
	if err := ev.Validate(); err != nil {
		res.Status, res.Error = StatusFailed, NewErrorInfo(err)
		p.Metrics.ObserveRun(string(res.Status), qaerrors.KindOf(err).String())
		return res, err
	}
	s := ev.Story()
	res.ProjectID, res.StoryTitle = s.ProjectID, s.Title
	log := p.Logger.With("story_id", s.ID, "project_id", s.ProjectID, "revision", s.Revision)

	unlock := p.locks.Lock(s.ProjectID + "/" + s.ID)
	defer unlock()

	run, err := p.Ledger.GetRun(ctx, s.ProjectID, s.ID, s.Revision)
	switch {
	case err == nil && run.Completed():
		log.Info("revision already processed", "run_id", run.RunID)
		prev, derr := decodeResult(run)
		if derr != nil {
			return res, derr
		}
		prev.Status = StatusDuplicate
		p.Metrics.ObserveRun(string(StatusDuplicate), "")
		return prev, nil
	case err == nil && run.Status == storage.RunPartial:
		log.Info("retrying failed publications", "run_id", run.RunID, "failed_items", run.FailedItems)
		return p.republish(ctx, log, run)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		log.Warn("ledger lookup failed, processing anyway", "error", err)
	}

	res.RunID = uuid.NewString()
	st, err := p.Workflow.Run(ctx, s)
	for _, w := range st.Warnings {
		res.warn(w)
	}
	if err != nil {
		res.Status, res.Error = StatusFailed, NewErrorInfo(err)
		if ctx.Err() == nil {
			p.record(ctx, log, res, storage.RunFailed)
		}
		p.Metrics.ObserveRun(string(res.Status), qaerrors.KindOf(err).String())
		return res, err
	}
	res.TestCases = st.TestCases

	p.persist(ctx, log, st, res)

	if err := ctx.Err(); err != nil {
		res.Status, res.Error = StatusFailed, NewErrorInfo(err)
		return res, fmt.Errorf("cancelled before publication: %w", err)
	}

	err = p.publish(ctx, s.Ref(), res, allIndices(len(res.TestCases)))
	p.finish(ctx, log, res, true)
	return res, err
}

// Republish retries the failed items of a partially published revision.
func (p *Processor) Republish(ctx context.Context, projectID, storyID string, revision int) (*Result, error) {
	log := p.Logger.With("story_id", storyID, "project_id", projectID, "revision", revision)

	unlock := p.locks.Lock(projectID + "/" + storyID)
	defer unlock()

	run, err := p.Ledger.GetRun(ctx, projectID, storyID, revision)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	if run.Completed() {
		prev, err := decodeResult(run)
		if err != nil {
			return nil, err
		}
		prev.Status = StatusDuplicate
		return prev, nil
	}
	if run.Status != storage.RunPartial {
		return nil, fmt.Errorf("run %s has status %s, nothing to republish", run.RunID, run.Status)
	}
	return p.republish(ctx, log, run)
}

func (p *Processor) republish(ctx context.Context, log *slog.Logger, run storage.Run) (*Result, error) {
	res, err := decodeResult(run)
	if err != nil {
		return res, err
	}
	if len(res.TestCases) == 0 {
		return res, fmt.Errorf("run %s has no stored test cases", run.RunID)
	}

	var failed []int
	if len(res.Items) != len(res.TestCases) {
		failed = allIndices(len(res.TestCases))
	} else {
		for i, it := range res.Items {
			if !it.OK() {
				failed = append(failed, i)
			}
		}
	}

	ref := StoryRef{ID: res.StoryID, ProjectID: res.ProjectID, Title: res.StoryTitle}
	res.Error = nil
	err = p.publish(ctx, ref, res, failed)
	p.finish(ctx, log, res, false)
	return res, err
}

// publish sends the cases at indices and merges the outcome into res.Items.
func (p *Processor) publish(ctx context.Context, ref StoryRef, res *Result, indices []int) error {
	if len(res.Items) != len(res.TestCases) {
		res.Items = make([]ItemResult, len(res.TestCases))
		for i, tc := range res.TestCases {
			res.Items[i] = ItemResult{Index: i, Title: tc.Title}
		}
	}

	subset := make([]*TestCase, len(indices))
	for k, i := range indices {
		subset[k] = res.TestCases[i]
	}

	pub, err := p.Publisher.Publish(ctx, ref, subset)
	if err != nil {
		info := NewErrorInfo(err)
		for _, i := range indices {
			res.Items[i].ExternalID = res.TestCases[i].ExternalID
			res.Items[i].Linked = false
			res.Items[i].Error = info
		}
		res.Error = info
		return err
	}

	res.PlanID, res.SuiteID = pub.PlanID, pub.SuiteID
	for k, i := range indices {
		if k >= len(pub.Items) {
			res.Items[i].Error = NewErrorInfo(qaerrors.Errorf(qaerrors.KindIntegration, "publish", "no result for test case %d", i+1))
			continue
		}
		item := pub.Items[k]
		item.Index = i
		res.Items[i] = item
	}
	return nil
}

// finish settles the result and records it. A partial first publication
// schedules a republish job; later attempts are retried by the job queue.
func (p *Processor) finish(ctx context.Context, log *slog.Logger, res *Result, schedule bool) {
	fatal := res.Error
	res.settle()
	if fatal != nil {
		res.Status, res.Error = StatusFailed, fatal
	}

	status := storage.RunDone
	if res.FailedItems() > 0 {
		status = storage.RunPartial
	}
	p.record(ctx, log, res, status)

	kind := ""
	if res.Error != nil {
		kind = res.Error.Kind
	}
	p.Metrics.ObserveRun(string(res.Status), kind)
	log.Info("story processed", "status", res.Status, "test_cases", len(res.TestCases), "failed_items", res.FailedItems())

	if schedule && status == storage.RunPartial {
		p.scheduleRepublish(ctx, log, res)
	}
}

// persist stores the story and test case vectors. Failures become warnings.
func (p *Processor) persist(ctx context.Context, log *slog.Logger, st *State, res *Result) {
	s := st.Story
	if len(s.Embedding) > 0 {
		md := retrieval.Metadata{
			ProjectID: s.ProjectID,
			StoryID:   s.ID,
			Revision:  s.Revision,
			Title:     s.Title,
			Text:      embedding.StoryText(s.Title, st.Analysis.Description),
			Tags:      []string{"story"},
			CreatedAt: s.CreatedAt,
		}
		if err := p.Vectors.Upsert(ctx, retrieval.CollectionStories, retrieval.StoryRecordID(s.ProjectID, s.ID, s.Revision), s.Embedding, md); err != nil {
			log.Warn("storing story vector failed", "error", err)
			p.Metrics.IncVectorStoreError("upsert")
			res.warn(err)
		}
	}

	texts := make([]string, len(st.TestCases))
	for i, tc := range st.TestCases {
		texts[i] = tc.Markdown
	}
	vecs, err := p.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		log.Warn("embedding test cases failed", "error", err)
		res.warn(err)
		return
	}

	for i, tc := range st.TestCases {
		tc.Embedding = vecs[i]
		md := retrieval.Metadata{
			ProjectID: s.ProjectID,
			StoryID:   s.ID,
			Revision:  s.Revision,
			Title:     tc.Title,
			Text:      tc.Markdown,
			Tags:      []string{string(tc.Scenario)},
			CreatedAt: tc.GeneratedAt,
		}
		id := retrieval.TestCaseRecordID(s.ProjectID, s.ID, s.Revision, i+1)
		if err := p.Vectors.Upsert(ctx, retrieval.CollectionTestCases, id, tc.Embedding, md); err != nil {
			log.Warn("storing test case vector failed", "record_id", id, "error", err)
			p.Metrics.IncVectorStoreError("upsert")
			res.warn(err)
		}
	}
}

func (p *Processor) record(ctx context.Context, log *slog.Logger, res *Result, status string) {
	b, err := json.Marshal(res)
	if err != nil {
		log.Error("encoding run result failed", "error", err)
		return
	}
	run := storage.Run{
		ProjectID:   res.ProjectID,
		StoryID:     res.StoryID,
		Revision:    res.Revision,
		RunID:       res.RunID,
		Status:      status,
		FailedItems: res.FailedItems(),
		ResultJSON:  string(b),
	}
	if err := p.Ledger.SaveRun(ctx, run); err != nil {
		log.Error("saving run to ledger failed", "error", err)
	}
}

func (p *Processor) scheduleRepublish(ctx context.Context, log *slog.Logger, res *Result) {
	if p.Queue == nil {
		return
	}
	payload, err := json.Marshal(RepublishPayload{ProjectID: res.ProjectID, StoryID: res.StoryID, Revision: res.Revision})
	if err != nil {
		return
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobRepublish,
		PayloadJSON: string(payload),
		RunAfter:    time.Now().Add(republishDelay),
	}
	if err := p.Queue.EnqueueJob(ctx, job); err != nil {
		log.Warn("scheduling republish failed", "error", err)
	}
}

func decodeResult(run storage.Run) (*Result, error) {
	var res Result
	if err := json.Unmarshal([]byte(run.ResultJSON), &res); err != nil {
		return nil, fmt.Errorf("decoding stored result for run %s: %w", run.RunID, err)
	}
	if res.TestCaseIDs == nil {
		res.TestCaseIDs = []string{}
	}
	return &res, nil
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
