package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/storyqa/internal/embedding"
	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/metrics"
	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/retrieval"
)

// Stage is a workflow state.
type Stage string

const (
	StageRetrieve Stage = "RETRIEVE"
	StageAnalyze  Stage = "ANALYZE"
	StageGenerate Stage = "GENERATE"
	StageFormat   Stage = "FORMAT"
	StageDone     Stage = "DONE"
	StageFailed   Stage = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

var nextStage = map[Stage]Stage{
	StageRetrieve: StageAnalyze,
	StageAnalyze:  StageGenerate,
	StageGenerate: StageFormat,
	StageFormat:   StageDone,
}

// State is the per-run working set. It is created for one story and never
// shared.
type State struct {
	Story     Story
	Stage     Stage
	Context   retrieval.Context
	Analysis  Analysis
	Prompt    []engine.Message
	Draft     string
	TestCases []*TestCase

	// Warnings collects non-fatal problems such as an unreachable vector store.
	Warnings []error
	// Err is set when Stage is FAILED.
	Err error
}

// StoryEmbedder vectorizes a story. *embedding.Gateway satisfies it.
type StoryEmbedder interface {
	EmbedStory(ctx context.Context, title, description string) ([]float32, error)
}

// ContextRetriever finds similar stories and test cases. *retrieval.Retriever
// satisfies it.
type ContextRetriever interface {
	Retrieve(ctx context.Context, vector []float32, projectID, storyID string) (retrieval.Context, []error)
}

// ContextReranker rescores retrieved context against the story text.
// *reranking.LLMReranker satisfies it.
type ContextReranker interface {
	RerankContext(ctx context.Context, query string, rc retrieval.Context) retrieval.Context
}

// Workflow runs RETRIEVE → ANALYZE → GENERATE → FORMAT for one story.
type Workflow struct {
	embedder  StoryEmbedder
	retriever ContextRetriever
	analyzer  *Analyzer
	generator *Generator
	reranker  ContextReranker
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// NewWorkflow wires the stages together. m and logger may be nil.
func NewWorkflow(embedder StoryEmbedder, retriever ContextRetriever, analyzer *Analyzer, generator *Generator, m *metrics.Recorder, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		embedder:  embedder,
		retriever: retriever,
		analyzer:  analyzer,
		generator: generator,
		metrics:   m,
		logger:    logger,
	}
}

// WithReranker enables rescoring of retrieved context and returns w.
func (w *Workflow) WithReranker(r ContextReranker) *Workflow {
	w.reranker = r
	return w
}

// Run drives a story to DONE or FAILED. The returned State is never nil; on
// failure the error is also in State.Err.
func (w *Workflow) Run(ctx context.Context, s Story) (*State, error) {
	st := &State{Story: s, Stage: StageRetrieve}
	log := w.logger.With("story_id", s.ID, "revision", s.Revision)

	for !st.Stage.Terminal() {
		if err := ctx.Err(); err != nil {
			w.fail(log, st, fmt.Errorf("%s: %w", st.Stage, err))
			break
		}

		start := time.Now()
		err := w.step(ctx, log, st)
		w.metrics.ObserveStage(string(st.Stage), time.Since(start))
		if err != nil {
			w.fail(log, st, err)
			break
		}

		next := nextStage[st.Stage]
		log.Debug("workflow transition", "stage", st.Stage, "next", next)
		st.Stage = next
	}

	if st.Stage == StageDone {
		log.Info("workflow done", "stage", st.Stage, "test_cases", len(st.TestCases), "warnings", len(st.Warnings))
	}
	return st, st.Err
}

func (w *Workflow) fail(log *slog.Logger, st *State, err error) {
	log.Error("workflow failed", "stage", st.Stage, "kind", qaerrors.KindOf(err).String(), "error", err)
	st.Err = err
	st.Stage = StageFailed
}

func (w *Workflow) step(ctx context.Context, log *slog.Logger, st *State) error {
	switch st.Stage {
	case StageRetrieve:
		return w.retrieve(ctx, log, st)
	case StageAnalyze:
		st.Analysis = w.analyzer.Analyze(st.Story, st.Context)
		st.Prompt = BuildPrompt(st.Story, st.Analysis)
		log.Debug("story analysed",
			"stage", st.Stage,
			"criteria", len(st.Analysis.AcceptanceCriteria),
			"context", len(st.Analysis.Context),
			"context_dropped", st.Analysis.DroppedContext,
		)
		return nil
	case StageGenerate:
		out, err := w.generator.Generate(ctx, st.Prompt)
		if err != nil {
			return err
		}
		st.Draft = out
		return nil
	case StageFormat:
		cases, err := ParseTestCases(st.Draft, st.Story.ID)
		if err != nil {
			return err
		}
		st.TestCases = cases
		return nil
	}
	return fmt.Errorf("no handler for stage %s", st.Stage)
}

// retrieve embeds the story and gathers context. Embedding failures are
// fatal; vector store failures only cost context.
func (w *Workflow) retrieve(ctx context.Context, log *slog.Logger, st *State) error {
	vec, err := w.embedder.EmbedStory(ctx, st.Story.Title, StripHTML(st.Story.Description))
	if err != nil {
		return err
	}
	st.Story.Embedding = vec

	rc, errs := w.retriever.Retrieve(ctx, vec, st.Story.ProjectID, st.Story.ID)
	for _, err := range errs {
		log.Warn("retrieval degraded", "stage", st.Stage, "error", err)
		w.metrics.IncVectorStoreError("query")
		st.Warnings = append(st.Warnings, err)
	}
	if w.reranker != nil && rc.Len() > 0 {
		before := rc.Len()
		rc = w.reranker.RerankContext(ctx, embedding.StoryText(st.Story.Title, StripHTML(st.Story.Description)), rc)
		log.Debug("context reranked", "stage", st.Stage, "before", before, "after", rc.Len())
	}
	st.Context = rc
	return nil
}
