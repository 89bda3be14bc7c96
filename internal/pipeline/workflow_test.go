package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/retrieval"
)

func newTestWorkflow(t *testing.T, emb StoryEmbedder, ret ContextRetriever, chat Chatter, logger *slog.Logger) *Workflow {
	t.Helper()
	a, err := NewAnalyzer(0)
	require.NoError(t, err)
	return NewWorkflow(emb, ret, a, NewGenerator(chat, "llama3.1", fastPolicy(1), 0), nil, logger)
}

func loginStory() Story {
	return Story{
		ID:          "123",
		ProjectID:   "Shop",
		Revision:    1,
		Title:       "As a user, I want to log in with my credentials",
		Description: loginDescription,
	}
}

func TestWorkflow_HappyPath(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ret := &fakeRetriever{rc: retrieval.Context{Stories: []retrieval.SimilarityResult{{RecordID: "Shop:7:1", Score: 0.8}}}}
	w := newTestWorkflow(t, &fakeStoryEmbedder{}, ret, fixedChat(loginDraft), logger)

	st, err := w.Run(context.Background(), loginStory())
	require.NoError(t, err)
	assert.Equal(t, StageDone, st.Stage)
	assert.Len(t, st.TestCases, 3)
	assert.Equal(t, []float32{1, 0, 0}, st.Story.Embedding)
	assert.Len(t, st.Analysis.Context, 1)
	assert.Len(t, st.Prompt, 2)
	assert.Empty(t, st.Warnings)

	for _, stage := range []string{"stage=RETRIEVE", "stage=ANALYZE", "stage=GENERATE", "stage=FORMAT"} {
		assert.Contains(t, logs.String(), stage)
	}
}

func TestWorkflow_EmbeddingFailureIsFatal(t *testing.T) {
	embErr := qaerrors.New(qaerrors.KindTransientAPI, "embedding.embed", errors.New("exhausted"))
	chat := fixedChat(loginDraft)
	w := newTestWorkflow(t, &fakeStoryEmbedder{err: embErr}, &fakeRetriever{}, chat, nil)

	st, err := w.Run(context.Background(), loginStory())
	require.Error(t, err)
	assert.Equal(t, StageFailed, st.Stage)
	assert.Equal(t, qaerrors.KindTransientAPI, qaerrors.KindOf(st.Err))
	assert.Zero(t, chat.Calls())
}

func TestWorkflow_DegradesWhenVectorStoreDown(t *testing.T) {
	down := qaerrors.New(qaerrors.KindVectorStore, "pgvector.query", errors.New("connection refused"))
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	w := newTestWorkflow(t, &fakeStoryEmbedder{}, &fakeRetriever{errs: []error{down, down}}, fixedChat(loginDraft), logger)

	st, err := w.Run(context.Background(), loginStory())
	require.NoError(t, err)
	assert.Equal(t, StageDone, st.Stage)
	assert.GreaterOrEqual(t, len(st.TestCases), 1)
	require.Len(t, st.Warnings, 2)
	assert.True(t, qaerrors.Is(st.Warnings[0], qaerrors.KindVectorStore))
	assert.Contains(t, logs.String(), "level=WARN")
}

func TestWorkflow_GenerationExhausted(t *testing.T) {
	chat := &fakeChat{fn: func(int) (string, error) { return "", errUnavailable }}
	w := newTestWorkflow(t, &fakeStoryEmbedder{}, &fakeRetriever{}, chat, nil)

	st, err := w.Run(context.Background(), loginStory())
	require.Error(t, err)
	assert.Equal(t, StageFailed, st.Stage)
	assert.Equal(t, qaerrors.KindGeneration, qaerrors.KindOf(err))
	assert.Equal(t, 2, chat.Calls())
}

func TestWorkflow_UnparseableOutput(t *testing.T) {
	w := newTestWorkflow(t, &fakeStoryEmbedder{}, &fakeRetriever{}, fixedChat("sorry, I cannot help"), nil)

	st, err := w.Run(context.Background(), loginStory())
	require.Error(t, err)
	assert.Equal(t, StageFailed, st.Stage)
	assert.Equal(t, qaerrors.KindFormat, qaerrors.KindOf(err))
	assert.Empty(t, st.TestCases)
}

func TestWorkflow_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chat := fixedChat(loginDraft)
	w := newTestWorkflow(t, &fakeStoryEmbedder{}, &fakeRetriever{}, chat, nil)

	st, err := w.Run(ctx, loginStory())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageFailed, st.Stage)
	assert.Zero(t, chat.Calls())
}

type dropAllReranker struct {
	query string
}

func (d *dropAllReranker) RerankContext(_ context.Context, query string, _ retrieval.Context) retrieval.Context {
	d.query = query
	return retrieval.Context{}
}

func TestWorkflow_RerankerFiltersContext(t *testing.T) {
	ret := &fakeRetriever{rc: retrieval.Context{Stories: []retrieval.SimilarityResult{{RecordID: "Shop:7:1", Score: 0.8}}}}
	rr := &dropAllReranker{}
	w := newTestWorkflow(t, &fakeStoryEmbedder{}, ret, fixedChat(loginDraft), nil).WithReranker(rr)

	st, err := w.Run(context.Background(), loginStory())
	require.NoError(t, err)
	assert.Equal(t, StageDone, st.Stage)
	assert.Zero(t, st.Context.Len())
	assert.Empty(t, st.Analysis.Context)
	assert.Contains(t, rr.query, "Title: As a user, I want to log in")
}
