package publish

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/retrieval"
	"github.com/kalambet/storyqa/internal/storage"
)

const checkoutDraft = `{"test_cases":[
 {"title":"Pay with a saved card","scenario":"positive","priority":1,
  "steps":[{"action":"Open the cart","expected":"Items are listed"},{"action":"Pay with the saved card","expected":"Order confirmation is shown"}]},
 {"title":"Expired card is rejected","scenario":"negative","priority":2,
  "steps":[{"action":"Pay with an expired card","expected":"Payment is declined with a message"}]},
 {"title":"Cart with 100 items","scenario":"edge","priority":3,
  "steps":[{"action":"Check out a cart with 100 items","expected":"Order is placed"}]}
]}`

type scriptedChat struct {
	calls int
	out   string
}

func (c *scriptedChat) Chat(context.Context, string, []engine.Message, *engine.ChatOptions) (string, error) {
	c.calls++
	return c.out, nil
}

// constEmbedder returns the same unit vector for every text.
type constEmbedder struct{}

func (constEmbedder) EmbedStory(context.Context, string, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (constEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0, 1, 0, 0}
	}
	return out, nil
}

func TestProcessStoryEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vectors := retrieval.NewSQLiteStore(store.DB(), retrieval.DefaultTopK)
	require.NoError(t, vectors.Setup(ctx))

	analyzer, err := pipeline.NewAnalyzer(0)
	require.NoError(t, err)
	chat := &scriptedChat{out: checkoutDraft}
	wf := pipeline.NewWorkflow(
		constEmbedder{},
		retrieval.NewRetriever(vectors, 5, logger),
		analyzer,
		pipeline.NewGenerator(chat, "test-model", testPolicy(), 0),
		nil,
		logger,
	)

	tracker := newFakeTracker(123)
	proc := pipeline.NewProcessor(pipeline.ProcessorDeps{
		Workflow:  wf,
		Embedder:  constEmbedder{},
		Vectors:   vectors,
		Ledger:    store,
		Publisher: New(tracker, testPolicy(), nil, logger),
		Queue:     store,
		Logger:    logger,
	})

	var ev pipeline.Event
	require.NoError(t, json.Unmarshal([]byte(`{
		"story_id": 123,
		"project_id": "shop",
		"revision": 1,
		"title": "Checkout with saved card",
		"description": "<p>As a shopper I want to pay with a saved card.</p><ul><li>Given a saved card, when I pay, then the order is placed</li></ul>"
	}`), &ev))

	res, err := proc.Process(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusDone, res.Status, "result: %+v", res)

	scenarios := map[pipeline.Scenario]int{}
	for _, tc := range res.TestCases {
		scenarios[tc.Scenario]++
	}
	assert.GreaterOrEqual(t, scenarios[pipeline.ScenarioPositive], 1)
	assert.GreaterOrEqual(t, scenarios[pipeline.ScenarioNegative], 1)

	require.Len(t, res.Items, 3)
	for _, it := range res.Items {
		assert.True(t, it.Linked, "item %+v", it)
	}
	assert.Equal(t, []string{"501", "502", "503"}, res.TestCaseIDs)
	assert.Len(t, tracker.links, 3)
	assert.Empty(t, res.Warnings)

	run, err := store.GetRun(ctx, "shop", "123", 1)
	require.NoError(t, err)
	assert.True(t, run.Completed())

	n, err := vectors.Count(ctx, retrieval.CollectionTestCases)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Redelivery of the same revision is a no-op.
	again, err := proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDuplicate, again.Status)
	assert.Equal(t, 1, chat.calls)
	assert.Equal(t, 3, tracker.createCalls)
}
