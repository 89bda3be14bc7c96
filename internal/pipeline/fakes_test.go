package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/retrieval"
	"github.com/kalambet/storyqa/internal/retry"
	"github.com/kalambet/storyqa/internal/storage"
)

type fakeChat struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (string, error)
}

func (f *fakeChat) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.ChatOptions) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n)
}

func (f *fakeChat) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fixedChat(out string) *fakeChat {
	return &fakeChat{fn: func(int) (string, error) { return out, nil }}
}

type fakeStoryEmbedder struct {
	err error
}

func (f *fakeStoryEmbedder) EmbedStory(context.Context, string, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeBatchEmbedder struct {
	err error
}

func (f *fakeBatchEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 1, float32(i)}
	}
	return out, nil
}

type fakeRetriever struct {
	rc   retrieval.Context
	errs []error
}

func (f *fakeRetriever) Retrieve(context.Context, []float32, string, string) (retrieval.Context, []error) {
	return f.rc, f.errs
}

type fakeVectors struct {
	mu      sync.Mutex
	records map[string]retrieval.Metadata
	err     error
}

func (f *fakeVectors) Upsert(_ context.Context, collection, id string, _ []float32, md retrieval.Metadata) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]retrieval.Metadata)
	}
	f.records[collection+"/"+id] = md
	return nil
}

type memLedger struct {
	mu   sync.Mutex
	runs map[string]storage.Run
}

func ledgerKey(p, s string, r int) string { return fmt.Sprintf("%s/%s/%d", p, s, r) }

func (m *memLedger) GetRun(_ context.Context, p, s string, r int) (storage.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[ledgerKey(p, s, r)]
	if !ok {
		return storage.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (m *memLedger) SaveRun(_ context.Context, r storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[string]storage.Run)
	}
	m.runs[ledgerKey(r.ProjectID, r.StoryID, r.Revision)] = r
	return nil
}

// fakePublisher assigns ids and fails any case whose title is in failTitles.
type fakePublisher struct {
	mu         sync.Mutex
	calls      [][]string
	next       int
	failTitles map[string]bool
	err        error
}

func (f *fakePublisher) Publish(_ context.Context, _ StoryRef, cases []*TestCase) (PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	titles := make([]string, len(cases))
	for i, tc := range cases {
		titles[i] = tc.Title
	}
	f.calls = append(f.calls, titles)
	if f.err != nil {
		return PublishResult{}, f.err
	}

	res := PublishResult{PlanID: 1, SuiteID: 2}
	for i, tc := range cases {
		item := ItemResult{Index: i, Title: tc.Title}
		if f.failTitles[tc.Title] {
			item.Error = &ErrorInfo{Kind: "IntegrationError", Message: "boom"}
		} else {
			if tc.ExternalID == "" {
				f.next++
				tc.ExternalID = fmt.Sprintf("%d", 1000+f.next)
			}
			item.ExternalID = tc.ExternalID
			item.Linked = true
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

type fakeQueue struct {
	jobs []storage.Job
}

func (f *fakeQueue) EnqueueJob(_ context.Context, j storage.Job) error {
	f.jobs = append(f.jobs, j)
	return nil
}

// fastPolicy retries immediately.
func fastPolicy(maxRetries int) *retry.Policy {
	return retry.NewPolicy("test", retry.Config{MaxRetries: maxRetries}, nil)
}

var errUnavailable = &retry.StatusError{Code: 503, Err: errors.New("service unavailable")}
