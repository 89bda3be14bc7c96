package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/storyqa/internal/pipeline"
)

// MockTracker is an in-memory publisher for local runs and tests. It names
// created cases TC-<story>-<n> and links them all.
type MockTracker struct {
	mu     sync.Mutex
	plans  map[string]int
	counts map[string]int
	cases  map[string][]string
}

func NewMockTracker() *MockTracker {
	return &MockTracker{
		plans:  map[string]int{},
		counts: map[string]int{},
		cases:  map[string][]string{},
	}
}

func (m *MockTracker) Publish(ctx context.Context, story pipeline.StoryRef, cases []*pipeline.TestCase) (pipeline.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.PublishResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[story.ID]
	if !ok {
		plan = len(m.plans) + 1
		m.plans[story.ID] = plan
	}

	res := pipeline.PublishResult{PlanID: plan, SuiteID: plan, Items: make([]pipeline.ItemResult, len(cases))}
	for i, tc := range cases {
		if tc.ExternalID == "" {
			m.counts[story.ID]++
			tc.ExternalID = fmt.Sprintf("TC-%s-%d", story.ID, m.counts[story.ID])
			m.cases[story.ID] = append(m.cases[story.ID], tc.ExternalID)
		}
		res.Items[i] = pipeline.ItemResult{Index: i, Title: tc.Title, ExternalID: tc.ExternalID, Linked: true}
	}
	return res, nil
}

// Cases returns the ids created for a story, in creation order.
func (m *MockTracker) Cases(storyID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cases[storyID]...)
}
