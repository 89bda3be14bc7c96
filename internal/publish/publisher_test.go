package publish

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/storyqa/internal/devops"
	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/retry"
)

// fakeTracker is an in-memory work tracker. The fn fields inject failures.
type fakeTracker struct {
	mu       sync.Mutex
	nextID   int
	plans    []devops.TestPlan
	suites   map[int][]devops.TestSuite
	members  map[int][]int
	story    devops.WorkItem
	created  []devops.TestCaseFields
	links    []int
	comments []string

	createPlanCalls  int
	createSuiteCalls int
	createCalls      int
	addCalls         int
	linkCalls        int

	listPlansFn func() error
	createFn    func(f devops.TestCaseFields) error
	linkFn      func(testCaseID int) error
	commentFn   func() error
}

func newFakeTracker(storyID int) *fakeTracker {
	return &fakeTracker{
		nextID:  500,
		suites:  map[int][]devops.TestSuite{},
		members: map[int][]int{},
		story:   devops.WorkItem{ID: storyID},
	}
}

func (f *fakeTracker) GetWorkItem(_ context.Context, id int) (*devops.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.story.ID {
		return nil, &devops.StatusError{Op: "get work item", Code: http.StatusNotFound}
	}
	wi := f.story
	wi.Relations = append([]devops.Relation(nil), f.story.Relations...)
	return &wi, nil
}

func (f *fakeTracker) CreateTestCase(_ context.Context, fl devops.TestCaseFields) (*devops.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createFn != nil {
		if err := f.createFn(fl); err != nil {
			return nil, err
		}
	}
	f.nextID++
	f.created = append(f.created, fl)
	return &devops.WorkItem{ID: f.nextID}, nil
}

func (f *fakeTracker) ListPlans(context.Context) ([]devops.TestPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listPlansFn != nil {
		if err := f.listPlansFn(); err != nil {
			return nil, err
		}
	}
	return append([]devops.TestPlan(nil), f.plans...), nil
}

func (f *fakeTracker) CreatePlan(_ context.Context, name, _ string) (*devops.TestPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createPlanCalls++
	id := 10 + len(f.plans)
	plan := devops.TestPlan{ID: id, Name: name, RootSuite: &devops.SuiteRef{ID: id * 10}}
	f.plans = append(f.plans, plan)
	f.suites[id] = []devops.TestSuite{{ID: id * 10, Name: name}}
	return &plan, nil
}

func (f *fakeTracker) ListSuites(_ context.Context, planID int) ([]devops.TestSuite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]devops.TestSuite(nil), f.suites[planID]...), nil
}

func (f *fakeTracker) CreateSuite(_ context.Context, planID, parentID int, name string) (*devops.TestSuite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createSuiteCalls++
	s := devops.TestSuite{ID: planID*10 + len(f.suites[planID]), Name: name, ParentSuite: &devops.SuiteRef{ID: parentID}}
	f.suites[planID] = append(f.suites[planID], s)
	return &s, nil
}

func (f *fakeTracker) ListSuiteTestCases(_ context.Context, _, suiteID int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.members[suiteID]...), nil
}

func (f *fakeTracker) AddTestCaseToSuite(_ context.Context, _, suiteID, testCaseID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	f.members[suiteID] = append(f.members[suiteID], testCaseID)
	return nil
}

func (f *fakeTracker) AddTestedByLink(_ context.Context, storyID, testCaseID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	if f.linkFn != nil {
		if err := f.linkFn(testCaseID); err != nil {
			return err
		}
	}
	if storyID != f.story.ID {
		return &devops.StatusError{Op: "add tested-by link", Code: http.StatusNotFound}
	}
	f.links = append(f.links, testCaseID)
	f.story.Relations = append(f.story.Relations, devops.Relation{
		Rel: devops.RelTestedBy,
		URL: "https://dev.azure.com/acme/_apis/wit/workItems/" + strconv.Itoa(testCaseID),
	})
	return nil
}

func (f *fakeTracker) AddComment(_ context.Context, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentFn != nil {
		if err := f.commentFn(); err != nil {
			return err
		}
	}
	f.comments = append(f.comments, text)
	return nil
}

func testPolicy() *retry.Policy {
	return retry.NewPolicy("devops", retry.Config{MaxRetries: 2}, nil)
}

func loginCases() []*pipeline.TestCase {
	return []*pipeline.TestCase{
		{Title: "Valid login", Scenario: pipeline.ScenarioPositive, Priority: 1, Steps: []pipeline.Step{{Action: "Submit valid credentials", Expected: "Dashboard"}}},
		{Title: "Wrong password", Scenario: pipeline.ScenarioNegative, Priority: 2, Steps: []pipeline.Step{{Action: "Submit bad password", Expected: "Error shown"}}},
		{Title: "Lockout", Scenario: pipeline.ScenarioEdge, Priority: 2, Steps: []pipeline.Step{{Action: "Fail five times", Expected: "Locked"}}},
	}
}

var loginStory = pipeline.StoryRef{ID: "123", ProjectID: "shop", Title: "User login"}

func TestPublish_CreatesPlanSuiteAndLinks(t *testing.T) {
	tr := newFakeTracker(123)
	p := New(tr, testPolicy(), nil, nil)

	cases := loginCases()
	res, err := p.Publish(context.Background(), loginStory, cases)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.createPlanCalls)
	assert.Equal(t, 1, tr.createSuiteCalls)
	assert.Equal(t, "QA: User login (#123)", tr.plans[0].Name)
	assert.Equal(t, "Story 123: User login", tr.suites[res.PlanID][1].Name)
	assert.Equal(t, tr.plans[0].ID, res.PlanID)

	require.Len(t, res.Items, 3)
	assert.Zero(t, res.Failed())
	for i, it := range res.Items {
		assert.Equal(t, i, it.Index)
		assert.True(t, it.OK(), "item %d: %+v", i, it)
		assert.Equal(t, cases[i].ExternalID, it.ExternalID)
	}
	assert.Equal(t, []int{501, 502, 503}, tr.links)
	assert.Equal(t, []int{501, 502, 503}, tr.members[res.SuiteID])

	require.Len(t, tr.created, 3)
	assert.Equal(t, devops.GeneratedTags, tr.created[0].Tags)
	assert.Contains(t, tr.created[0].StepsXML, "Submit valid credentials")

	require.Len(t, tr.comments, 1)
	assert.Contains(t, tr.comments[0], "3 generated test case(s)")
}

func TestPublish_ReusesExistingPlanAndSuite(t *testing.T) {
	tr := newFakeTracker(123)
	p := New(tr, testPolicy(), nil, nil)

	_, err := p.Publish(context.Background(), loginStory, loginCases()[:1])
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), loginStory, loginCases()[1:2])
	require.NoError(t, err)

	assert.Equal(t, 1, tr.createPlanCalls)
	assert.Equal(t, 1, tr.createSuiteCalls)
}

func TestPublish_IsolatesItemFailure(t *testing.T) {
	tr := newFakeTracker(123)
	tr.createFn = func(f devops.TestCaseFields) error {
		if f.Title == "Wrong password" {
			return &devops.StatusError{Op: "create test case", Code: http.StatusBadRequest, Body: "invalid field"}
		}
		return nil
	}
	p := New(tr, testPolicy(), nil, nil)

	res, err := p.Publish(context.Background(), loginStory, loginCases())
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	assert.Equal(t, 1, res.Failed())
	assert.True(t, res.Items[0].OK())
	assert.True(t, res.Items[2].OK())

	bad := res.Items[1]
	require.NotNil(t, bad.Error)
	assert.Equal(t, "IntegrationError", bad.Error.Kind)
	assert.Empty(t, bad.ExternalID)
	assert.False(t, bad.Linked)
	assert.Equal(t, 3, tr.createCalls, "a 400 is not retried")
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	tr := newFakeTracker(123)
	failures := 2
	tr.createFn = func(devops.TestCaseFields) error {
		if failures > 0 {
			failures--
			return &devops.StatusError{Op: "create test case", Code: http.StatusServiceUnavailable}
		}
		return nil
	}
	p := New(tr, testPolicy(), nil, nil)

	res, err := p.Publish(context.Background(), loginStory, loginCases()[:1])
	require.NoError(t, err)
	assert.True(t, res.Items[0].OK())
	assert.Equal(t, 3, tr.createCalls)
}

func TestPublish_ExhaustedRetriesFailItem(t *testing.T) {
	tr := newFakeTracker(123)
	tr.linkFn = func(int) error {
		return &devops.StatusError{Op: "add tested-by link", Code: http.StatusTooManyRequests}
	}
	p := New(tr, testPolicy(), nil, nil)

	res, err := p.Publish(context.Background(), loginStory, loginCases()[:1])
	require.NoError(t, err)

	it := res.Items[0]
	assert.NotEmpty(t, it.ExternalID, "creation succeeded before linking failed")
	assert.False(t, it.Linked)
	require.NotNil(t, it.Error)
	assert.Equal(t, "IntegrationError", it.Error.Kind)
	assert.Equal(t, 3, tr.linkCalls)
	assert.Empty(t, tr.comments, "no comment when nothing was published")
}

func TestPublish_ExistingLinkIsNoop(t *testing.T) {
	tr := newFakeTracker(123)
	p := New(tr, testPolicy(), nil, nil)

	cases := loginCases()[:1]
	_, err := p.Publish(context.Background(), loginStory, cases)
	require.NoError(t, err)
	require.Equal(t, "501", cases[0].ExternalID)

	res, err := p.Publish(context.Background(), loginStory, cases)
	require.NoError(t, err)
	assert.True(t, res.Items[0].OK())
	assert.Equal(t, 1, tr.createCalls, "case with an external id is not re-created")
	assert.Equal(t, 1, tr.addCalls, "case already in the suite is not re-added")
	assert.Equal(t, 1, tr.linkCalls, "existing link is not re-added")
}

func TestPublish_AlreadyExistsIsSuccess(t *testing.T) {
	tr := newFakeTracker(123)
	tr.linkFn = func(int) error {
		return &devops.StatusError{Op: "add tested-by link", Code: http.StatusBadRequest, Body: "Relation already exists."}
	}
	p := New(tr, testPolicy(), nil, nil)

	res, err := p.Publish(context.Background(), loginStory, loginCases()[:1])
	require.NoError(t, err)
	assert.True(t, res.Items[0].OK())
	assert.Equal(t, 1, tr.linkCalls)
}

func TestPublish_PlanFailureIsFatal(t *testing.T) {
	tr := newFakeTracker(123)
	calls := 0
	tr.listPlansFn = func() error {
		calls++
		return &devops.StatusError{Op: "list plans", Code: http.StatusInternalServerError}
	}
	p := New(tr, testPolicy(), nil, nil)

	_, err := p.Publish(context.Background(), loginStory, loginCases())
	require.Error(t, err)
	assert.True(t, qaerrors.Is(err, qaerrors.KindIntegration))
	assert.True(t, retry.Exhausted(err))
	assert.Equal(t, 3, calls)
	assert.Zero(t, tr.createCalls)
}

func TestPublish_NonNumericStoryID(t *testing.T) {
	p := New(newFakeTracker(123), testPolicy(), nil, nil)
	_, err := p.Publish(context.Background(), pipeline.StoryRef{ID: "US-1", Title: "x"}, loginCases())
	assert.True(t, qaerrors.Is(err, qaerrors.KindValidation))
}

func TestPublish_CommentFailureIgnored(t *testing.T) {
	tr := newFakeTracker(123)
	tr.commentFn = func() error { return errors.New("comments disabled") }
	p := New(tr, testPolicy(), nil, nil)

	res, err := p.Publish(context.Background(), loginStory, loginCases())
	require.NoError(t, err)
	assert.Zero(t, res.Failed())
}

func TestNamesAreTruncated(t *testing.T) {
	story := pipeline.StoryRef{ID: "7", Title: strings.Repeat("é", 200)}
	assert.Equal(t, 128, len([]rune(PlanName(story))))
	assert.Equal(t, 128, len([]rune(SuiteName(story))))
	assert.True(t, strings.HasPrefix(SuiteName(story), "Story 7: é"))
}

func TestMockTracker(t *testing.T) {
	m := NewMockTracker()
	cases := loginCases()

	res, err := m.Publish(context.Background(), loginStory, cases)
	require.NoError(t, err)
	assert.Zero(t, res.Failed())
	assert.Equal(t, []string{"TC-123-1", "TC-123-2", "TC-123-3"}, m.Cases("123"))

	more := append(cases, &pipeline.TestCase{Title: "Remember me"})
	_, err = m.Publish(context.Background(), loginStory, more)
	require.NoError(t, err)
	assert.Equal(t, "TC-123-4", more[3].ExternalID)
	assert.Len(t, m.Cases("123"), 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Publish(ctx, loginStory, cases)
	assert.ErrorIs(t, err, context.Canceled)
}
