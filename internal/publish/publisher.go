// Package publish places generated test cases in the work tracker: it
// resolves the story's test plan and suite, creates one Test Case work item
// per case, adds it to the suite and links it back to the story.
package publish

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kalambet/storyqa/internal/devops"
	"github.com/kalambet/storyqa/internal/metrics"
	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/qaerrors"
	"github.com/kalambet/storyqa/internal/retry"
)

// maxNameRunes is the longest plan or suite name the tracker accepts.
const maxNameRunes = 128

// Tracker is the work-tracker surface used for publication.
// *devops.Client satisfies it.
type Tracker interface {
	GetWorkItem(ctx context.Context, id int) (*devops.WorkItem, error)
	CreateTestCase(ctx context.Context, f devops.TestCaseFields) (*devops.WorkItem, error)
	ListPlans(ctx context.Context) ([]devops.TestPlan, error)
	CreatePlan(ctx context.Context, name, description string) (*devops.TestPlan, error)
	ListSuites(ctx context.Context, planID int) ([]devops.TestSuite, error)
	CreateSuite(ctx context.Context, planID, parentID int, name string) (*devops.TestSuite, error)
	ListSuiteTestCases(ctx context.Context, planID, suiteID int) ([]int, error)
	AddTestCaseToSuite(ctx context.Context, planID, suiteID, testCaseID int) error
	AddTestedByLink(ctx context.Context, storyID, testCaseID int) error
	AddComment(ctx context.Context, workItemID int, text string) error
}

// Publisher implements pipeline.Publisher against a Tracker. Every tracker
// call runs under its own retry budget.
type Publisher struct {
	tracker Tracker
	policy  *retry.Policy
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// New creates a Publisher. A nil policy means retry.DefaultConfig; metrics
// and logger may be nil.
func New(tracker Tracker, policy *retry.Policy, m *metrics.Recorder, logger *slog.Logger) *Publisher {
	if policy == nil {
		policy = retry.NewPolicy("devops", retry.DefaultConfig, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{tracker: tracker, policy: policy, metrics: m, logger: logger}
}

// PlanName is the test plan that collects a story's cases.
func PlanName(story pipeline.StoryRef) string {
	return truncate(fmt.Sprintf("QA: %s (#%s)", story.Title, story.ID), maxNameRunes)
}

// SuiteName is the static suite a story's cases are placed in.
func SuiteName(story pipeline.StoryRef) string {
	return truncate(fmt.Sprintf("Story %s: %s", story.ID, story.Title), maxNameRunes)
}

// Publish creates and links cases for story. A plan or suite that cannot be
// resolved is returned as an error since no case could be placed; every
// other failure is reported on its item and the remaining cases continue.
func (p *Publisher) Publish(ctx context.Context, story pipeline.StoryRef, cases []*pipeline.TestCase) (pipeline.PublishResult, error) {
	log := p.logger.With("story_id", story.ID, "project_id", story.ProjectID)

	storyID, err := strconv.Atoi(story.ID)
	if err != nil {
		return pipeline.PublishResult{}, qaerrors.Validation("publish", "story id %q is not a work item id", story.ID)
	}

	plan, err := p.ensurePlan(ctx, story)
	if err != nil {
		return pipeline.PublishResult{}, qaerrors.New(qaerrors.KindIntegration, "publish.plan", err)
	}
	suite, err := p.ensureSuite(ctx, plan, story)
	if err != nil {
		return pipeline.PublishResult{}, qaerrors.New(qaerrors.KindIntegration, "publish.suite", err)
	}
	log = log.With("plan_id", plan.ID, "suite_id", suite.ID)

	members := map[int]bool{}
	ids, err := retry.Value(ctx, p.policy, func(ctx context.Context) ([]int, error) {
		return p.tracker.ListSuiteTestCases(ctx, plan.ID, suite.ID)
	})
	if err != nil {
		log.Warn("listing suite members failed", "error", err)
	}
	for _, id := range ids {
		members[id] = true
	}

	storyItem, err := retry.Value(ctx, p.policy, func(ctx context.Context) (*devops.WorkItem, error) {
		return p.tracker.GetWorkItem(ctx, storyID)
	})
	if err != nil {
		log.Warn("fetching story relations failed", "error", err)
	}

	res := pipeline.PublishResult{PlanID: plan.ID, SuiteID: suite.ID, Items: make([]pipeline.ItemResult, len(cases))}
	for i, tc := range cases {
		item := p.publishOne(ctx, storyID, plan.ID, suite.ID, tc, members, storyItem)
		item.Index = i
		if item.Error != nil {
			log.Warn("test case not published", "index", i, "title", tc.Title, "error", item.Error.Message)
		}
		p.metrics.ObservePublished(item.OK())
		res.Items[i] = item
	}

	p.comment(ctx, log, storyID, cases, res)
	log.Info("publication finished", "cases", len(cases), "failed", res.Failed())
	return res, nil
}

func (p *Publisher) publishOne(ctx context.Context, storyID, planID, suiteID int, tc *pipeline.TestCase, members map[int]bool, storyItem *devops.WorkItem) pipeline.ItemResult {
	item := pipeline.ItemResult{Title: tc.Title, ExternalID: tc.ExternalID}
	fail := func(op string, err error) pipeline.ItemResult {
		item.Error = pipeline.NewErrorInfo(qaerrors.New(qaerrors.KindIntegration, op, err))
		return item
	}

	var caseID int
	if tc.ExternalID != "" {
		id, err := strconv.Atoi(tc.ExternalID)
		if err != nil {
			return fail("publish.test_case", fmt.Errorf("external id %q is not a work item id", tc.ExternalID))
		}
		caseID = id
	} else {
		wi, err := retry.Value(ctx, p.policy, func(ctx context.Context) (*devops.WorkItem, error) {
			return p.tracker.CreateTestCase(ctx, fields(tc))
		})
		if err != nil {
			return fail("publish.create_test_case", err)
		}
		caseID = wi.ID
		tc.ExternalID = strconv.Itoa(wi.ID)
		item.ExternalID = tc.ExternalID
	}

	if !members[caseID] {
		err := p.policy.Do(ctx, func(ctx context.Context) error {
			return p.tracker.AddTestCaseToSuite(ctx, planID, suiteID, caseID)
		})
		if err != nil && !devops.AlreadyExists(err) {
			return fail("publish.add_to_suite", err)
		}
		members[caseID] = true
	}

	if !devops.HasTestedBy(storyItem, caseID) {
		err := p.policy.Do(ctx, func(ctx context.Context) error {
			return p.tracker.AddTestedByLink(ctx, storyID, caseID)
		})
		if err != nil && !devops.AlreadyExists(err) {
			return fail("publish.link", err)
		}
	}
	item.Linked = true
	return item
}

func (p *Publisher) ensurePlan(ctx context.Context, story pipeline.StoryRef) (*devops.TestPlan, error) {
	name := PlanName(story)
	plans, err := retry.Value(ctx, p.policy, func(ctx context.Context) ([]devops.TestPlan, error) {
		return p.tracker.ListPlans(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	for i := range plans {
		if plans[i].Name == name {
			return &plans[i], nil
		}
	}

	plan, err := retry.Value(ctx, p.policy, func(ctx context.Context) (*devops.TestPlan, error) {
		return p.tracker.CreatePlan(ctx, name, "Generated test cases for story #"+story.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("creating plan %q: %w", name, err)
	}
	p.logger.Info("test plan created", "plan_id", plan.ID, "name", name)
	return plan, nil
}

func (p *Publisher) ensureSuite(ctx context.Context, plan *devops.TestPlan, story pipeline.StoryRef) (*devops.TestSuite, error) {
	name := SuiteName(story)
	suites, err := retry.Value(ctx, p.policy, func(ctx context.Context) ([]devops.TestSuite, error) {
		return p.tracker.ListSuites(ctx, plan.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("listing suites of plan %d: %w", plan.ID, err)
	}

	rootID := 0
	if plan.RootSuite != nil {
		rootID = plan.RootSuite.ID
	}
	for i := range suites {
		if suites[i].Name == name && suites[i].ParentSuite != nil {
			return &suites[i], nil
		}
		if rootID == 0 && suites[i].ParentSuite == nil {
			rootID = suites[i].ID
		}
	}
	if rootID == 0 {
		return nil, fmt.Errorf("plan %d has no root suite", plan.ID)
	}

	suite, err := retry.Value(ctx, p.policy, func(ctx context.Context) (*devops.TestSuite, error) {
		return p.tracker.CreateSuite(ctx, plan.ID, rootID, name)
	})
	if err != nil {
		return nil, fmt.Errorf("creating suite %q: %w", name, err)
	}
	return suite, nil
}

// comment leaves a summary on the story. Failure does not affect the result.
func (p *Publisher) comment(ctx context.Context, log *slog.Logger, storyID int, cases []*pipeline.TestCase, res pipeline.PublishResult) {
	var b strings.Builder
	ok := 0
	for i, it := range res.Items {
		if !it.OK() {
			continue
		}
		ok++
		fmt.Fprintf(&b, "<li>#%s %s (%s)</li>", it.ExternalID, html.EscapeString(it.Title), cases[i].Scenario)
	}
	if ok == 0 {
		return
	}
	text := fmt.Sprintf("<p>%d generated test case(s) linked in plan %d, suite %d:</p><ul>%s</ul>", ok, res.PlanID, res.SuiteID, b.String())
	if err := p.tracker.AddComment(ctx, storyID, text); err != nil {
		log.Warn("adding story comment failed", "error", err)
	}
}

func fields(tc *pipeline.TestCase) devops.TestCaseFields {
	steps := make([]devops.Step, len(tc.Steps))
	for i, s := range tc.Steps {
		steps[i] = devops.Step{Action: s.Action, Expected: s.Expected}
	}
	return devops.TestCaseFields{
		Title:       tc.Title,
		Description: tc.Description,
		StepsXML:    devops.StepsXML(steps),
		Priority:    tc.Priority,
		Tags:        devops.GeneratedTags,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
