// Package pipeline turns a user story into test cases: it retrieves similar
// past work, analyses the story, asks a model for test cases, parses the
// answer, and hands the result to a publisher.
package pipeline

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/storyqa/internal/qaerrors"
)

// Scenario classifies what a test case exercises.
type Scenario string

const (
	ScenarioPositive Scenario = "positive"
	ScenarioNegative Scenario = "negative"
	ScenarioEdge     Scenario = "edge"
)

// ParseScenario maps free-form model output onto a Scenario. Anything
// unrecognised is treated as an edge case.
func ParseScenario(s string) Scenario {
	switch v := strings.ToLower(strings.TrimSpace(s)); {
	case strings.HasPrefix(v, "pos"), v == "happy path", v == "happy":
		return ScenarioPositive
	case strings.HasPrefix(v, "neg"):
		return ScenarioNegative
	default:
		return ScenarioEdge
	}
}

// Story is a single revision of a work-tracker user story.
type Story struct {
	ID          string    `json:"story_id"`
	ProjectID   string    `json:"project_id"`
	Revision    int       `json:"revision"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Step is one action and the result it should produce.
type Step struct {
	Action   string `json:"action"`
	Expected string `json:"expected"`
}

// TestCase is a generated test case. ExternalID is empty until the case is
// created in the work tracker.
type TestCase struct {
	StoryID     string    `json:"story_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Scenario    Scenario  `json:"scenario"`
	Priority    int       `json:"priority"`
	Steps       []Step    `json:"steps"`
	Markdown    string    `json:"markdown"`
	CSV         string    `json:"csv"`
	Embedding   []float32 `json:"-"`
	ExternalID  string    `json:"external_id,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// StoryRef identifies the story test cases are published for.
type StoryRef struct {
	ID        string
	ProjectID string
	Title     string
}

// Ref returns the publication reference of s.
func (s Story) Ref() StoryRef {
	return StoryRef{ID: s.ID, ProjectID: s.ProjectID, Title: s.Title}
}

// ErrorInfo is the serialized form of a typed error.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorInfo describes err, or returns nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: qaerrors.KindOf(err).String(), Message: err.Error()}
}

// ItemResult is the publication outcome of one test case.
type ItemResult struct {
	Index      int        `json:"index"`
	Title      string     `json:"title"`
	ExternalID string     `json:"external_id,omitempty"`
	Linked     bool       `json:"linked"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// OK reports whether the case was created and linked.
func (r ItemResult) OK() bool {
	return r.Error == nil && r.ExternalID != "" && r.Linked
}

// PublishResult is what a Publisher reports for one story.
type PublishResult struct {
	PlanID  int          `json:"plan_id,omitempty"`
	SuiteID int          `json:"suite_id,omitempty"`
	Items   []ItemResult `json:"items"`
}

// Failed counts items that did not complete.
func (r PublishResult) Failed() int {
	n := 0
	for _, it := range r.Items {
		if !it.OK() {
			n++
		}
	}
	return n
}

// StoryID accepts a JSON string or number, since trackers send both.
type StoryID string

func (id *StoryID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StoryID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return err
	}
	*id = StoryID(n.String())
	return nil
}

// Event is the inbound trigger for one story revision.
type Event struct {
	StoryID     StoryID `json:"story_id"`
	ProjectID   string  `json:"project_id"`
	Revision    int     `json:"revision"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
}

// Validate checks the fields every run needs.
func (e Event) Validate() error {
	const op = "event.validate"
	switch {
	case e.StoryID == "":
		return qaerrors.Validation(op, "story_id is required")
	case strings.TrimSpace(e.ProjectID) == "":
		return qaerrors.Validation(op, "project_id is required")
	case strings.TrimSpace(e.Title) == "":
		return qaerrors.Validation(op, "title is required")
	case e.Revision < 0:
		return qaerrors.Validation(op, "revision must not be negative, got %d", e.Revision)
	}
	return nil
}

// Story converts the event into a Story.
func (e Event) Story() Story {
	return Story{
		ID:          string(e.StoryID),
		ProjectID:   strings.TrimSpace(e.ProjectID),
		Revision:    e.Revision,
		Title:       strings.TrimSpace(e.Title),
		Description: e.Description,
		CreatedAt:   time.Now().UTC(),
	}
}
