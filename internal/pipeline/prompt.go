package pipeline

import (
	"fmt"
	"strings"

	"github.com/kalambet/storyqa/internal/engine"
	"github.com/kalambet/storyqa/internal/retrieval"
)

const (
	minCases = 3
	maxCases = 5
)

const systemPrompt = `You are a QA automation expert designing test cases for user stories.
Respond with a single JSON object and nothing else.`

// BuildPrompt assembles the chat messages for test case generation.
func BuildPrompt(s Story, a Analysis) []engine.Message {
	var sb strings.Builder

	sb.WriteString("# USER STORY\n")
	fmt.Fprintf(&sb, "ID: %s (revision %d)\n", s.ID, s.Revision)
	fmt.Fprintf(&sb, "Title: %s\n", s.Title)
	if a.Description != "" {
		sb.WriteString("Description:\n")
		sb.WriteString(a.Description)
		sb.WriteString("\n")
	}

	writeList(&sb, "Acceptance criteria", a.AcceptanceCriteria)
	writeList(&sb, "Actors", a.Actors)
	writeList(&sb, "Constraints", a.Constraints)

	if len(a.Context) > 0 {
		sb.WriteString("\n# SIMILAR USER STORIES AND TEST CASES\n")
		sb.WriteString("Use these only as examples of style and coverage.\n\n")
		for _, r := range a.Context {
			sb.WriteString(contextEntry(r))
		}
	}

	fmt.Fprintf(&sb, `
# TASK
Create between %d and %d test cases for the user story above.
Include at least one of each scenario type:
- positive: the functionality works with valid input
- negative: invalid input or unauthorized actions are rejected
- edge: boundary conditions or unusual situations
Each test case needs a clear title, a one-sentence description, a priority
from 1 (highest) to 4, and ordered steps. Every step has an action and the
expected result of that action.

# OUTPUT
{"test_cases":[{"title":"...","description":"...","scenario":"positive|negative|edge","priority":2,"steps":[{"action":"...","expected":"..."}]}]}
`, minCases, maxCases)

	return []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}

func writeList(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n## %s\n", heading)
	for _, it := range items {
		sb.WriteString("- ")
		sb.WriteString(it)
		sb.WriteString("\n")
	}
}

func contextEntry(r retrieval.SimilarityResult) string {
	label := "story"
	if r.Source == retrieval.SourceTestCase {
		label = "test case"
	}
	return fmt.Sprintf("(score %.2f, %s %s) %s\n%s\n\n", r.Score, label, r.RecordID, r.Metadata.Title, r.Metadata.Text)
}

// testCaseSchema is passed to providers that support structured output.
func testCaseSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"test_cases": {Type: "array", Description: "Test cases with title, description, scenario, priority and steps"},
		},
		Required: []string{"test_cases"},
	}
}
