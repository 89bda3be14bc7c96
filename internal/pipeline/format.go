package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/storyqa/internal/qaerrors"
)

// draftCase is the shape requested from the model. Field names vary between
// models, so a few aliases are accepted.
type draftCase struct {
	Title          string          `json:"title"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Scenario       string          `json:"scenario"`
	Type           string          `json:"type"`
	TestType       string          `json:"test_type"`
	Priority       json.RawMessage `json:"priority"`
	Steps          []draftStep     `json:"steps"`
	ExpectedResult string          `json:"expected_result"`
}

type draftStep struct {
	Action      string `json:"action"`
	Description string `json:"description"`
	Expected    string `json:"expected"`
	Result      string `json:"expected_result"`
}

var fence = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\n?(.*?)```")

// ParseTestCases turns raw model output into test cases for storyID. Code
// fences and surrounding prose are tolerated; anything structurally invalid
// is a FormatError.
func ParseTestCases(raw, storyID string) ([]*TestCase, error) {
	const op = "format"

	values, truncated := jsonValues(stripFence(raw))

	var firstErr error
	for _, body := range values {
		drafts, err := decodeDrafts(body)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(drafts) > 0 {
			return buildCases(drafts, storyID)
		}
	}

	switch {
	case firstErr != nil:
		return nil, qaerrors.New(qaerrors.KindFormat, op, firstErr)
	case truncated:
		return nil, qaerrors.Errorf(qaerrors.KindFormat, op, "model output ends inside a JSON value")
	case len(values) == 0:
		return nil, qaerrors.Errorf(qaerrors.KindFormat, op, "no JSON found in model output")
	}
	return nil, qaerrors.Errorf(qaerrors.KindFormat, op, "model output contains no test cases")
}

func buildCases(drafts []draftCase, storyID string) ([]*TestCase, error) {
	const op = "format"
	now := time.Now().UTC()
	cases := make([]*TestCase, 0, len(drafts))
	for i, d := range drafts {
		tc, err := d.toTestCase(storyID, now)
		if err != nil {
			return nil, qaerrors.New(qaerrors.KindFormat, op, fmt.Errorf("test case %d: %w", i+1, err))
		}
		cases = append(cases, tc)
	}
	return cases, nil
}

// stripFence returns the body of the first code fence in s, or s itself.
func stripFence(s string) string {
	if m := fence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.TrimSpace(s)
}

// jsonValues returns the top-level JSON objects and arrays embedded in s, in
// order. Brackets in prose that do not start a valid value are skipped.
// Values nested in an earlier match are not returned on their own. A value
// cut off by the end of s stops the scan and reports truncated.
func jsonValues(s string) (values []string, truncated bool) {
	for i := 0; i < len(s); {
		j := strings.IndexAny(s[i:], "{[")
		if j < 0 {
			break
		}
		i += j

		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var raw json.RawMessage
		err := dec.Decode(&raw)
		switch {
		case err == nil:
			values = append(values, string(raw))
			i += int(dec.InputOffset())
		case errors.Is(err, io.ErrUnexpectedEOF):
			return values, true
		default:
			i++
		}
	}
	return values, false
}

func decodeDrafts(body string) ([]draftCase, error) {
	dec := func(v any) error {
		return json.Unmarshal([]byte(body), v)
	}

	if strings.HasPrefix(body, "[") {
		var list []draftCase
		if err := dec(&list); err != nil {
			return nil, fmt.Errorf("decoding test case array: %w", err)
		}
		return list, nil
	}

	var wrapped struct {
		TestCases []draftCase `json:"test_cases"`
		Cases     []draftCase `json:"testCases"`
	}
	if err := dec(&wrapped); err != nil {
		return nil, fmt.Errorf("decoding test case object: %w", err)
	}
	if len(wrapped.TestCases) > 0 {
		return wrapped.TestCases, nil
	}
	if len(wrapped.Cases) > 0 {
		return wrapped.Cases, nil
	}

	// A single bare test case.
	var single draftCase
	if err := dec(&single); err == nil && (single.Title != "" || single.Name != "") {
		return []draftCase{single}, nil
	}
	return nil, nil
}

func (d draftCase) toTestCase(storyID string, at time.Time) (*TestCase, error) {
	title := strings.TrimSpace(firstNonEmpty(d.Title, d.Name))
	if title == "" {
		return nil, fmt.Errorf("missing title")
	}
	if len(d.Steps) == 0 {
		return nil, fmt.Errorf("%q has no steps", title)
	}

	steps := make([]Step, 0, len(d.Steps))
	for i, s := range d.Steps {
		action := strings.TrimSpace(firstNonEmpty(s.Action, s.Description))
		if action == "" {
			return nil, fmt.Errorf("%q step %d has no action", title, i+1)
		}
		steps = append(steps, Step{Action: action, Expected: strings.TrimSpace(firstNonEmpty(s.Expected, s.Result))})
	}
	// Older prompts put a single expected result on the case.
	if last := &steps[len(steps)-1]; last.Expected == "" {
		last.Expected = strings.TrimSpace(d.ExpectedResult)
	}

	tc := &TestCase{
		StoryID:     storyID,
		Title:       title,
		Description: strings.TrimSpace(d.Description),
		Scenario:    ParseScenario(firstNonEmpty(d.Scenario, d.Type, d.TestType)),
		Priority:    parsePriority(d.Priority),
		Steps:       steps,
		GeneratedAt: at,
	}
	tc.Markdown = RenderMarkdown(tc)
	sheet, err := RenderCSV(tc)
	if err != nil {
		return nil, fmt.Errorf("rendering %q: %w", title, err)
	}
	tc.CSV = sheet
	return tc, nil
}

// parsePriority accepts 1-4 as a number or string, or a word such as "high".
// Anything else is priority 2.
func parsePriority(raw json.RawMessage) int {
	v := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	switch strings.ToLower(v) {
	case "critical", "highest", "high":
		return 1
	case "medium", "normal":
		return 2
	case "low":
		return 3
	case "lowest", "trivial":
		return 4
	}
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 4 {
		return 2
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// RenderMarkdown renders a test case as a Markdown document.
func RenderMarkdown(tc *TestCase) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", tc.Title)
	fmt.Fprintf(&sb, "**Scenario:** %s  \n**Priority:** %d\n\n", tc.Scenario, tc.Priority)
	if tc.Description != "" {
		sb.WriteString(tc.Description)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Steps\n\n")
	for i, s := range tc.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s.Action)
		if s.Expected != "" {
			fmt.Fprintf(&sb, "   - Expected: %s\n", s.Expected)
		}
	}
	return sb.String()
}

// RenderCSV renders the steps of a test case with a header row.
func RenderCSV(tc *TestCase) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Step", "Action", "Expected Result"}); err != nil {
		return "", err
	}
	for i, s := range tc.Steps {
		if err := w.Write([]string{strconv.Itoa(i + 1), s.Action, s.Expected}); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

// RenderSuiteCSV renders several test cases as one sheet, one row per step.
func RenderSuiteCSV(cases []*TestCase) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Test Case", "Title", "Scenario", "Priority", "Step", "Action", "Expected Result"}); err != nil {
		return "", err
	}
	for i, tc := range cases {
		id := tc.ExternalID
		if id == "" {
			id = "TC" + strconv.Itoa(i+1)
		}
		for j, s := range tc.Steps {
			row := []string{id, "", "", "", strconv.Itoa(j + 1), s.Action, s.Expected}
			if j == 0 {
				row[1], row[2], row[3] = tc.Title, string(tc.Scenario), strconv.Itoa(tc.Priority)
			}
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}
