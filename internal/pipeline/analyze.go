package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/net/html"

	"github.com/kalambet/storyqa/internal/retrieval"
)

const defaultContextTokens = 3000

// Analysis is the structured reading of a story plus the retrieved context
// that fits the prompt budget.
type Analysis struct {
	Description        string
	AcceptanceCriteria []string
	Actors             []string
	Constraints        []string
	Context            []retrieval.SimilarityResult
	ContextTokens      int
	DroppedContext     int
}

// Analyzer extracts signals from story text. It makes no external calls.
type Analyzer struct {
	codec  tokenizer.Codec
	budget int
}

// NewAnalyzer creates an Analyzer that keeps at most budget tokens of
// retrieved context. budget <= 0 uses the default.
func NewAnalyzer(budget int) (*Analyzer, error) {
	if budget <= 0 {
		budget = defaultContextTokens
	}
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	return &Analyzer{codec: codec, budget: budget}, nil
}

// Analyze reads the story and trims rc to the token budget, dropping the
// lowest-scoring results first.
func (a *Analyzer) Analyze(s Story, rc retrieval.Context) Analysis {
	plain := StripHTML(s.Description)
	lines := splitLines(plain)

	out := Analysis{
		Description:        plain,
		AcceptanceCriteria: acceptanceCriteria(lines),
		Actors:             actors(s.Title + "\n" + plain),
		Constraints:        constraints(lines),
	}

	for _, r := range rc.All() {
		n := a.CountTokens(contextEntry(r))
		// Results are ranked, so once one is dropped every later one is too.
		if out.DroppedContext > 0 || out.ContextTokens+n > a.budget {
			out.DroppedContext++
			continue
		}
		out.Context = append(out.Context, r)
		out.ContextTokens += n
	}
	return out
}

// CountTokens returns the token count of text, estimating at four
// characters per token if the codec fails.
func (a *Analyzer) CountTokens(text string) int {
	n, err := a.codec.Count(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return n
}

// markup matches a complete tag or a character reference.
var markup = regexp.MustCompile(`(?i)</?[a-z][a-z0-9]*(\s[^<>]*)?/?>|&(#[0-9]+|#x[0-9a-f]+|[a-z][a-z0-9]*);`)

// StripHTML returns the visible text of an HTML fragment. Block elements
// become line breaks and list items become "- " bullets. Text without any
// markup is not tokenized, so comparisons such as "a<b" survive.
func StripHTML(s string) string {
	if !markup.MatchString(s) {
		return tidy(s)
	}

	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tidy(sb.String())
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "li":
				sb.WriteString("\n- ")
			case "br", "p", "div", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol":
				sb.WriteString("\n")
			case "td", "th":
				sb.WriteString(" ")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol":
				sb.WriteString("\n")
			}
		}
	}
}

var spaceRun = regexp.MustCompile(`[ \t\f\r\x{00a0}]+`)

// tidy collapses horizontal whitespace and removes blank lines.
func tidy(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

var (
	bulletLine    = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+(.+)$`)
	gherkinLine   = regexp.MustCompile(`(?i)^(?:given|when|then|and|but)\b`)
	criteriaHead  = regexp.MustCompile(`(?i)^#*\s*acceptance criteria\s*:?\s*(.*)$`)
	sectionHead   = regexp.MustCompile(`^#*\s*[A-Z][A-Za-z ]{2,40}:$`)
	actorPattern  = regexp.MustCompile(`(?i)\bas an? ([^,.;\n]+?)\s*(?:,|\bI want\b|\bI need\b|\bI can\b|$)`)
	constraintKey = regexp.MustCompile(`(?i)\b(?:must|should|only|at least|at most|maximum|minimum|within|cannot|can't|not allowed)\b`)
)

func acceptanceCriteria(lines []string) []string {
	var (
		out     []string
		inBlock bool
	)
	for _, line := range lines {
		if m := criteriaHead.FindStringSubmatch(line); m != nil {
			inBlock = true
			if m[1] != "" {
				out = append(out, m[1])
			}
			continue
		}
		if inBlock && sectionHead.MatchString(line) {
			inBlock = false
		}
		switch {
		case bulletLine.MatchString(line):
			out = append(out, bulletLine.FindStringSubmatch(line)[1])
		case gherkinLine.MatchString(line), inBlock:
			out = append(out, line)
		}
	}
	return dedupe(out)
}

func actors(text string) []string {
	var out []string
	for _, m := range actorPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return dedupe(out)
}

func constraints(lines []string) []string {
	var out []string
	for _, line := range lines {
		if constraintKey.MatchString(line) {
			if m := bulletLine.FindStringSubmatch(line); m != nil {
				line = m[1]
			}
			out = append(out, line)
		}
	}
	return dedupe(out)
}

// dedupe drops case-insensitive duplicates and keeps first-seen order.
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		k := strings.ToLower(strings.TrimSpace(it))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(it))
	}
	return out
}
