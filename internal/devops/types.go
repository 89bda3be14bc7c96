package devops

// Work item field and relation names used by the publisher.
const (
	FieldTitle       = "System.Title"
	FieldDescription = "System.Description"
	FieldProject     = "System.TeamProject"
	FieldTags        = "System.Tags"
	FieldSteps       = "Microsoft.VSTS.TCM.Steps"
	FieldPriority    = "Microsoft.VSTS.Common.Priority"

	RelTestedBy = "Microsoft.VSTS.Common.TestedBy-Forward"

	// GeneratedTags marks test cases created by this service.
	GeneratedTags = "generated; ai"
)

// WorkItem is the subset of a work item payload the service reads.
type WorkItem struct {
	ID        int            `json:"id"`
	Rev       int            `json:"rev"`
	Fields    map[string]any `json:"fields"`
	Relations []Relation     `json:"relations,omitempty"`
	URL       string         `json:"url,omitempty"`
}

// StringField returns a string field or "" when absent.
func (w *WorkItem) StringField(name string) string {
	if w == nil || w.Fields == nil {
		return ""
	}
	s, _ := w.Fields[name].(string)
	return s
}

type Relation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// TestCaseFields are the values written when creating a Test Case work item.
type TestCaseFields struct {
	Title       string
	Description string
	StepsXML    string
	Priority    int
	Tags        string
}

type TestPlan struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	RootSuite *SuiteRef `json:"rootSuite,omitempty"`
}

type SuiteRef struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

type TestSuite struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	SuiteType   string    `json:"suiteType,omitempty"`
	ParentSuite *SuiteRef `json:"parentSuite,omitempty"`
}

// patchOp is one JSON Patch operation.
type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type listResponse[T any] struct {
	Value []T `json:"value"`
	Count int `json:"count"`
}

type suiteEntry struct {
	WorkItem struct {
		ID int `json:"id"`
	} `json:"workItem"`
}
