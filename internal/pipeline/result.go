package pipeline

// Status is the outcome reported for one event.
type Status string

const (
	StatusDone      Status = "done"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusDuplicate Status = "duplicate"
)

// Result is returned to the caller and stored in the run ledger. TestCases
// are kept so a partially published run can be retried without
// regenerating.
type Result struct {
	Status      Status       `json:"status"`
	RunID       string       `json:"run_id,omitempty"`
	StoryID     string       `json:"story_id"`
	ProjectID   string       `json:"project_id"`
	StoryTitle  string       `json:"story_title,omitempty"`
	Revision    int          `json:"revision"`
	PlanID      int          `json:"plan_id,omitempty"`
	SuiteID     int          `json:"suite_id,omitempty"`
	TestCaseIDs []string     `json:"test_case_ids"`
	TestCases   []*TestCase  `json:"test_cases,omitempty"`
	Items       []ItemResult `json:"items"`
	Warnings    []string     `json:"warnings,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
}

// FailedItems counts items that were not created and linked.
func (r *Result) FailedItems() int {
	return PublishResult{Items: r.Items}.Failed()
}

func (r *Result) warn(err error) {
	if err != nil {
		r.Warnings = append(r.Warnings, err.Error())
	}
}

func (r *Result) collectIDs() {
	r.TestCaseIDs = r.TestCaseIDs[:0]
	for _, tc := range r.TestCases {
		if tc.ExternalID != "" {
			r.TestCaseIDs = append(r.TestCaseIDs, tc.ExternalID)
		}
	}
}

// settle derives Status and Error from the item outcomes.
func (r *Result) settle() {
	r.collectIDs()
	failed := r.FailedItems()
	switch {
	case failed == 0:
		r.Status = StatusDone
		r.Error = nil
	case failed < len(r.Items):
		r.Status = StatusPartial
	default:
		r.Status = StatusFailed
	}
	if r.Status != StatusDone && r.Error == nil {
		for _, it := range r.Items {
			if it.Error != nil {
				r.Error = it.Error
				break
			}
		}
	}
}
