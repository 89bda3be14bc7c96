// Package devops is a small Azure DevOps REST client covering the work item,
// test plan and test suite endpoints needed to publish generated test cases.
package devops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://dev.azure.com"
	defaultTimeout    = 30 * time.Second
	apiVersion        = "7.1"
	commentAPIVersion = "7.1-preview.4"

	continuationHeader = "x-ms-continuationtoken"
	maxErrorBody       = 2048
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Organization string
	Project      string
	PAT          string
	Timeout      time.Duration
}

// Client talks to one Azure DevOps project.
type Client struct {
	baseURL    string
	org        string
	project    string
	auth       string
	httpClient *http.Client
}

// NewClient creates a client. An empty BaseURL means dev.azure.com.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    base,
		org:        opts.Organization,
		project:    opts.Project,
		auth:       "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+opts.PAT)),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusError is returned for any non-2xx response. It carries the status
// so retry policies can tell rate limiting and server errors apart from
// request errors.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

// AlreadyExists reports whether err is the server refusing to create
// something that is already there.
func AlreadyExists(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == http.StatusConflict {
		return true
	}
	body := strings.ToLower(se.Body)
	return strings.Contains(body, "already exists") || strings.Contains(body, "relationalreadyexists")
}

// WorkItemURL is the API URL other work items use to reference id.
func (c *Client) WorkItemURL(id int) string {
	return fmt.Sprintf("%s/%s/_apis/wit/workItems/%d", c.baseURL, url.PathEscape(c.org), id)
}

// GetWorkItem fetches a work item together with its relations.
func (c *Client) GetWorkItem(ctx context.Context, id int) (*WorkItem, error) {
	q := url.Values{"$expand": {"relations"}}
	var wi WorkItem
	if _, err := c.do(ctx, "get work item", http.MethodGet, fmt.Sprintf("wit/workitems/%d", id), q, "", nil, &wi); err != nil {
		return nil, err
	}
	return &wi, nil
}

// CreateTestCase creates a Test Case work item.
func (c *Client) CreateTestCase(ctx context.Context, f TestCaseFields) (*WorkItem, error) {
	ops := []patchOp{
		{Op: "add", Path: "/fields/" + FieldTitle, Value: f.Title},
	}
	if f.Description != "" {
		ops = append(ops, patchOp{Op: "add", Path: "/fields/" + FieldDescription, Value: f.Description})
	}
	if f.StepsXML != "" {
		ops = append(ops, patchOp{Op: "add", Path: "/fields/" + FieldSteps, Value: f.StepsXML})
	}
	if f.Priority > 0 {
		ops = append(ops, patchOp{Op: "add", Path: "/fields/" + FieldPriority, Value: f.Priority})
	}
	if f.Tags != "" {
		ops = append(ops, patchOp{Op: "add", Path: "/fields/" + FieldTags, Value: f.Tags})
	}

	var wi WorkItem
	if _, err := c.do(ctx, "create test case", http.MethodPost, "wit/workitems/$Test Case", nil, "application/json-patch+json", ops, &wi); err != nil {
		return nil, err
	}
	return &wi, nil
}

// ListPlans returns every test plan in the project.
func (c *Client) ListPlans(ctx context.Context) ([]TestPlan, error) {
	return listAll[TestPlan](ctx, c, "list plans", "testplan/plans")
}

// CreatePlan creates a test plan.
func (c *Client) CreatePlan(ctx context.Context, name, description string) (*TestPlan, error) {
	body := map[string]string{"name": name}
	if description != "" {
		body["description"] = description
	}
	var plan TestPlan
	if _, err := c.do(ctx, "create plan", http.MethodPost, "testplan/plans", nil, "", body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListSuites returns the suites of a plan, root suite included.
func (c *Client) ListSuites(ctx context.Context, planID int) ([]TestSuite, error) {
	return listAll[TestSuite](ctx, c, "list suites", fmt.Sprintf("testplan/Plans/%d/suites", planID))
}

// CreateSuite creates a static suite under parentID.
func (c *Client) CreateSuite(ctx context.Context, planID, parentID int, name string) (*TestSuite, error) {
	body := TestSuite{
		Name:        name,
		SuiteType:   "staticTestSuite",
		ParentSuite: &SuiteRef{ID: parentID},
	}
	var suite TestSuite
	if _, err := c.do(ctx, "create suite", http.MethodPost, fmt.Sprintf("testplan/Plans/%d/suites", planID), nil, "", body, &suite); err != nil {
		return nil, err
	}
	return &suite, nil
}

// ListSuiteTestCases returns the work item ids of the test cases in a suite.
func (c *Client) ListSuiteTestCases(ctx context.Context, planID, suiteID int) ([]int, error) {
	entries, err := listAll[suiteEntry](ctx, c, "list suite test cases", fmt.Sprintf("testplan/Plans/%d/Suites/%d/TestCase", planID, suiteID))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.WorkItem.ID)
	}
	return ids, nil
}

// AddTestCaseToSuite places an existing test case in a suite.
func (c *Client) AddTestCaseToSuite(ctx context.Context, planID, suiteID, testCaseID int) error {
	var body [1]suiteEntry
	body[0].WorkItem.ID = testCaseID
	_, err := c.do(ctx, "add test case to suite", http.MethodPost, fmt.Sprintf("testplan/Plans/%d/Suites/%d/TestCase", planID, suiteID), nil, "", body[:], nil)
	return err
}

// AddTestedByLink links a story to a test case with a TestedBy relation.
func (c *Client) AddTestedByLink(ctx context.Context, storyID, testCaseID int) error {
	ops := []patchOp{{
		Op:   "add",
		Path: "/relations/-",
		Value: Relation{
			Rel:        RelTestedBy,
			URL:        c.WorkItemURL(testCaseID),
			Attributes: map[string]any{"comment": "generated test case"},
		},
	}}
	_, err := c.do(ctx, "add tested-by link", http.MethodPatch, fmt.Sprintf("wit/workitems/%d", storyID), nil, "application/json-patch+json", ops, nil)
	return err
}

// AddComment posts an HTML comment on a work item.
func (c *Client) AddComment(ctx context.Context, workItemID int, text string) error {
	q := url.Values{"api-version": {commentAPIVersion}}
	_, err := c.do(ctx, "add comment", http.MethodPost, fmt.Sprintf("wit/workItems/%d/comments", workItemID), q, "", map[string]string{"text": text}, nil)
	return err
}

// HasTestedBy reports whether wi already carries a TestedBy link to testCaseID.
func HasTestedBy(wi *WorkItem, testCaseID int) bool {
	if wi == nil {
		return false
	}
	suffix := "/workitems/" + strconv.Itoa(testCaseID)
	for _, r := range wi.Relations {
		if r.Rel == RelTestedBy && strings.HasSuffix(strings.ToLower(r.URL), suffix) {
			return true
		}
	}
	return false
}

func listAll[T any](ctx context.Context, c *Client, op, path string) ([]T, error) {
	var (
		out   []T
		token string
	)
	for {
		var q url.Values
		if token != "" {
			q = url.Values{"continuationToken": {token}}
		}
		var page listResponse[T]
		hdr, err := c.do(ctx, op, http.MethodGet, path, q, "", nil, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		token = hdr.Get(continuationHeader)
		if token == "" {
			break
		}
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// do sends one request under the project's _apis root and decodes a JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, contentType string, in, out any) (http.Header, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	c.setHeaders(req, contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("%s: decoding response: %w", op, err)
		}
	}
	return resp.Header, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	q := url.Values{"api-version": {apiVersion}}
	for k, v := range query {
		q[k] = v
	}
	u := url.URL{Path: "/" + c.org + "/" + c.project + "/_apis/" + path}
	return c.baseURL + u.EscapedPath() + "?" + q.Encode()
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.auth)
}
