package reviewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Phase is one ordered review step.
type Phase struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	Number        int    `json:"number"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	ConflictCount int    `json:"conflict_count"`
}

// Approval is the decision record for one phase.
type Approval struct {
	ProjectID         string `json:"project_id"`
	Phase             int    `json:"phase"`
	Status            string `json:"status"`
	ExecutorSubmitted bool   `json:"executor_submitted"`
	ReviewerSubmitted bool   `json:"reviewer_submitted"`
	RevertCount       int    `json:"revert_count"`
}

// SubmitResult reports a submission and any defect accumulation it triggered.
type SubmitResult struct {
	Approval     Approval `json:"approval"`
	Accumulated  bool     `json:"accumulated"`
	DefectsAdded int      `json:"defects_added"`
}

// RevertResult reports an archived iteration.
type RevertResult struct {
	Approval         Approval `json:"approval"`
	IterationNumber  int      `json:"iteration_number"`
	CurrentIteration int      `json:"current_iteration"`
	ConflictCount    int      `json:"conflict_count"`
}

// AnswerUpdate is one partial question update.
type AnswerUpdate struct {
	QuestionID string  `json:"question_id,omitempty"`
	Question   string  `json:"question,omitempty"`
	Answer     *string `json:"answer,omitempty"`
	Remark     *string `json:"remark,omitempty"`
	Status     *string `json:"status,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project and pins the client to it.
func (c *Client) CreateProject(ctx context.Context, name, priority string) (Project, error) {
	body := map[string]any{"name": name}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Project
	if err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp); err != nil {
		return resp, err
	}
	if c.ProjectID == "" {
		c.ProjectID = resp.ID
	}
	return resp, nil
}

// StartProject creates the project's phases from the template.
func (c *Client) StartProject(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodPost, c.projectPath("start"), nil, &resp)
	return resp, err
}

// Phases lists the project's phases.
func (c *Client) Phases(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, c.projectPath("phases"), nil, &resp)
	return resp, err
}

// SaveAnswers saves partial answers for one role on a phase.
func (c *Client) SaveAnswers(ctx context.Context, phase int, role string, answers []AnswerUpdate) error {
	body := map[string]any{"role": role, "answers": answers}
	endpoint := c.projectPath(fmt.Sprintf("phases/%d/answers", phase))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// Submit submits the phase checklist for one role.
func (c *Client) Submit(ctx context.Context, phase int, role string) (SubmitResult, error) {
	var resp SubmitResult
	endpoint := c.projectPath(fmt.Sprintf("phases/%d/submit", phase))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"role": role}, &resp)
	return resp, err
}

// Approve approves a phase.
func (c *Client) Approve(ctx context.Context, phase int) (Approval, error) {
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("phases/%d/approval/approve", phase))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Revert sends a phase back to the executor.
func (c *Client) Revert(ctx context.Context, phase int, notes string) (RevertResult, error) {
	var resp RevertResult
	endpoint := c.projectPath(fmt.Sprintf("phases/%d/approval/revert", phase))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"notes": notes}, &resp)
	return resp, err
}

// ApprovalStatus fetches the approval record for a phase.
func (c *Client) ApprovalStatus(ctx context.Context, phase int) (Approval, error) {
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("phases/%d/approval", phase))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
