package chainsentry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainSentry REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// CommandResult carries the truncated output of an executed command.
type CommandResult struct {
	Result string `json:"result"`
}

// TaskOutcome mirrors the planner response for a natural language task.
type TaskOutcome struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Steps   []Step `json:"steps"`
}

// Step is a single planner iteration: the action it issued and what came back.
type Step struct {
	Number     int    `json:"number"`
	Action     string `json:"action"`
	Parameters string `json:"parameters"`
	Reasoning  string `json:"reasoning"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// JobSnapshot is the externally visible state of a background job.
type JobSnapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ActionSpec describes a registered action and its arguments.
type ActionSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	HelpText    string           `json:"help_text,omitempty"`
	AgentHint   string           `json:"agent_hint,omitempty"`
	Arguments   []ActionArgument `json:"arguments,omitempty"`
}

// ActionArgument documents a single action parameter.
type ActionArgument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ChainEvent is the payload accepted by the chain webhook endpoint.
type ChainEvent struct {
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainsentry api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainsentry api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainSentry API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken stores the bearer token attached to subsequent calls. Leave
// it empty when the server runs with authentication disabled.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// ExecuteCommand runs a slash command message such as "/jobs" or
// "/db-query {\"from\": \"jobs\"}" and returns its textual result.
func (c *Client) ExecuteCommand(ctx context.Context, message string) (string, error) {
	var result CommandResult
	payload := map[string]string{"message": message}
	if err := c.post(ctx, "/api/v1/commands", payload, &result); err != nil {
		return "", err
	}
	return result.Result, nil
}

// SubmitTask hands a natural language task to the planner and waits for the
// outcome of the full plan-execute loop.
func (c *Client) SubmitTask(ctx context.Context, task string) (TaskOutcome, error) {
	var outcome TaskOutcome
	payload := map[string]string{"task": task}
	if err := c.post(ctx, "/api/v1/tasks", payload, &outcome); err != nil {
		return TaskOutcome{}, err
	}
	return outcome, nil
}

// ListJobs returns the snapshots of all retained background jobs.
func (c *Client) ListJobs(ctx context.Context) ([]JobSnapshot, error) {
	var jobs []JobSnapshot
	if err := c.get(ctx, "/api/v1/jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob fetches one job snapshot by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (JobSnapshot, error) {
	var snapshot JobSnapshot
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(id), &snapshot); err != nil {
		return JobSnapshot{}, err
	}
	return snapshot, nil
}

// StopJob requests a cooperative stop of a running job. The job decides when
// it actually winds down; poll GetJob for the terminal state.
func (c *Client) StopJob(ctx context.Context, id string) error {
	endpoint := "/api/v1/jobs/" + url.PathEscape(id) + "/stop"
	return c.post(ctx, endpoint, struct{}{}, nil)
}

// ListActions returns the specs of every registered action.
func (c *Client) ListActions(ctx context.Context) ([]ActionSpec, error) {
	var specs []ActionSpec
	if err := c.get(ctx, "/api/v1/actions", &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// PublishChainEvent pushes a raw chain log into the event pipeline, as an
// external node callback would.
func (c *Client) PublishChainEvent(ctx context.Context, event ChainEvent) error {
	return c.post(ctx, "/api/v1/webhooks/chain", event, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
