package storylinesdk

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

// Client is a minimal Storyline HTTP API client for worker agents.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	Role        string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Story represents the API story model.
type Story struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Epic    string `json:"epic,omitempty"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// Task represents the API task model.
type Task struct {
	ID           string   `json:"id"`
	StoryID      string   `json:"story_id"`
	Kind         string   `json:"kind"`
	Description  string   `json:"description"`
	Role         string   `json:"role"`
	Size         string   `json:"size"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
	Acceptance   []string `json:"acceptance,omitempty"`
	Version      int64    `json:"version"`
}

// LogEntry represents an audit trail row.
type LogEntry struct {
	ID      int64             `json:"id"`
	StoryID string            `json:"story_id"`
	TaskID  string            `json:"task_id,omitempty"`
	Role    string            `json:"role"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
	TS      string            `json:"ts"`
}

// Artifact represents a recorded work product.
type Artifact struct {
	ID      string            `json:"id"`
	StoryID string            `json:"story_id"`
	TaskID  string            `json:"task_id,omitempty"`
	Path    string            `json:"path"`
	Hash    string            `json:"hash"`
	Kind    string            `json:"kind"`
	Meta    map[string]string `json:"meta,omitempty"`
	TS      string            `json:"ts"`
}

// Claim is the result of a claim-next call.
type Claim struct {
	Available bool  `json:"available"`
	Task      *Task `json:"task,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether the error is a stale-version rejection. Workers
// re-read and retry on it.
func IsConflict(err error) bool {
	var ae *APIError
	if !asAPIError(err, &ae) {
		return false
	}
	return ae.StatusCode == http.StatusConflict
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if ae, ok := err.(*APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Story fetches one story with its tasks.
func (c *Client) Story(ctx context.Context, storyID string) (Story, []Task, error) {
	var resp struct {
		Story Story  `json:"story"`
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, c.storyPath(storyID, ""), nil, &resp)
	return resp.Story, resp.Tasks, err
}

// ReadyTasks lists the tasks eligible to start for a story.
func (c *Client) ReadyTasks(ctx context.Context, storyID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.storyPath(storyID, "ready"), nil, &resp)
	return resp, err
}

// ClaimNext atomically claims the next ready task matching the role. A Claim
// with Available false means the story has nothing for this role right now.
func (c *Client) ClaimNext(ctx context.Context, storyID, role string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, c.storyPath(storyID, "claim-next"), map[string]any{"role": role}, &resp)
	return resp, err
}

// TransitionTask moves a task to a new status, gated on the version the
// caller last observed.
func (c *Client) TransitionTask(ctx context.Context, taskID, status string, version int64) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s/transition", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status, "version": version}, &resp)
	return resp, err
}

// TransitionStory moves a story to a new status.
func (c *Client) TransitionStory(ctx context.Context, storyID, status string, version int64) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodPost, c.storyPath(storyID, "transition"), map[string]any{"status": status, "version": version}, &resp)
	return resp, err
}

// Log appends an audit entry to a story's trail.
func (c *Client) Log(ctx context.Context, storyID, taskID, level, message string, meta map[string]string) (LogEntry, error) {
	body := map[string]any{
		"level":   level,
		"message": message,
	}
	if taskID != "" {
		body["task_id"] = taskID
	}
	if len(meta) > 0 {
		body["meta"] = meta
	}
	var resp LogEntry
	err := c.do(ctx, http.MethodPost, c.storyPath(storyID, "logs"), body, &resp)
	return resp, err
}

// Artifact records a work product; content is hashed server-side.
func (c *Client) Artifact(ctx context.Context, storyID, taskID, path, kind string, content []byte, meta map[string]string) (Artifact, error) {
	body := map[string]any{
		"path":    path,
		"kind":    kind,
		"content": string(content),
	}
	if taskID != "" {
		body["task_id"] = taskID
	}
	if len(meta) > 0 {
		body["meta"] = meta
	}
	var resp Artifact
	err := c.do(ctx, http.MethodPost, c.storyPath(storyID, "artifacts"), body, &resp)
	return resp, err
}

// Logs returns a story's audit trail, oldest first.
func (c *Client) Logs(ctx context.Context, storyID string) ([]LogEntry, error) {
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, c.storyPath(storyID, "logs"), nil, &resp)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else {
		if c.ActorID != "" {
			req.Header.Set("X-Actor-Id", c.ActorID)
		}
		if c.Role != "" {
			req.Header.Set("X-Actor-Role", c.Role)
		}
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

func (c *Client) storyPath(storyID, p string) string {
	story := url.PathEscape(storyID)
	if p == "" {
		return fmt.Sprintf("v1/stories/%s", story)
	}
	return fmt.Sprintf("v1/stories/%s/%s", story, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
