package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"relay/pkg/logx"
)

// Client is an HTTP implementation of Store against the task store's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logx.Logger
}

// NewClient creates a task store client for the given base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logx.NewLogger("tasks"),
	}
}

// WithTimeout returns a new client with the specified request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{
		baseURL: c.baseURL,
		token:   c.token,
		http:    &http.Client{Timeout: timeout},
		logger:  c.logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("task store request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("task store returned %d for %s %s: %s", resp.StatusCode, method, path, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ListTasksByAssignee implements Store.
func (c *Client) ListTasksByAssignee(ctx context.Context, assignee string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	path := "/tasks?assignee=" + url.QueryEscape(assignee) + "&include=comments&completed=false"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Tasks {
		sortComments(out.Tasks[i].Comments)
	}
	return out.Tasks, nil
}

// GetTask implements Store.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"?include=comments", nil, &task); err != nil {
		return nil, err
	}
	sortComments(task.Comments)
	return &task, nil
}

// CreateComment implements Store.
func (c *Client) CreateComment(ctx context.Context, taskID, body string, opts *CommentOptions) error {
	payload := map[string]string{"body": body}
	if opts != nil && opts.AsAgent != "" {
		payload["as_agent"] = opts.AsAgent
	}
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/comments", payload, nil)
}

// UpdateAssignee implements Store.
func (c *Client) UpdateAssignee(ctx context.Context, taskID, assignee string) error {
	payload := map[string]string{"assignee": assignee}
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), payload, nil)
}

// UpdateDescription implements Store.
func (c *Client) UpdateDescription(ctx context.Context, taskID, description string) error {
	payload := map[string]string{"description": description}
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), payload, nil)
}

// SetCompleted implements Store.
func (c *Client) SetCompleted(ctx context.Context, taskID string, completed bool) error {
	payload := map[string]bool{"completed": completed}
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), payload, nil)
}

// SetWorkingBranch implements Store.
func (c *Client) SetWorkingBranch(ctx context.Context, taskID, branch string) error {
	payload := map[string]string{"working_branch": branch}
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), payload, nil)
}

func sortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}
