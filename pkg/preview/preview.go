// Package preview talks to the preview-deployment collaborator API: trigger a
// deployment from a branch, poll its status by id, and alias a ready
// deployment to a stable hostname. The API is external; this package only
// speaks its wire contract.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay/pkg/logx"
)

// Deployment status values reported by the collaborator.
const (
	StatusBuilding = "building"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

// Deployment is one preview deployment.
type Deployment struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Branch string `json:"branch"`
	Error  string `json:"error,omitempty"`
}

// Client is the preview-deployment API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logx.Logger
}

// NewClient creates a preview client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logx.NewLogger("preview"),
	}
}

// Configured reports whether a preview API is set up at all.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Trigger starts a preview deployment for a branch at a commit.
func (c *Client) Trigger(ctx context.Context, branch, commitSHA string) (*Deployment, error) {
	body := map[string]string{"branch": branch, "commit": commitSHA}
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", body, &dep); err != nil {
		return nil, fmt.Errorf("trigger preview for %s: %w", branch, err)
	}
	c.logger.Info("triggered preview deployment %s for %s", dep.ID, branch)
	return &dep, nil
}

// Status fetches the current state of a deployment.
func (c *Client) Status(ctx context.Context, id string) (*Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+id, nil, &dep); err != nil {
		return nil, fmt.Errorf("poll preview %s: %w", id, err)
	}
	return &dep, nil
}

// Alias points a stable hostname at a ready deployment.
func (c *Client) Alias(ctx context.Context, id, host string) error {
	body := map[string]string{"alias": host}
	if err := c.do(ctx, http.MethodPost, "/deployments/"+id+"/aliases", body, nil); err != nil {
		return fmt.Errorf("alias preview %s to %s: %w", id, host, err)
	}
	return nil
}

// do performs one JSON request against the collaborator.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("preview API returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
