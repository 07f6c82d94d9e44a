package preview

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"relay/pkg/logx"
	"relay/pkg/tasks"
)

// Monitor watches preview deployments without blocking the PR pipeline.
// Each watch runs detached in its own goroutine and reports by posting a
// comment on the task once the deployment settles.
type Monitor struct {
	client       *Client
	store        tasks.Store
	aliasHost    string
	pollInterval time.Duration
	maxWait      time.Duration
	group        *errgroup.Group
	logger       *logx.Logger
}

// NewMonitor creates a monitor over a preview client and task store.
func NewMonitor(client *Client, store tasks.Store, aliasHost string, maxWait time.Duration) *Monitor {
	group := &errgroup.Group{}
	group.SetLimit(8)
	return &Monitor{
		client:       client,
		store:        store,
		aliasHost:    aliasHost,
		pollInterval: 15 * time.Second,
		maxWait:      maxWait,
		group:        group,
		logger:       logx.NewLogger("preview-monitor"),
	}
}

// Watch begins watching a deployment for a task. It returns immediately; the
// poll loop runs in the monitor's errgroup with its own deadline.
func (m *Monitor) Watch(ctx context.Context, taskID, deploymentID string) {
	m.group.Go(func() error {
		watchCtx, cancel := context.WithTimeout(ctx, m.maxWait)
		defer cancel()
		m.watch(watchCtx, taskID, deploymentID)
		return nil
	})
}

// Wait blocks until every in-flight watch has finished. Called on shutdown.
func (m *Monitor) Wait() {
	_ = m.group.Wait()
}

func (m *Monitor) watch(ctx context.Context, taskID, deploymentID string) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.post(taskID, fmt.Sprintf("Preview deployment %s is still building after %s; check the deployment dashboard.", deploymentID, m.maxWait))
			return
		case <-ticker.C:
		}

		dep, err := m.client.Status(ctx, deploymentID)
		if err != nil {
			m.logger.Warn("preview poll for %s failed: %v", deploymentID, err)
			continue
		}

		switch dep.Status {
		case StatusReady:
			url := dep.URL
			if m.aliasHost != "" {
				if aliasErr := m.client.Alias(ctx, deploymentID, m.aliasHost); aliasErr != nil {
					m.logger.Warn("failed to alias %s: %v", deploymentID, aliasErr)
				} else {
					url = "https://" + m.aliasHost
				}
			}
			m.post(taskID, fmt.Sprintf("Preview deployment ready: %s", url))
			return
		case StatusFailed:
			msg := "Preview deployment failed."
			if dep.Error != "" {
				msg = fmt.Sprintf("Preview deployment failed: %s", dep.Error)
			}
			m.post(taskID, msg)
			return
		}
	}
}

// post writes a comment on the task; the monitor has nothing else to fail
// into, so errors are only logged.
func (m *Monitor) post(taskID, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.store.CreateComment(ctx, taskID, body, nil); err != nil {
		m.logger.Error("failed to post preview status on task %s: %v", taskID, err)
	}
}
