// Package workspace manages per-task repository clones. Each processing
// attempt gets a fresh shallow clone under <projectDir>/.relay/tmp/ so tool
// executions never touch the operator's checkout, and cleanup is guaranteed
// even when a run fails.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"relay/pkg/logx"
)

// Manager creates and disposes task clones.
type Manager struct {
	projectDir string
	repoURL    string
	token      string
	logger     *logx.Logger
}

// NewManager creates a clone manager. token may be empty for public repos.
func NewManager(projectDir, repoURL, token string) *Manager {
	return &Manager{
		projectDir: projectDir,
		repoURL:    repoURL,
		token:      token,
		logger:     logx.NewLogger("workspace"),
	}
}

// CloneForTask creates a shallow clone for one task attempt and returns its
// path with a cleanup function. When branch names an existing remote branch
// it is checked out; otherwise the default branch is kept, which is the
// correct base for a first attempt.
func (m *Manager) CloneForTask(ctx context.Context, taskID, branch string) (string, func(), error) {
	tempDir := filepath.Join(m.projectDir, ".relay", "tmp", fmt.Sprintf("task-%s-%d", sanitize(taskID), time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Dir(tempDir), 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create clone parent dir: %w", err)
	}

	cleanup := func() {
		if err := os.RemoveAll(tempDir); err != nil {
			m.logger.Warn("failed to clean up clone %s: %v", tempDir, err)
		}
	}

	args := []string{"clone", "--depth=50", "--no-single-branch", m.cloneURL(), tempDir}
	cmd := exec.CommandContext(ctx, "git", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("git clone failed: %w\nOutput: %s", err, redact(string(output), m.token))
	}

	if branch != "" {
		checkout := exec.CommandContext(ctx, "git", "checkout", branch)
		checkout.Dir = tempDir
		if output, err := checkout.CombinedOutput(); err != nil {
			// First attempts have no work branch yet; stay on the default.
			m.logger.Debug("checkout %s failed, staying on default branch: %v (%s)", branch, err, strings.TrimSpace(string(output)))
		}
	}

	m.logger.Debug("cloned %s for task %s", tempDir, taskID)
	return tempDir, cleanup, nil
}

// cloneURL embeds the token for private GitHub repos.
func (m *Manager) cloneURL() string {
	url := m.repoURL
	if !strings.HasPrefix(url, "http") {
		url = "https://github.com/" + strings.TrimSuffix(url, ".git") + ".git"
	}
	if m.token != "" && strings.HasPrefix(url, "https://") {
		url = "https://x-access-token:" + m.token + "@" + strings.TrimPrefix(url, "https://")
	}
	return url
}

// sanitize keeps task IDs path-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// redact strips the auth token from error output before it reaches logs.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
