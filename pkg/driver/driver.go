// Package driver turns a successful execution result into a pull request and,
// on a later ship-it approval, drives the merge and production release. PR
// states progress no-pr -> pr-open -> checks-pending -> checks-resolved ->
// (merged|abandoned); the preview deployment is tracked out of band and never
// blocks PR creation.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"relay/pkg/backend"
	"relay/pkg/config"
	"relay/pkg/forge"
	"relay/pkg/logx"
	"relay/pkg/preview"
	"relay/pkg/state"
	"relay/pkg/tasks"
)

// checksPollInterval is how often CI checks are re-read while pending.
const checksPollInterval = 20 * time.Second

// checksMaxWait bounds the CI poll; past it the driver posts a "still
// running" status instead of blocking the loop.
const checksMaxWait = 10 * time.Minute

//nolint:gochecknoglobals // Branch slugs keep only word characters
var branchSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Driver owns PR creation, CI summaries, and the ship-it release path.
type Driver struct {
	forge   forge.Client
	store   tasks.Store
	preview *preview.Client
	monitor *preview.Monitor
	cfg     config.Config
	logger  *logx.Logger

	httpClient *http.Client
}

// New creates a driver. preview client and monitor may be nil when no preview
// API is configured.
func New(forgeClient forge.Client, store tasks.Store, previewClient *preview.Client, monitor *preview.Monitor, cfg config.Config) *Driver {
	return &Driver{
		forge:      forgeClient,
		store:      store,
		preview:    previewClient,
		monitor:    monitor,
		cfg:        cfg,
		logger:     logx.NewLogger("driver"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// BranchFor returns the work branch for a task: the recorded working branch
// when one exists, otherwise a fresh prefixed slug of the title.
func (d *Driver) BranchFor(task *tasks.Task) string {
	if task.WorkingBranch != "" {
		return task.WorkingBranch
	}
	slug := branchSlugRe.ReplaceAllString(strings.ToLower(task.Title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "task"
	}
	return d.cfg.Git.BranchPrefix + slug + "-" + uuid.NewString()[:8]
}

// PublishResult commits an execution result, opens or reuses the pull
// request, kicks off the preview deployment, and polls CI checks. Preview
// failures never fail the PR step.
func (d *Driver) PublishResult(ctx context.Context, task *tasks.Task, result *backend.ExecuteResult) (*forge.PullRequest, error) {
	branch := d.BranchFor(task)

	existed, err := d.forge.EnsureBranch(ctx, branch, d.cfg.Git.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("branch setup for task %s: %w", task.ID, err)
	}
	if existed {
		d.logger.Info("reusing existing branch %s for task %s", branch, task.ID)
	}

	commitMsg := result.CommitMessage
	if commitMsg == "" {
		commitMsg = task.Title
	}
	sha, err := d.forge.CommitChanges(ctx, branch, commitMsg, result.FileChanges)
	if err != nil {
		return nil, fmt.Errorf("commit for task %s: %w", task.ID, err)
	}

	title := result.PRTitle
	if title == "" {
		title = task.Title
	}
	pr, err := d.forge.GetOrCreatePR(ctx, forge.PRCreateOptions{
		Title: title,
		Body:  prBody(task, result),
		Head:  branch,
		Base:  d.cfg.Git.DefaultBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("open PR for task %s: %w", task.ID, err)
	}

	if task.WorkingBranch != branch {
		if err := d.store.SetWorkingBranch(ctx, task.ID, branch); err != nil {
			d.logger.Warn("failed to record working branch for task %s: %v", task.ID, err)
		}
	}

	// Preview is best-effort and monitored out of band.
	d.triggerPreview(ctx, task.ID, branch, sha)

	checkSummary := d.waitForChecks(ctx, sha)

	body := fmt.Sprintf("%s\n\nPull request: %s\n%s", state.MarkerComplete, pr.URL, checkSummary)
	if len(result.Warnings) > 0 {
		body += "\n\nWarnings:\n- " + strings.Join(result.Warnings, "\n- ")
	}
	if err := d.store.CreateComment(ctx, task.ID, body, nil); err != nil {
		d.logger.Warn("failed to post completion comment on task %s: %v", task.ID, err)
	}

	return pr, nil
}

// triggerPreview starts a preview deployment and hands it to the monitor.
func (d *Driver) triggerPreview(ctx context.Context, taskID, branch, sha string) {
	if !d.preview.Configured() || d.monitor == nil {
		return
	}
	dep, err := d.preview.Trigger(ctx, branch, sha)
	if err != nil {
		d.logger.Warn("preview trigger for task %s failed: %v", taskID, err)
		return
	}
	d.monitor.Watch(context.WithoutCancel(ctx), taskID, dep.ID)
}

// waitForChecks polls CI until every check completes or the wait ceiling
// passes, and renders a one-paragraph summary. A poll failure degrades to a
// "still running" status rather than blocking.
func (d *Driver) waitForChecks(ctx context.Context, sha string) string {
	deadline := time.Now().Add(checksMaxWait)
	ticker := time.NewTicker(checksPollInterval)
	defer ticker.Stop()

	firstPoll := true
	for {
		checks, err := d.forge.ListCheckRuns(ctx, sha)
		if err != nil {
			d.logger.Warn("CI check poll failed: %v", err)
			return "CI checks could not be read; they may still be running."
		}

		// Repos without CI report zero checks forever; allow one extra poll
		// cycle in case checks register late, then move on.
		if len(checks) == 0 && !firstPoll {
			return "No CI checks configured."
		}
		firstPoll = false

		pending := 0
		var failed []string
		for i := range checks {
			c := &checks[i]
			if c.Status != "completed" {
				pending++
				continue
			}
			switch c.Conclusion {
			case "success", "neutral", "skipped":
			default:
				failed = append(failed, c.Name)
			}
		}

		if pending == 0 && len(checks) > 0 {
			if len(failed) > 0 {
				return fmt.Sprintf("CI: %d of %d checks failed: %s", len(failed), len(checks), strings.Join(failed, ", "))
			}
			return fmt.Sprintf("CI: all %d checks passed.", len(checks))
		}

		if time.Now().After(deadline) {
			return fmt.Sprintf("CI: %d check(s) still running after %s; see the PR for final status.", pending, checksMaxWait)
		}

		select {
		case <-ctx.Done():
			return "CI check polling interrupted; see the PR for final status."
		case <-ticker.C:
		}
	}
}

// ShipIt merges the task's open PR and promotes to production. The task is
// reassigned to its creator regardless of outcome so the agent identity never
// stays the active assignee.
func (d *Driver) ShipIt(ctx context.Context, task *tasks.Task) error {
	defer d.reassignToCreator(task)

	if task.WorkingBranch == "" {
		d.post(ctx, task.ID, "Cannot ship: no working branch is recorded for this task.")
		return fmt.Errorf("task %s has no working branch", task.ID)
	}

	prs, err := d.forge.ListPRsForBranch(ctx, task.WorkingBranch)
	if err != nil {
		d.post(ctx, task.ID, fmt.Sprintf("Cannot ship: failed to look up the pull request (%v).", err))
		return fmt.Errorf("ship-it PR lookup for task %s: %w", task.ID, err)
	}
	if len(prs) == 0 {
		d.post(ctx, task.ID, "Cannot ship: the pull request for this task is no longer open.")
		return fmt.Errorf("no open PR for branch %s", task.WorkingBranch)
	}
	pr := &prs[0]

	iosPaths, err := d.iosAdjacentPaths(ctx, pr.Number)
	if err != nil {
		d.logger.Warn("failed to inspect PR %d files: %v", pr.Number, err)
	}

	result, err := d.forge.MergePR(ctx, pr.Number, forge.PRMergeOptions{
		Method:        "squash",
		CommitTitle:   pr.Title,
		DeleteBranch:  true,
		CommitMessage: fmt.Sprintf("Task %s: %s", task.ID, task.Title),
	})
	if err != nil {
		d.post(ctx, task.ID, fmt.Sprintf("Merge of PR #%d failed: %v", pr.Number, err))
		return fmt.Errorf("merge PR %d: %w", pr.Number, err)
	}
	if !result.Merged {
		msg := fmt.Sprintf("PR #%d could not be merged", pr.Number)
		if result.HasConflicts {
			msg += " because of merge conflicts; resolve them and say \"ship it\" again"
		}
		d.post(ctx, task.ID, msg+".")
		return fmt.Errorf("PR %d not merged: %s", pr.Number, result.Message)
	}

	releaseNote := d.promote(ctx, iosPaths)

	d.post(ctx, task.ID, fmt.Sprintf("%s\n\nMerged PR #%d.\n%s", state.MarkerDeployed, pr.Number, releaseNote))

	if err := d.store.SetCompleted(ctx, task.ID, true); err != nil {
		d.logger.Warn("failed to mark task %s completed: %v", task.ID, err)
	}
	return nil
}

// iosAdjacentPaths returns the PR files that match the iOS path keywords.
func (d *Driver) iosAdjacentPaths(ctx context.Context, prNumber int) ([]string, error) {
	paths, err := d.forge.ListPRFiles(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	var hits []string
	for _, p := range paths {
		for _, kw := range d.cfg.Deploy.IOSPathKeywords {
			if strings.Contains(p, kw) {
				hits = append(hits, p)
				break
			}
		}
	}
	return hits, nil
}

// promote releases the merged change: an iOS-adjacent diff surfaces the
// mobile build pipeline instead of the web production hook.
func (d *Driver) promote(ctx context.Context, iosPaths []string) string {
	if len(iosPaths) > 0 {
		return fmt.Sprintf("This change touches iOS files (%s); a TestFlight build will be produced by the mobile pipeline rather than a web deploy.",
			strings.Join(iosPaths, ", "))
	}

	if d.cfg.Deploy.ProductionHook == "" {
		return "No production deployment is configured; the merge to " + d.cfg.Git.DefaultBranch + " is the final step."
	}

	url, err := d.triggerProduction(ctx)
	if err != nil {
		d.logger.Error("production deploy trigger failed: %v", err)
		return fmt.Sprintf("Production deployment trigger failed: %v", err)
	}
	if url != "" {
		return "Deployed to production: " + url
	}
	return "Production deployment triggered."
}

// triggerProduction POSTs the production hook and extracts an optional URL
// from a JSON response.
func (d *Driver) triggerProduction(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Deploy.ProductionHook, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("production hook returned %d: %s", resp.StatusCode, string(data))
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", nil //nolint:nilerr // Hook response body is optional
	}
	return payload.URL, nil
}

// reassignToCreator hands the task back to whoever filed it.
func (d *Driver) reassignToCreator(task *tasks.Task) {
	if task.Creator == "" || task.Creator == task.Assignee {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.store.UpdateAssignee(ctx, task.ID, task.Creator); err != nil {
		d.logger.Error("failed to reassign task %s to %s: %v", task.ID, task.Creator, err)
	}
}

// post writes a comment, logging rather than failing on error.
func (d *Driver) post(ctx context.Context, taskID, body string) {
	if err := d.store.CreateComment(ctx, taskID, body, nil); err != nil {
		d.logger.Warn("failed to comment on task %s: %v", taskID, err)
	}
}

// prBody renders the pull request description.
func prBody(task *tasks.Task, result *backend.ExecuteResult) string {
	var b strings.Builder
	if result.PRDescription != "" {
		b.WriteString(result.PRDescription)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Task: %s", task.ID)
	if task.Title != "" {
		fmt.Fprintf(&b, " (%s)", task.Title)
	}
	b.WriteString("\n\nFiles changed:\n")
	for i := range result.FileChanges {
		fc := &result.FileChanges[i]
		fmt.Fprintf(&b, "- %s (%s)\n", fc.Path, fc.Action)
	}
	return b.String()
}
