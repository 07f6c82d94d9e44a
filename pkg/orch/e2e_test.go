package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/approval"
	"relay/pkg/backend"
	"relay/pkg/config"
	"relay/pkg/driver"
	"relay/pkg/forge"
	"relay/pkg/sandbox"
	"relay/pkg/state"
	"relay/pkg/tasks"
)

// lifecycleForge is an in-memory forge.Client for the full-lifecycle test.
// CI always reports one passing check so PR publication resolves on the
// first poll.
type lifecycleForge struct {
	branches map[string]bool
	commits  []string
	prs      []forge.PullRequest
	nextPR   int
}

func newLifecycleForge() *lifecycleForge {
	return &lifecycleForge{branches: map[string]bool{"main": true}, nextPR: 1}
}

func (f *lifecycleForge) Provider() forge.Provider { return forge.ProviderGitHub }
func (f *lifecycleForge) RepoPath() string         { return "acme/site" }

func (f *lifecycleForge) EnsureBranch(_ context.Context, name, _ string) (bool, error) {
	existed := f.branches[name]
	f.branches[name] = true
	return existed, nil
}

func (f *lifecycleForge) CommitChanges(_ context.Context, branch, message string, _ []sandbox.FileChange) (string, error) {
	f.commits = append(f.commits, branch+": "+message)
	return "abc1234", nil
}

func (f *lifecycleForge) ListPRsForBranch(_ context.Context, branch string) ([]forge.PullRequest, error) {
	var out []forge.PullRequest
	for _, pr := range f.prs {
		if pr.HeadBranch == branch && pr.State == "open" {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *lifecycleForge) CreatePR(_ context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	pr := forge.PullRequest{
		Number:     f.nextPR,
		URL:        fmt.Sprintf("https://github.com/acme/site/pull/%d", f.nextPR),
		Title:      opts.Title,
		Body:       opts.Body,
		State:      "open",
		HeadBranch: opts.Head,
		BaseBranch: opts.Base,
	}
	f.nextPR++
	f.prs = append(f.prs, pr)
	return &pr, nil
}

func (f *lifecycleForge) GetOrCreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	existing, _ := f.ListPRsForBranch(ctx, opts.Head)
	if len(existing) > 0 {
		return &existing[0], nil
	}
	return f.CreatePR(ctx, opts)
}

func (f *lifecycleForge) MergePR(_ context.Context, number int, _ forge.PRMergeOptions) (*forge.MergeResult, error) {
	for i := range f.prs {
		if f.prs[i].Number == number {
			f.prs[i].State = "merged"
			f.prs[i].Merged = true
		}
	}
	return &forge.MergeResult{SHA: "deadbeef", Merged: true}, nil
}

func (f *lifecycleForge) ListCheckRuns(_ context.Context, _ string) ([]forge.CheckRun, error) {
	return []forge.CheckRun{{ID: 1, Name: "build", Status: "completed", Conclusion: "success"}}, nil
}

func (f *lifecycleForge) ListPRFiles(_ context.Context, _ int) ([]string, error) {
	return []string{"src/pricing.html"}, nil
}

func (f *lifecycleForge) DeleteBranch(_ context.Context, name string) error {
	delete(f.branches, name)
	return nil
}

// TestTaskLifecycleEndToEnd drives one task through the whole pipeline with
// the real PR driver behind the orchestrator: plan, execute, PR with passing
// CI, human ship-it, merge, production deploy, and hand-back to the creator.
func TestTaskLifecycleEndToEnd(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"url": "https://app.example.com"}); err != nil {
			t.Errorf("encoding hook response: %v", err)
		}
	}))
	defer hook.Close()

	cfg := config.DefaultConfig()
	cfg.PollInterval = time.Second
	cfg.StalenessWindow = 15 * time.Minute
	cfg.Deploy.ProductionHook = hook.URL

	store := tasks.NewMemoryStore()
	fg := newLifecycleForge()
	drv := driver.New(fg, store, nil, nil, cfg)
	adapter := succeedingAdapter()
	source := &fakeSource{
		reg:     testRegistry(),
		adapter: adapter,
		budget:  backend.Config{Model: "claude-sonnet-4-5", MaxTurns: cfg.Budget.MaxTurns, MaxCostUSD: cfg.Budget.MaxCostUSD},
	}
	o := New(cfg, store, source, drv, &fakeApprover{decision: approval.DecisionApproved}, &fakeCloner{dir: t.TempDir()}, nil)

	store.Put(tasks.Task{
		ID:          "task-1",
		Title:       "Fix typo on the pricing page",
		Description: "The heading says Pricng.",
		Assignee:    "relay",
		Creator:     "alice",
	})
	ctx := context.Background()

	// Cycle 1: plan, execute, publish the PR.
	o.runCycle(ctx)

	assert.Equal(t, 1, adapter.planCalls)
	assert.Equal(t, 1, adapter.execCalls)
	require.Len(t, fg.commits, 1)
	require.Len(t, fg.prs, 1)

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(task.WorkingBranch, "relay/"), "working branch should be recorded: %q", task.WorkingBranch)
	assert.Contains(t, fg.commits[0], task.WorkingBranch)

	var completion *tasks.Comment
	for i := range task.Comments {
		if strings.Contains(task.Comments[i].Body, state.MarkerComplete) {
			completion = &task.Comments[i]
		}
	}
	require.NotNil(t, completion, "publication should post a completion comment")
	assert.Contains(t, completion.Body, fg.prs[0].URL)
	assert.Contains(t, completion.Body, "all 1 checks passed")

	// A human says ship it.
	require.NoError(t, store.CreateComment(ctx, "task-1", "Ship it!", &tasks.CommentOptions{AsAgent: "alice"}))

	// Cycle 2: merge, deploy, hand back.
	o.runCycle(ctx)

	assert.Equal(t, 1, adapter.planCalls, "ship-it must not replan")
	assert.Equal(t, "merged", fg.prs[0].State)

	task, err = store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, task.Completed)
	assert.Equal(t, "alice", task.Assignee, "the agent identity must not remain the assignee after shipping")

	deployed := ""
	for i := range task.Comments {
		if strings.Contains(task.Comments[i].Body, state.MarkerDeployed) {
			deployed = task.Comments[i].Body
		}
	}
	require.NotEmpty(t, deployed, "shipping should post a deployment comment")
	assert.Contains(t, deployed, fmt.Sprintf("Merged PR #%d", fg.prs[0].Number))
	assert.Contains(t, deployed, "Deployed to production: https://app.example.com")

	// Cycle 3: nothing left to do.
	o.runCycle(ctx)
	assert.Equal(t, 1, adapter.planCalls)
	require.Len(t, fg.prs, 1)
}
