package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/approval"
	"relay/pkg/backend"
	"relay/pkg/config"
	"relay/pkg/forge"
	"relay/pkg/plan"
	"relay/pkg/router"
	"relay/pkg/sandbox"
	"relay/pkg/state"
	"relay/pkg/tasks"
)

// fakeAdapter scripts the Plan/Execute phases and counts calls.
type fakeAdapter struct {
	planFn    func(req *backend.PlanRequest) (*backend.PlanResult, error)
	executeFn func(req *backend.ExecuteRequest) (*backend.ExecuteResult, error)
	planCalls int
	execCalls int
}

func (f *fakeAdapter) Plan(_ context.Context, req *backend.PlanRequest) (*backend.PlanResult, error) {
	f.planCalls++
	return f.planFn(req)
}

func (f *fakeAdapter) Execute(_ context.Context, req *backend.ExecuteRequest) (*backend.ExecuteResult, error) {
	f.execCalls++
	return f.executeFn(req)
}

// fakeSource hands out one adapter for every assignee.
type fakeSource struct {
	reg     *router.Registry
	adapter backend.Adapter
	budget  backend.Config
}

func (f *fakeSource) Registry() *router.Registry { return f.reg }

func (f *fakeSource) AdapterFor(_, _ string, _ *sandbox.Workspace) (backend.Adapter, backend.Config, error) {
	return f.adapter, f.budget, nil
}

// fakePublisher mimics the PR driver's externally visible behavior: a
// completion comment with a PR link on publish, a deployment marker plus
// completed flag on ship-it.
type fakePublisher struct {
	store        tasks.Store
	publishCalls int
	shipCalls    int
	lastResult   *backend.ExecuteResult
}

func (f *fakePublisher) PublishResult(ctx context.Context, task *tasks.Task, result *backend.ExecuteResult) (*forge.PullRequest, error) {
	f.publishCalls++
	f.lastResult = result
	url := fmt.Sprintf("https://github.com/acme/site/pull/%d", f.publishCalls)
	_ = f.store.CreateComment(ctx, task.ID, state.MarkerComplete+"\n\nPull request: "+url, nil)
	return &forge.PullRequest{Number: f.publishCalls, URL: url}, nil
}

func (f *fakePublisher) ShipIt(ctx context.Context, task *tasks.Task) error {
	f.shipCalls++
	_ = f.store.CreateComment(ctx, task.ID, state.MarkerDeployed+"\n\nMerged PR #1.", nil)
	return f.store.SetCompleted(ctx, task.ID, true)
}

type fakeCloner struct {
	dir string
}

func (f *fakeCloner) CloneForTask(_ context.Context, _, _ string) (string, func(), error) {
	return f.dir, func() {}, nil
}

type fakeApprover struct {
	decision approval.Decision
	requests []*approval.Request
}

func (f *fakeApprover) Escalate(_ context.Context, req *approval.Request) (approval.Decision, error) {
	f.requests = append(f.requests, req)
	return f.decision, nil
}

func testRegistry() *router.Registry {
	return &router.Registry{
		Default: router.Entry{Backend: "anthropic", Model: "claude-sonnet-4-5"},
		Identities: map[string]router.Entry{
			"relay": {Backend: "anthropic", Model: "claude-sonnet-4-5"},
		},
	}
}

func goodPlan() *plan.Plan {
	return &plan.Plan{
		Summary:    "Fix the typo in the pricing heading.",
		Complexity: plan.ComplexitySimple,
		Files:      []plan.File{{Path: "src/pricing.html", Purpose: "fix heading"}},
	}
}

func succeedingAdapter() *fakeAdapter {
	return &fakeAdapter{
		planFn: func(_ *backend.PlanRequest) (*backend.PlanResult, error) {
			return &backend.PlanResult{Success: true, Plan: goodPlan(), Turns: 2,
				Usage: backend.Usage{PromptTokens: 100, CostUSD: 0.01}}, nil
		},
		executeFn: func(_ *backend.ExecuteRequest) (*backend.ExecuteResult, error) {
			return &backend.ExecuteResult{Success: true, CommitMessage: "fix typo", Turns: 3,
				FileChanges: []sandbox.FileChange{{Path: "src/pricing.html", Content: "x", Action: sandbox.ActionModify}},
				Usage:       backend.Usage{PromptTokens: 200, CostUSD: 0.02}}, nil
		},
	}
}

type fixture struct {
	orch      *Orchestrator
	store     *tasks.MemoryStore
	adapter   *fakeAdapter
	publisher *fakePublisher
	approver  *fakeApprover
}

func newFixture(t *testing.T, adapter *fakeAdapter) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.PollInterval = time.Second
	cfg.StalenessWindow = 15 * time.Minute

	store := tasks.NewMemoryStore()
	publisher := &fakePublisher{store: store}
	approver := &fakeApprover{decision: approval.DecisionApproved}
	source := &fakeSource{
		reg:     testRegistry(),
		adapter: adapter,
		budget:  backend.Config{Model: "claude-sonnet-4-5", MaxTurns: cfg.Budget.MaxTurns, MaxCostUSD: cfg.Budget.MaxCostUSD},
	}

	o := New(cfg, store, source, publisher, approver, &fakeCloner{dir: t.TempDir()}, nil)
	return &fixture{orch: o, store: store, adapter: adapter, publisher: publisher, approver: approver}
}

func (fx *fixture) seedTask() {
	fx.store.Put(tasks.Task{
		ID:          "task-1",
		Title:       "Fix typo on the pricing page",
		Description: "The heading says Pricng.",
		Assignee:    "relay",
		Creator:     "alice",
	})
}

func (fx *fixture) comments(t *testing.T) []tasks.Comment {
	t.Helper()
	task, err := fx.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	return task.Comments
}

func TestCycleProcessesUnclaimedTask(t *testing.T) {
	fx := newFixture(t, succeedingAdapter())
	fx.seedTask()

	fx.orch.runCycle(context.Background())

	assert.Equal(t, 1, fx.adapter.planCalls)
	assert.Equal(t, 1, fx.adapter.execCalls)
	assert.Equal(t, 1, fx.publisher.publishCalls)

	// The comment log tells the whole story in order: start, plan, execution
	// start, completion.
	comments := fx.comments(t)
	require.Len(t, comments, 4)
	assert.Contains(t, comments[0].Body, state.MarkerWorkStart)
	assert.Contains(t, comments[1].Body, "## Implementation Plan")
	assert.Contains(t, comments[1].Body, "Fix the typo in the pricing heading.")
	assert.Contains(t, comments[2].Body, state.MarkerExecutionStart)
	assert.Contains(t, comments[3].Body, state.MarkerComplete)

	// A second cycle sees completed-no-feedback and leaves the task alone.
	fx.orch.runCycle(context.Background())
	assert.Equal(t, 1, fx.adapter.planCalls)
	assert.Equal(t, 1, fx.publisher.publishCalls)
}

func TestCycleSkipsCompletedTask(t *testing.T) {
	fx := newFixture(t, succeedingAdapter())
	fx.store.Put(tasks.Task{ID: "task-1", Title: "t", Assignee: "relay", Completed: true})

	fx.orch.runCycle(context.Background())
	assert.Zero(t, fx.adapter.planCalls)
}

func TestClaimPreventsReentry(t *testing.T) {
	fx := newFixture(t, succeedingAdapter())
	fx.seedTask()

	require.True(t, fx.orch.claim("task-1"))
	fx.orch.runCycle(context.Background())
	assert.Zero(t, fx.adapter.planCalls)

	fx.orch.release("task-1")
	fx.orch.runCycle(context.Background())
	assert.Equal(t, 1, fx.adapter.planCalls)
}

func TestPlanningFailureReassignsToCreator(t *testing.T) {
	adapter := &fakeAdapter{
		planFn: func(_ *backend.PlanRequest) (*backend.PlanResult, error) {
			return &backend.PlanResult{Success: false, Error: "model returned no usable plan"}, nil
		},
	}
	fx := newFixture(t, adapter)
	fx.seedTask()

	fx.orch.runCycle(context.Background())

	assert.Equal(t, 1, adapter.planCalls)
	assert.Zero(t, adapter.execCalls)
	assert.Zero(t, fx.publisher.publishCalls)

	comments := fx.comments(t)
	last := comments[len(comments)-1].Body
	assert.Contains(t, last, state.MarkerFailed)
	assert.Contains(t, last, "Planning failed: model returned no usable plan")

	task, _ := fx.store.GetTask(context.Background(), "task-1")
	assert.Equal(t, "alice", task.Assignee)
}

func TestAdapterErrorSurfacesAsFailure(t *testing.T) {
	adapter := &fakeAdapter{
		planFn: func(_ *backend.PlanRequest) (*backend.PlanResult, error) {
			return &backend.PlanResult{}, errors.New("api: overloaded")
		},
	}
	fx := newFixture(t, adapter)
	fx.seedTask()

	fx.orch.runCycle(context.Background())

	comments := fx.comments(t)
	last := comments[len(comments)-1].Body
	assert.Contains(t, last, "Planning failed: api: overloaded")
}

func TestEscalationApprovedRetriesOnce(t *testing.T) {
	adapter := succeedingAdapter()
	inner := adapter.planFn
	adapter.planFn = func(req *backend.PlanRequest) (*backend.PlanResult, error) {
		if adapter.planCalls == 1 {
			return &backend.PlanResult{Usage: backend.Usage{CostUSD: 1.2}, Turns: 25},
				&backend.BudgetExhaustedError{Reason: "turns", Turns: 25, CostUSD: 1.2}
		}
		return inner(req)
	}
	fx := newFixture(t, adapter)
	fx.seedTask()

	fx.orch.runCycle(context.Background())

	assert.Equal(t, 2, adapter.planCalls)
	assert.Equal(t, 1, fx.publisher.publishCalls)

	require.Len(t, fx.approver.requests, 1)
	req := fx.approver.requests[0]
	assert.Equal(t, "planning", req.Phase)
	assert.Equal(t, "turns", req.Reason)
	assert.Equal(t, fx.orch.cfg.Budget.EscalatedTurns, req.ProposedTurns)
	assert.Equal(t, fx.orch.cfg.Budget.EscalatedCost, req.ProposedCost)
}

func TestEscalationRetryRunsWithRaisedCeilings(t *testing.T) {
	var retryTurns int
	adapter := succeedingAdapter()
	inner := adapter.planFn
	adapter.planFn = func(req *backend.PlanRequest) (*backend.PlanResult, error) {
		if adapter.planCalls == 1 {
			return &backend.PlanResult{}, &backend.BudgetExhaustedError{Reason: "cost", Turns: 10, CostUSD: 5}
		}
		retryTurns = req.Config.MaxTurns
		return inner(req)
	}
	fx := newFixture(t, adapter)
	fx.seedTask()

	fx.orch.runCycle(context.Background())
	assert.Equal(t, fx.orch.cfg.Budget.EscalatedTurns, retryTurns)
}

func TestEscalationDeniedIsTerminal(t *testing.T) {
	adapter := &fakeAdapter{
		planFn: func(_ *backend.PlanRequest) (*backend.PlanResult, error) {
			return &backend.PlanResult{}, &backend.BudgetExhaustedError{Reason: "turns", Turns: 25, CostUSD: 1}
		},
	}
	fx := newFixture(t, adapter)
	fx.approver.decision = approval.DecisionDenied
	fx.seedTask()

	fx.orch.runCycle(context.Background())

	assert.Equal(t, 1, adapter.planCalls)
	assert.Zero(t, fx.publisher.publishCalls)

	comments := fx.comments(t)
	last := comments[len(comments)-1].Body
	assert.Contains(t, last, state.MarkerFailed)
	assert.Contains(t, last, "budget escalation was not approved")

	task, _ := fx.store.GetTask(context.Background(), "task-1")
	assert.Equal(t, "alice", task.Assignee)
}

func TestShipRequestRoutesToDriver(t *testing.T) {
	fx := newFixture(t, succeedingAdapter())
	fx.store.Put(tasks.Task{ID: "task-1", Title: "t", Assignee: "relay", Creator: "alice"})
	ctx := context.Background()
	require.NoError(t, fx.store.CreateComment(ctx, "task-1",
		state.MarkerComplete+"\n\nPull request: https://github.com/acme/site/pull/7", nil))
	require.NoError(t, fx.store.CreateComment(ctx, "task-1", "Ship it!", &tasks.CommentOptions{AsAgent: "alice"}))

	fx.orch.runCycle(ctx)

	assert.Equal(t, 1, fx.publisher.shipCalls)
	assert.Zero(t, fx.adapter.planCalls, "ship-it must not re-run planning")

	task, _ := fx.store.GetTask(ctx, "task-1")
	assert.True(t, task.Completed)
}

func TestSweepRedrivesReassignedFailure(t *testing.T) {
	failing := true
	good := succeedingAdapter()
	adapter := &fakeAdapter{}
	adapter.planFn = func(req *backend.PlanRequest) (*backend.PlanResult, error) {
		if failing {
			return &backend.PlanResult{Success: false, Error: "flaky model"}, nil
		}
		// Feedback from the failed attempt must reach the retry.
		if !strings.Contains(strings.Join(req.Feedback, "\n"), "try again") {
			return &backend.PlanResult{Success: false, Error: "feedback missing"}, nil
		}
		return good.planFn(req)
	}
	adapter.executeFn = good.executeFn

	fx := newFixture(t, adapter)
	fx.seedTask()
	ctx := context.Background()

	// First cycle fails and the task is handed back to alice.
	fx.orch.runCycle(ctx)
	task, _ := fx.store.GetTask(ctx, "task-1")
	require.Equal(t, "alice", task.Assignee)

	// Further primary cycles cannot see the task anymore.
	fx.orch.runCycle(ctx)
	assert.Equal(t, 1, adapter.planCalls)

	// Alice replies; the sweep picks the task up under its remembered identity.
	failing = false
	require.NoError(t, fx.store.CreateComment(ctx, "task-1",
		"Please try again, the heading is in pricing.html", &tasks.CommentOptions{AsAgent: "alice"}))

	fx.orch.sweep(ctx)

	assert.Equal(t, 2, adapter.planCalls)
	assert.Equal(t, 1, fx.publisher.publishCalls)
}

func TestSweepForgetsCompletedTasks(t *testing.T) {
	fx := newFixture(t, succeedingAdapter())
	fx.seedTask()
	ctx := context.Background()

	fx.orch.runCycle(ctx)
	require.Contains(t, fx.orch.recent, "task-1")

	require.NoError(t, fx.store.SetCompleted(ctx, "task-1", true))
	fx.orch.sweep(ctx)
	assert.NotContains(t, fx.orch.recent, "task-1")
}

func TestSweepSkipsTasksStillAssignedToIdentity(t *testing.T) {
	fx := newFixture(t, succeedingAdapter())
	fx.seedTask()
	ctx := context.Background()

	fx.orch.runCycle(ctx)
	require.Equal(t, 1, fx.adapter.planCalls)

	// Still assigned to "relay": the primary cycle owns it, the sweep must
	// not double-dispatch.
	fx.orch.sweep(ctx)
	assert.Equal(t, 1, fx.adapter.planCalls)
}

func TestRunOnceDrivesSingleTask(t *testing.T) {
	fx := newFixture(t, succeedingAdapter())
	fx.seedTask()

	require.NoError(t, fx.orch.RunOnce(context.Background(), "task-1"))
	assert.Equal(t, 1, fx.publisher.publishCalls)

	err := fx.orch.RunOnce(context.Background(), "missing")
	assert.Error(t, err)
}
