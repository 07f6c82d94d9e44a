package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/config"
	"relay/pkg/sandbox"
)

// scriptedClient returns canned responses in order and records every request.
type scriptedClient struct {
	responses []CompletionResponse
	requests  []CompletionRequest
	err       error
}

func (s *scriptedClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return CompletionResponse{}, s.err
	}
	if len(s.responses) == 0 {
		return CompletionResponse{Content: "nothing left to say"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedClient) GetModelName() string { return "test-model" }

func testWorkspace(t *testing.T) *sandbox.Workspace {
	t.Helper()
	policy := sandbox.NewPolicy(config.PolicyConfig{
		MaxWriteBytes:       64 * 1024,
		MinFilesPerPlan:     1,
		MaxFilesPerPlan:     10,
		RequireNonEmptyPlan: true,
	})
	return sandbox.NewWorkspace(t.TempDir(), policy)
}

func testBudget() Config {
	return Config{
		Model:       "test-model",
		MaxTurns:    10,
		MaxCostUSD:  5.0,
		Timeout:     time.Minute,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
}

const planResponse = `{"summary": "Fix the typo", "files": [{"path": "index.html", "changes": "fix spelling"}], "complexity": "simple"}`

func TestPlanTerminatesOnValidPlan(t *testing.T) {
	client := &scriptedClient{responses: []CompletionResponse{
		{Content: planResponse, Usage: Usage{PromptTokens: 100, CompletionTokens: 50}},
	}}
	engine := NewEngine(client, testWorkspace(t), "task-1")

	res, err := engine.Plan(context.Background(), &PlanRequest{
		Title:  "Fix typo",
		Config: testBudget(),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Plan)
	assert.Equal(t, "Fix the typo", res.Plan.Summary)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, 100, res.Usage.PromptTokens)
}

// minTwoWorkspace requires at least two files per plan, to exercise the
// undersized-plan retry.
func minTwoWorkspace(t *testing.T) *sandbox.Workspace {
	t.Helper()
	policy := sandbox.NewPolicy(config.PolicyConfig{
		MaxWriteBytes:       64 * 1024,
		MinFilesPerPlan:     2,
		MaxFilesPerPlan:     10,
		RequireNonEmptyPlan: true,
	})
	return sandbox.NewWorkspace(t.TempDir(), policy)
}

const undersizedPlan = `{"summary": "too small", "files": [{"path": "a.go"}]}`
const twoFilePlan = `{"summary": "right size", "files": [{"path": "a.go"}, {"path": "a_test.go"}]}`

func TestPlanRetriesOnceBelowMinimumFiles(t *testing.T) {
	client := &scriptedClient{responses: []CompletionResponse{
		{Content: undersizedPlan},
		{Content: twoFilePlan},
	}}
	engine := NewEngine(client, minTwoWorkspace(t), "task-1")

	res, err := engine.Plan(context.Background(), &PlanRequest{Title: "t", Config: testBudget()})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Turns)

	// The second request must carry the corrective nudge.
	last := client.requests[1].Messages
	assert.Equal(t, RoleUser, last[len(last)-1].Role)
}

func TestPlanSecondUndersizedAttemptIsTerminalFailure(t *testing.T) {
	client := &scriptedClient{responses: []CompletionResponse{
		{Content: undersizedPlan},
		{Content: undersizedPlan},
	}}
	engine := NewEngine(client, minTwoWorkspace(t), "task-1")

	res, err := engine.Plan(context.Background(), &PlanRequest{Title: "t", Config: testBudget()})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "below the minimum")
}

func TestPlanBudgetExhaustionByTurns(t *testing.T) {
	// Unparseable chatter every turn: the nudge path burns turns until the
	// model stalls out or the ceiling hits. With MaxTurns below the nudge
	// allowance, the ceiling hits first.
	var responses []CompletionResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, CompletionResponse{Content: "thinking..."})
	}
	client := &scriptedClient{responses: responses}
	engine := NewEngine(client, testWorkspace(t), "task-1")

	cfg := testBudget()
	cfg.MaxTurns = 2
	res, err := engine.Plan(context.Background(), &PlanRequest{Title: "t", Config: cfg})

	var budgetErr *BudgetExhaustedError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "turns", budgetErr.Reason)
	assert.Equal(t, 2, budgetErr.Turns)
	assert.False(t, res.Success)
}

func TestPlanBudgetExhaustionByCost(t *testing.T) {
	client := &scriptedClient{responses: []CompletionResponse{
		{Content: "expensive rambling", Usage: Usage{CostUSD: 10.0}},
		{Content: planResponse},
	}}
	engine := NewEngine(client, testWorkspace(t), "task-1")

	cfg := testBudget()
	cfg.MaxCostUSD = 1.0
	_, err := engine.Plan(context.Background(), &PlanRequest{Title: "t", Config: cfg})

	var budgetErr *BudgetExhaustedError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "cost", budgetErr.Reason)
	assert.InDelta(t, 10.0, budgetErr.CostUSD, 0.001)
}

func TestPlanCostComputedFromPricingWhenVendorOmitsIt(t *testing.T) {
	client := &scriptedClient{responses: []CompletionResponse{
		{Content: planResponse, Usage: Usage{PromptTokens: 1_000_000, CompletionTokens: 0}},
	}}
	engine := NewEngine(client, testWorkspace(t), "task-1")

	res, err := engine.Plan(context.Background(), &PlanRequest{Title: "t", Config: testBudget()})
	require.NoError(t, err)
	// Unknown models fall back to flagship pricing, which is non-zero.
	assert.Greater(t, res.Usage.CostUSD, 0.0)
}

func TestExecuteToolCallsTakePrecedenceOverTerminalText(t *testing.T) {
	// The response both writes a file and claims to be done in prose. The
	// tool call must run; termination happens only via the done tool.
	client := &scriptedClient{responses: []CompletionResponse{
		{
			Content: "All finished!",
			ToolCalls: []ToolCall{{
				ID:   "call-1",
				Name: sandbox.ToolWriteFile,
				Parameters: map[string]any{
					"path":    "index.html",
					"content": "<h1>Fixed</h1>",
				},
			}},
		},
		{
			ToolCalls: []ToolCall{{
				ID:   "call-2",
				Name: sandbox.ToolDone,
				Parameters: map[string]any{
					"summary":        "Fixed the header",
					"commit_message": "fix: header typo",
					"pr_title":       "Fix header typo",
				},
			}},
		},
	}}

	ws := testWorkspace(t)
	engine := NewEngine(client, ws, "task-1")

	res, err := engine.Execute(context.Background(), &ExecuteRequest{
		Title:  "Fix typo",
		Plan:   nil,
		Config: testBudget(),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "fix: header typo", res.CommitMessage)
	assert.Equal(t, "Fix header typo", res.PRTitle)
	require.Len(t, res.FileChanges, 1)
	assert.Equal(t, "index.html", res.FileChanges[0].Path)

	// The write's tool result was delivered back on the next turn.
	require.Len(t, client.requests, 2)
	second := client.requests[1].Messages
	var sawResult bool
	for _, msg := range second {
		if len(msg.ToolResults) > 0 && msg.ToolResults[0].ToolCallID == "call-1" {
			sawResult = true
		}
	}
	assert.True(t, sawResult, "tool result for call-1 was never delivered")
}

func TestExecuteUnknownToolGetsErrorResult(t *testing.T) {
	client := &scriptedClient{responses: []CompletionResponse{
		{ToolCalls: []ToolCall{{ID: "call-1", Name: "launch_missiles", Parameters: map[string]any{}}}},
		{ToolCalls: []ToolCall{{
			ID:   "call-2",
			Name: sandbox.ToolDone,
			Parameters: map[string]any{
				"summary":        "s",
				"commit_message": "m",
			},
		}}},
	}}
	ws := testWorkspace(t)
	engine := NewEngine(client, ws, "task-1")

	_, err := engine.Execute(context.Background(), &ExecuteRequest{Title: "t", Config: testBudget()})
	// Execution fails validation (no file changes) but the loop must not
	// crash, and the bogus call must have received an error tool result.
	require.NoError(t, err)

	second := client.requests[1].Messages
	var sawError bool
	for _, msg := range second {
		for _, tr := range msg.ToolResults {
			if tr.ToolCallID == "call-1" && tr.IsError {
				sawError = true
			}
		}
	}
	assert.True(t, sawError)
}

func TestExecuteStallsAfterMaxNudges(t *testing.T) {
	client := &scriptedClient{} // endless contentless chatter
	engine := NewEngine(client, testWorkspace(t), "task-1")

	res, err := engine.Execute(context.Background(), &ExecuteRequest{Title: "t", Config: testBudget()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stalled")
	assert.False(t, res.Success)
}

func TestPlanSurfacesClientError(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection reset")}
	engine := NewEngine(client, testWorkspace(t), "task-1")

	res, err := engine.Plan(context.Background(), &PlanRequest{Title: "t", Config: testBudget()})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection reset")
}

// observerRecorder verifies per-turn accounting reaches the observer.
type observerRecorder struct {
	turns int
	usage Usage
}

func (o *observerRecorder) ObserveTurn(_, _, _ string, usage Usage, _ time.Duration, _ error) {
	o.turns++
	o.usage.Add(usage)
}

func TestObserverSeesEveryTurn(t *testing.T) {
	client := &scriptedClient{responses: []CompletionResponse{
		{Content: "hmm", Usage: Usage{PromptTokens: 10}},
		{Content: planResponse, Usage: Usage{PromptTokens: 20}},
	}}
	obs := &observerRecorder{}
	engine := NewEngine(client, testWorkspace(t), "task-1").WithObserver(obs)

	_, err := engine.Plan(context.Background(), &PlanRequest{Title: "t", Config: testBudget()})
	require.NoError(t, err)
	assert.Equal(t, 2, obs.turns)
	assert.Equal(t, 30, obs.usage.PromptTokens)
}
