package approval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/state"
	"relay/pkg/tasks"
)

var agentSet = map[string]bool{"relay": true}

func escalationRequest() *Request {
	return &Request{
		TaskID:        "task-1",
		Phase:         "execution",
		Reason:        "cost",
		SpentTurns:    12,
		SpentCostUSD:  5.1,
		CurrentTurns:  25,
		CurrentCost:   5.0,
		ProposedTurns: 50,
		ProposedCost:  15.0,
	}
}

func storeWithTask(clock func() time.Time) *tasks.MemoryStore {
	store := tasks.NewMemoryStore()
	store.Clock = clock
	store.Put(tasks.Task{ID: "task-1", Title: "Fix typo", Assignee: "relay", Creator: "alice"})
	return store
}

func TestEscalateApproved(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	// Store timestamps run a minute ahead of the protocol clock, so a reply
	// created before Escalate returns is still "after" the request.
	store := storeWithTask(func() time.Time { return base.Add(time.Minute) })
	_ = store.CreateComment(context.Background(), "task-1", "approve", &tasks.CommentOptions{AsAgent: "alice"})

	p := NewProtocol(store, agentSet, time.Millisecond, time.Hour)
	p.now = func() time.Time { return base }

	decision, err := p.Escalate(context.Background(), escalationRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision)

	// The request comment carries the escalation marker and both limits.
	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	var request string
	for _, c := range task.Comments {
		if strings.HasPrefix(c.Body, state.MarkerEscalation) {
			request = c.Body
		}
	}
	require.NotEmpty(t, request, "escalation request comment not found")
	assert.Contains(t, request, "$5.00")
	assert.Contains(t, request, "$15.00")

	// A resolution comment was posted after the verdict.
	last := task.Comments[len(task.Comments)-1].Body
	assert.Contains(t, last, "approved")
}

func TestEscalateDenied(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := storeWithTask(func() time.Time { return base.Add(time.Minute) })
	_ = store.CreateComment(context.Background(), "task-1", "no, this is getting expensive", &tasks.CommentOptions{AsAgent: "alice"})

	p := NewProtocol(store, agentSet, time.Millisecond, time.Hour)
	p.now = func() time.Time { return base }

	decision, err := p.Escalate(context.Background(), escalationRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, decision)
}

func TestEscalateTimesOutToDenial(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := storeWithTask(func() time.Time { return now })

	p := NewProtocol(store, agentSet, time.Millisecond, 30*time.Minute)
	calls := 0
	p.now = func() time.Time {
		calls++
		if calls > 2 {
			// Past the deadline on every poll after the request posts.
			return now.Add(time.Hour)
		}
		return now
	}

	decision, err := p.Escalate(context.Background(), escalationRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionTimedOut, decision)

	task, _ := store.GetTask(context.Background(), "task-1")
	last := task.Comments[len(task.Comments)-1].Body
	assert.Contains(t, last, "treating as denied")
}

func TestEscalateIgnoresAgentReplies(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := storeWithTask(func() time.Time { return base.Add(time.Minute) })
	// An agent-authored "approve" must not count as a verdict.
	_ = store.CreateComment(context.Background(), "task-1", "approve", &tasks.CommentOptions{AsAgent: "relay"})

	p := NewProtocol(store, agentSet, time.Millisecond, 30*time.Minute)
	calls := 0
	p.now = func() time.Time {
		calls++
		if calls > 4 {
			return base.Add(time.Hour)
		}
		return base
	}

	decision, err := p.Escalate(context.Background(), escalationRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionTimedOut, decision)
}

func TestEscalateContextCancellation(t *testing.T) {
	store := storeWithTask(time.Now)
	p := NewProtocol(store, agentSet, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision, err := p.Escalate(ctx, escalationRequest())
	require.Error(t, err)
	assert.Equal(t, DecisionDenied, decision)
}

func TestVerdictVocabulary(t *testing.T) {
	p := NewProtocol(tasks.NewMemoryStore(), agentSet, time.Millisecond, time.Hour)
	postedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	after := postedAt.Add(time.Minute)

	approvals := []string{"approve", "approved", "yes", "ok", "okay", "go ahead", "proceed", "LGTM", "👍"}
	for _, body := range approvals {
		decision, found := p.findVerdict([]tasks.Comment{{Author: "alice", Body: body, CreatedAt: after}}, postedAt)
		require.True(t, found, "body %q", body)
		assert.Equal(t, DecisionApproved, decision, "body %q", body)
	}

	denials := []string{"no", "deny", "denied", "reject", "stop", "cancel", "don't"}
	for _, body := range denials {
		decision, found := p.findVerdict([]tasks.Comment{{Author: "alice", Body: body, CreatedAt: after}}, postedAt)
		require.True(t, found, "body %q", body)
		assert.Equal(t, DecisionDenied, decision, "body %q", body)
	}

	// Unrelated chatter is not a verdict; replies predating the request are
	// ignored.
	_, found := p.findVerdict([]tasks.Comment{{Author: "alice", Body: "what is this about?", CreatedAt: after}}, postedAt)
	assert.False(t, found)
	_, found = p.findVerdict([]tasks.Comment{{Author: "alice", Body: "approve", CreatedAt: postedAt.Add(-time.Minute)}}, postedAt)
	assert.False(t, found)
}
