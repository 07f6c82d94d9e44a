// Package tasks defines the task/comment data model and the external task
// store collaborator interface. The store is externally owned: the
// orchestrator persists nothing on a task beyond appended comments and one
// optional working-branch field.
package tasks

import (
	"context"
	"time"
)

// Comment is an immutable entry in a task's append-only comment stream.
// Author may be empty for system-generated comments.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the externally owned work item. Comments are always sorted
// ascending by creation time.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Assignee      string    `json:"assignee"`
	Creator       string    `json:"creator"`
	WorkingBranch string    `json:"working_branch,omitempty"`
	Completed     bool      `json:"completed"`
	Comments      []Comment `json:"comments"`
}

// CommentOptions controls attribution of a created comment.
type CommentOptions struct {
	// AsAgent attributes the comment to a specific agent identity instead of
	// the default API identity. Empty means default attribution.
	AsAgent string
}

// Store is the task/comment collaborator. All operations are idempotent from
// the caller's perspective and safe to retry.
type Store interface {
	// ListTasksByAssignee returns all open tasks assigned to the given
	// identity, each with its full comment list sorted ascending by time.
	ListTasksByAssignee(ctx context.Context, assignee string) ([]Task, error)

	// GetTask fetches a single task with comments.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// CreateComment appends a comment to a task.
	CreateComment(ctx context.Context, taskID, body string, opts *CommentOptions) error

	// UpdateAssignee reassigns the task.
	UpdateAssignee(ctx context.Context, taskID, assignee string) error

	// UpdateDescription rewrites the task description.
	UpdateDescription(ctx context.Context, taskID, description string) error

	// SetCompleted flips the task's completion flag.
	SetCompleted(ctx context.Context, taskID string, completed bool) error

	// SetWorkingBranch records the branch a task's changes live on.
	SetWorkingBranch(ctx context.Context, taskID, branch string) error
}
