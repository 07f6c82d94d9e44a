package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	// Clock allows tests to control comment timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		Clock: time.Now,
	}
}

// Put inserts or replaces a task.
func (m *MemoryStore) Put(task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := task
	m.tasks[t.ID] = &t
}

// ListTasksByAssignee implements Store.
func (m *MemoryStore) ListTasksByAssignee(_ context.Context, assignee string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Assignee == assignee && !t.Completed {
			out = append(out, *t)
		}
	}
	return out, nil
}

// GetTask implements Store.
func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	cp := *t
	return &cp, nil
}

// CreateComment implements Store.
func (m *MemoryStore) CreateComment(_ context.Context, taskID, body string, opts *CommentOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	author := ""
	if opts != nil {
		author = opts.AsAgent
	}
	t.Comments = append(t.Comments, Comment{
		ID:        uuid.NewString(),
		Author:    author,
		Body:      body,
		CreatedAt: m.Clock(),
	})
	return nil
}

// UpdateAssignee implements Store.
func (m *MemoryStore) UpdateAssignee(_ context.Context, taskID, assignee string) error {
	return m.update(taskID, func(t *Task) { t.Assignee = assignee })
}

// UpdateDescription implements Store.
func (m *MemoryStore) UpdateDescription(_ context.Context, taskID, description string) error {
	return m.update(taskID, func(t *Task) { t.Description = description })
}

// SetCompleted implements Store.
func (m *MemoryStore) SetCompleted(_ context.Context, taskID string, completed bool) error {
	return m.update(taskID, func(t *Task) { t.Completed = completed })
}

// SetWorkingBranch implements Store.
func (m *MemoryStore) SetWorkingBranch(_ context.Context, taskID, branch string) error {
	return m.update(taskID, func(t *Task) { t.WorkingBranch = branch })
}

func (m *MemoryStore) update(taskID string, fn func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	fn(t)
	return nil
}
