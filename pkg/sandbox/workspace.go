package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Action describes what a file change does.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// FileChange is one accumulated repository mutation. The deployment driver
// later turns the full set into a single commit.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Action  Action `json:"action"`
}

// Completion carries the structured metadata from the terminal "done" tool.
type Completion struct {
	Summary       string `json:"summary"`
	CommitMessage string `json:"commit_message"`
	PRTitle       string `json:"pr_title"`
	PRDescription string `json:"pr_description"`
}

// Workspace is one task's working copy plus the policy guarding it. It
// records every mutation the tools make so execution can hand the driver an
// exact change set.
type Workspace struct {
	root   string
	policy *Policy

	mu         sync.Mutex
	changes    map[string]FileChange
	order      []string
	completion *Completion
}

// NewWorkspace creates a workspace rooted at dir with the given policy.
func NewWorkspace(dir string, policy *Policy) *Workspace {
	return &Workspace{
		root:    dir,
		policy:  policy,
		changes: make(map[string]FileChange),
	}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Policy returns the safety policy for this workspace.
func (w *Workspace) Policy() *Policy {
	return w.policy
}

// ResolvePath turns a model-supplied relative path into an absolute one
// inside the workspace, rejecting traversal attempts.
func (w *Workspace) ResolvePath(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return filepath.Join(w.root, clean), nil
}

// RecordChange registers a mutation. A later change to the same path replaces
// the earlier one but keeps its position in the ordering.
func (w *Workspace) RecordChange(fc FileChange) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, seen := w.changes[fc.Path]; !seen {
		w.order = append(w.order, fc.Path)
	}
	w.changes[fc.Path] = fc
}

// Changes returns the accumulated file changes in first-touched order.
func (w *Workspace) Changes() []FileChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]FileChange, 0, len(w.order))
	for _, path := range w.order {
		out = append(out, w.changes[path])
	}
	return out
}

// SetCompletion stores the terminal tool's metadata.
func (w *Workspace) SetCompletion(c *Completion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completion = c
}

// Completion returns the terminal metadata, or nil if the run never declared
// completion.
func (w *Workspace) Completion() *Completion {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completion
}

// Reset clears recorded changes and completion between phases.
func (w *Workspace) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changes = make(map[string]FileChange)
	w.order = nil
	w.completion = nil
}
