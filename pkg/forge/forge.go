// Package forge provides abstractions for git hosting providers. It defines
// the common interface the PR driver works against; provider implementations
// live in subpackages.
package forge

import (
	"context"
	"errors"
	"time"

	"relay/pkg/sandbox"
)

// Provider represents a git hosting provider type.
type Provider string

// Provider constants.
const (
	ProviderGitHub Provider = "github"
)

// ErrNoPRFound is returned when no pull request exists for a branch.
var ErrNoPRFound = errors.New("no pull request found")

// PullRequest represents a pull request, normalized across providers.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type PullRequest struct {
	// Number is the PR number.
	Number int `json:"number"`

	// URL is the web URL for the PR.
	URL string `json:"url"`

	// Title is the PR title.
	Title string `json:"title"`

	// Body is the PR description.
	Body string `json:"body"`

	// State is the PR state (open, closed, merged).
	State string `json:"state"`

	// HeadBranch is the source branch name.
	HeadBranch string `json:"head_branch"`

	// HeadSHA is the source branch commit SHA.
	HeadSHA string `json:"head_sha"`

	// BaseBranch is the target branch name.
	BaseBranch string `json:"base_branch"`

	// MergedAt is when the PR was merged (if merged).
	MergedAt *time.Time `json:"merged_at,omitempty"`

	// Merged indicates if the PR has been merged.
	Merged bool `json:"merged"`
}

// IsMerged returns true if the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.Merged || pr.MergedAt != nil
}

// PRCreateOptions contains options for creating a pull request.
type PRCreateOptions struct {
	// Title is required.
	Title string

	// Body is the PR description.
	Body string

	// Head is the source branch (required).
	Head string

	// Base is the target branch (defaults to the repository default branch).
	Base string

	// Draft creates the PR as a draft.
	Draft bool
}

// PRMergeOptions contains options for merging a pull request.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type PRMergeOptions struct {
	// Method is the merge method: "merge", "squash", or "rebase".
	// Default is "squash".
	Method string

	// CommitTitle is the merge commit title (optional).
	CommitTitle string

	// CommitMessage is the merge commit message (optional).
	CommitMessage string

	// DeleteBranch deletes the source branch after merge.
	DeleteBranch bool
}

// MergeResult contains the result of a merge operation.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type MergeResult struct {
	// SHA is the merge commit SHA.
	SHA string

	// Message provides additional information about the result.
	Message string

	// Merged indicates if the merge was successful.
	Merged bool

	// HasConflicts indicates merge conflicts prevented the merge.
	HasConflicts bool
}

// CheckRun is one CI check attached to a commit.
type CheckRun struct {
	ID         int64
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, neutral, cancelled, skipped, timed_out
}

// Client defines the interface for forge operations.
type Client interface {
	// Provider returns the forge provider type.
	Provider() Provider

	// RepoPath returns the owner/repo path.
	RepoPath() string

	// EnsureBranch creates the branch from base if it does not exist.
	// Returns true when the branch already existed.
	EnsureBranch(ctx context.Context, name, base string) (bool, error)

	// CommitChanges applies a change set as a single commit on the branch
	// and returns the new commit SHA.
	CommitChanges(ctx context.Context, branch, message string, changes []sandbox.FileChange) (string, error)

	// ListPRsForBranch lists open pull requests for a specific head branch.
	ListPRsForBranch(ctx context.Context, branch string) ([]PullRequest, error)

	// CreatePR creates a new pull request.
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error)

	// GetOrCreatePR returns an existing open PR for the branch or creates one.
	GetOrCreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error)

	// MergePR merges a pull request and returns the detailed result.
	MergePR(ctx context.Context, number int, opts PRMergeOptions) (*MergeResult, error)

	// ListCheckRuns lists CI check runs for a commit ref.
	ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)

	// ListPRFiles lists the paths touched by a pull request.
	ListPRFiles(ctx context.Context, number int) ([]string, error)

	// DeleteBranch removes a branch.
	DeleteBranch(ctx context.Context, branch string) error
}
