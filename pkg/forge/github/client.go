// Package github implements the forge.Client interface on the GitHub REST
// API. Commits are created through the git-data API (blob/tree/commit/ref),
// so no local clone or push is required to land a change set.
package github

import (
	"context"
	"fmt"
	"strings"

	gogithub "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"relay/pkg/forge"
	"relay/pkg/logx"
	"relay/pkg/sandbox"
)

// Client implements forge.Client for GitHub.
type Client struct {
	client *gogithub.Client
	owner  string
	repo   string
	logger *logx.Logger
}

// NewClient creates a GitHub forge client for an owner/repo path using a
// personal access token.
func NewClient(ctx context.Context, token, repoPath string) (*Client, error) {
	owner, repo, err := splitRepoPath(repoPath)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("GitHub token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	return &Client{
		client: gogithub.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
		logger: logx.NewLogger("github"),
	}, nil
}

// splitRepoPath accepts "owner/repo" or a full https URL.
func splitRepoPath(repoPath string) (string, string, error) {
	path := strings.TrimSuffix(repoPath, ".git")
	path = strings.TrimPrefix(path, "https://github.com/")
	path = strings.TrimPrefix(path, "git@github.com:")

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo path %q (want owner/repo)", repoPath)
	}
	return parts[0], parts[1], nil
}

// Provider returns the forge provider type.
func (c *Client) Provider() forge.Provider {
	return forge.ProviderGitHub
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return c.owner + "/" + c.repo
}

// EnsureBranch creates the branch from base if it does not exist. Returns
// true when the branch already existed.
func (c *Client) EnsureBranch(ctx context.Context, name, base string) (bool, error) {
	_, resp, err := c.client.Git.GetRef(ctx, c.owner, c.repo, "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	if resp == nil || resp.StatusCode != 404 {
		return false, fmt.Errorf("get ref %s: %w", name, err)
	}

	baseRef, _, err := c.client.Git.GetRef(ctx, c.owner, c.repo, "refs/heads/"+base)
	if err != nil {
		return false, fmt.Errorf("get base ref %s: %w", base, err)
	}

	newRef := &gogithub.Reference{
		Ref:    gogithub.String("refs/heads/" + name),
		Object: &gogithub.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, _, err := c.client.Git.CreateRef(ctx, c.owner, c.repo, newRef); err != nil {
		return false, fmt.Errorf("create ref %s: %w", name, err)
	}
	c.logger.Info("created branch %s from %s@%s", name, base, shortSHA(baseRef.Object.GetSHA()))
	return false, nil
}

// CommitChanges applies a change set as one commit via the git-data API:
// blobs for new content, a tree over the branch head, a commit object, then
// a ref fast-forward. Deletes become tree entries with a nil SHA.
func (c *Client) CommitChanges(ctx context.Context, branch, message string, changes []sandbox.FileChange) (string, error) {
	if len(changes) == 0 {
		return "", fmt.Errorf("no changes to commit on %s", branch)
	}

	ref, _, err := c.client.Git.GetRef(ctx, c.owner, c.repo, "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("get ref %s: %w", branch, err)
	}
	headSHA := ref.Object.GetSHA()

	parent, _, err := c.client.Git.GetCommit(ctx, c.owner, c.repo, headSHA)
	if err != nil {
		return "", fmt.Errorf("get head commit %s: %w", headSHA, err)
	}

	entries := make([]*gogithub.TreeEntry, 0, len(changes))
	for i := range changes {
		change := &changes[i]
		entry := &gogithub.TreeEntry{
			Path: gogithub.String(change.Path),
			Mode: gogithub.String("100644"),
			Type: gogithub.String("blob"),
		}
		if change.Action == sandbox.ActionDelete {
			// A nil SHA in a tree entry deletes the path.
			entries = append(entries, entry)
			continue
		}

		blob, _, blobErr := c.client.Git.CreateBlob(ctx, c.owner, c.repo, &gogithub.Blob{
			Content:  gogithub.String(change.Content),
			Encoding: gogithub.String("utf-8"),
		})
		if blobErr != nil {
			return "", fmt.Errorf("create blob for %s: %w", change.Path, blobErr)
		}
		entry.SHA = blob.SHA
		entries = append(entries, entry)
	}

	tree, _, err := c.client.Git.CreateTree(ctx, c.owner, c.repo, parent.Tree.GetSHA(), entries)
	if err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	commit, _, err := c.client.Git.CreateCommit(ctx, c.owner, c.repo, &gogithub.Commit{
		Message: gogithub.String(message),
		Tree:    tree,
		Parents: []*gogithub.Commit{{SHA: gogithub.String(headSHA)}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	ref.Object.SHA = commit.SHA
	if _, _, err := c.client.Git.UpdateRef(ctx, c.owner, c.repo, ref, false); err != nil {
		return "", fmt.Errorf("update ref %s: %w", branch, err)
	}

	c.logger.Info("committed %d file(s) to %s as %s", len(changes), branch, shortSHA(commit.GetSHA()))
	return commit.GetSHA(), nil
}

// ListPRsForBranch lists open pull requests for a specific head branch.
func (c *Client) ListPRsForBranch(ctx context.Context, branch string) ([]forge.PullRequest, error) {
	prs, _, err := c.client.PullRequests.List(ctx, c.owner, c.repo, &gogithub.PullRequestListOptions{
		Head:        c.owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("list PRs for branch %q: %w", branch, err)
	}

	result := make([]forge.PullRequest, 0, len(prs))
	for _, pr := range prs {
		result = append(result, convertPR(pr))
	}
	return result, nil
}

// CreatePR creates a new pull request.
func (c *Client) CreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	created, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, &gogithub.NewPullRequest{
		Title: gogithub.String(opts.Title),
		Body:  gogithub.String(opts.Body),
		Head:  gogithub.String(opts.Head),
		Base:  gogithub.String(opts.Base),
		Draft: gogithub.Bool(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR for %s: %w", opts.Head, err)
	}

	pr := convertPR(created)
	c.logger.Info("created PR #%d: %s", pr.Number, pr.URL)
	return &pr, nil
}

// GetOrCreatePR returns an existing open PR for the head branch or creates one.
func (c *Client) GetOrCreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	existing, err := c.ListPRsForBranch(ctx, opts.Head)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}
	return c.CreatePR(ctx, opts)
}

// MergePR merges a pull request.
func (c *Client) MergePR(ctx context.Context, number int, opts forge.PRMergeOptions) (*forge.MergeResult, error) {
	method := opts.Method
	if method == "" {
		method = "squash"
	}

	result, _, err := c.client.PullRequests.Merge(ctx, c.owner, c.repo, number, opts.CommitMessage, &gogithub.PullRequestOptions{
		MergeMethod: method,
		CommitTitle: opts.CommitTitle,
	})
	if err != nil {
		// 405 means the PR is not mergeable, usually conflicts.
		if strings.Contains(err.Error(), "405") || strings.Contains(strings.ToLower(err.Error()), "not mergeable") {
			return &forge.MergeResult{HasConflicts: true, Message: err.Error()}, nil
		}
		return nil, fmt.Errorf("merge PR %d: %w", number, err)
	}

	mr := &forge.MergeResult{
		SHA:     result.GetSHA(),
		Message: result.GetMessage(),
		Merged:  result.GetMerged(),
	}

	if opts.DeleteBranch && mr.Merged {
		pr, _, getErr := c.client.PullRequests.Get(ctx, c.owner, c.repo, number)
		if getErr == nil {
			if delErr := c.DeleteBranch(ctx, pr.GetHead().GetRef()); delErr != nil {
				c.logger.Warn("merged PR #%d but failed to delete branch %s: %v", number, pr.GetHead().GetRef(), delErr)
			}
		}
	}

	return mr, nil
}

// ListCheckRuns lists CI check runs for a commit ref.
func (c *Client) ListCheckRuns(ctx context.Context, ref string) ([]forge.CheckRun, error) {
	result, _, err := c.client.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("list check runs for %q: %w", ref, err)
	}

	checks := make([]forge.CheckRun, 0, len(result.CheckRuns))
	for _, cr := range result.CheckRuns {
		checks = append(checks, forge.CheckRun{
			ID:         cr.GetID(),
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
		})
	}
	return checks, nil
}

// ListPRFiles lists the paths touched by a pull request.
func (c *Client) ListPRFiles(ctx context.Context, number int) ([]string, error) {
	var paths []string
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.client.PullRequests.ListFiles(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list files for PR %d: %w", number, err)
		}
		for _, f := range files {
			paths = append(paths, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

// DeleteBranch removes a branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	_, err := c.client.Git.DeleteRef(ctx, c.owner, c.repo, "refs/heads/"+branch)
	if err != nil {
		return fmt.Errorf("delete branch %q: %w", branch, err)
	}
	return nil
}

// shortSHA abbreviates a commit SHA for log lines.
func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// convertPR maps a go-github PullRequest to the neutral type.
func convertPR(pr *gogithub.PullRequest) forge.PullRequest {
	out := forge.PullRequest{
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		State:      pr.GetState(),
		HeadBranch: pr.GetHead().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		BaseBranch: pr.GetBase().GetRef(),
		Merged:     pr.GetMerged(),
	}
	if pr.MergedAt != nil {
		t := pr.MergedAt.Time
		out.MergedAt = &t
	}
	return out
}
