// Package git implements the Git Adapter over the git CLI. It tracks
// streams and per-agent worktrees and exposes the raw operations the
// promoter and stabilizer need.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
)

// Client wraps git CLI operations against a single repository.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a git client rooted at repoPath.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  30 * time.Second,
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}
	return client, nil
}

// RepoPath returns the repository root.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// WithTimeout sets the per-command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrValidation(core.CodeBadConfig,
			fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// run executes a git command in the repository root.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runIn(ctx, c.repoPath, args...)
}

// runIn executes a git command in an arbitrary working directory (used
// for worktrees).
func (c *Client) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Checkout switches the main working copy to a ref.
func (c *Client) Checkout(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "checkout", ref)
	return err
}

// MergeNoFF merges a branch into the current branch with a merge commit.
// On conflict the merge is aborted and a merge_conflict error returned.
func (c *Client) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	_, err := c.run(ctx, "merge", branch, "--no-ff", "-m", message)
	if err != nil {
		_ = c.MergeAbort(ctx)
		if strings.Contains(err.Error(), "CONFLICT") || strings.Contains(err.Error(), "conflict") {
			return "", core.ErrGit(core.CodeMergeConflict,
				fmt.Sprintf("merge of %s conflicts", branch)).WithCause(err)
		}
		return "", err
	}
	return c.RevParse(ctx, "HEAD")
}

// MergeFFOnly fast-forwards the current branch to ref.
func (c *Client) MergeFFOnly(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "merge", "--ff-only", ref)
	return err
}

// MergeAbort aborts an in-progress merge. Safe to call when none is in
// progress.
func (c *Client) MergeAbort(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--abort")
	return err
}

// RevParse resolves a ref to a commit hash.
func (c *Client) RevParse(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "rev-parse", ref)
}

// Tag creates a tag pointing at ref.
func (c *Client) Tag(ctx context.Context, name, ref string) error {
	_, err := c.run(ctx, "tag", name, ref)
	if err != nil {
		return core.ErrGit(core.CodeTagFailed, fmt.Sprintf("tagging %s", name)).WithCause(err)
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := c.run(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// CreateBranch creates a branch from a starting ref without checking it
// out.
func (c *Client) CreateBranch(ctx context.Context, name, from string) error {
	_, err := c.run(ctx, "branch", name, from)
	return err
}

// DeleteBranch force-deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	_, err := c.run(ctx, "branch", "-D", name)
	return err
}

// CurrentBranch returns the branch the main working copy is on.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Revert reverts a commit on the current branch. Merge commits are
// reverted against their first parent.
func (c *Client) Revert(ctx context.Context, commit string, isMerge bool) error {
	args := []string{"revert", "--no-edit"}
	if isMerge {
		args = append(args, "-m", "1")
	}
	args = append(args, commit)
	if _, err := c.run(ctx, args...); err != nil {
		_, _ = c.run(ctx, "revert", "--abort")
		return core.ErrGit(core.CodeRevertError,
			fmt.Sprintf("reverting %s", commit)).WithCause(err)
	}
	return nil
}

// Diff returns the diff between two refs.
func (c *Client) Diff(ctx context.Context, from, to string) (string, error) {
	return c.run(ctx, "diff", from+".."+to)
}
