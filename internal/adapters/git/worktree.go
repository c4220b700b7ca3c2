package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitswarm/gitswarm/internal/core"
)

// WorktreeManager allocates one working tree per agent under the
// .worktrees directory. A worktree is exclusive to its agent and checked
// out to that agent's current stream; reassigning it switches streams.
type WorktreeManager struct {
	git     *Client
	baseDir string
}

// NewWorktreeManager creates a worktree manager.
func NewWorktreeManager(git *Client, baseDir string) *WorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".worktrees")
	}
	return &WorktreeManager{git: git, baseDir: baseDir}
}

// PathFor returns the worktree path for an agent.
func (m *WorktreeManager) PathFor(agentID string) string {
	return filepath.Join(m.baseDir, sanitizeName(agentID))
}

// Create adds a worktree for the agent checked out to branch.
func (m *WorktreeManager) Create(ctx context.Context, agentID, branch string) (string, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating worktree directory: %w", err)
	}

	path := m.PathFor(agentID)
	if _, err := os.Stat(path); err == nil {
		return "", core.ErrState("worktree_exists",
			fmt.Sprintf("agent %s already has a worktree", agentID))
	}

	if _, err := m.git.run(ctx, "worktree", "add", path, branch); err != nil {
		return "", fmt.Errorf("adding worktree: %w", err)
	}
	return path, nil
}

// Switch checks an existing worktree out to a different branch,
// atomically reassigning the agent's stream.
func (m *WorktreeManager) Switch(ctx context.Context, agentID, branch string) error {
	path := m.PathFor(agentID)
	if _, err := os.Stat(path); err != nil {
		return core.ErrNotFound("worktree_not_found", "worktree", agentID)
	}
	_, err := m.git.runIn(ctx, path, "checkout", branch)
	return err
}

// Remove deletes the agent's worktree.
func (m *WorktreeManager) Remove(ctx context.Context, agentID string) error {
	path := m.PathFor(agentID)
	if _, err := m.git.run(ctx, "worktree", "remove", "--force", path); err != nil {
		// Fall back to pruning if the directory is already gone.
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			_, _ = m.git.run(ctx, "worktree", "prune")
			return nil
		}
		return err
	}
	return nil
}

// List returns the paths of all managed worktrees.
func (m *WorktreeManager) List(ctx context.Context) ([]string, error) {
	output, err := m.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if strings.HasPrefix(path, m.baseDir) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func sanitizeName(s string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	return replacer.Replace(s)
}
