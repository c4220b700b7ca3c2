package core

import (
	"context"
	"time"
)

// =============================================================================
// Git Adapter Port
// =============================================================================

// GitStream is the git driver's own view of a stream. The driver is
// authoritative for branches; the policy store mirrors a subset.
type GitStream struct {
	ID        string
	Branch    string
	AgentID   string
	Base      string
	ParentID  string
	CreatedAt time.Time
}

// GitWorktree is a per-agent working tree assignment. One per agent at a
// time; reassigning it switches streams atomically.
type GitWorktree struct {
	AgentID   string
	Path      string
	StreamID  string
	CreatedAt time.Time
}

// GitOperation is one entry in the driver's append-only operation log.
type GitOperation struct {
	ID       string
	Kind     string // commit, merge, revert
	StreamID string
	Commit   string
	At       time.Time
}

// CommitResult is the outcome of applying a commit to a stream.
type CommitResult struct {
	Commit   string
	ChangeID string
}

// CreateStreamOptions configures stream creation in the git driver.
type CreateStreamOptions struct {
	Name    string
	AgentID string
	Base    string
}

// GitAdapter is the contract the core consumes for all git operations.
// Implementations wrap a git working copy; every method may block on a
// subprocess and honors ctx cancellation.
type GitAdapter interface {
	CreateStream(ctx context.Context, opts CreateStreamOptions) (string, error)
	ForkStream(ctx context.Context, parentStreamID, agentID, name string) (string, error)
	GetStreamBranchName(ctx context.Context, streamID string) (string, error)
	GetStream(ctx context.Context, streamID string) (*GitStream, error)
	ListStreams(ctx context.Context) ([]GitStream, error)
	AbandonStream(ctx context.Context, streamID string) error

	CreateWorktree(ctx context.Context, agentID, streamID string) (*GitWorktree, error)
	GetWorktree(ctx context.Context, agentID string) (*GitWorktree, error)
	UpdateWorktreeStream(ctx context.Context, agentID, streamID string) (*GitWorktree, error)
	DeallocateWorktree(ctx context.Context, agentID string) error
	ListWorktrees(ctx context.Context) ([]GitWorktree, error)

	CommitChanges(ctx context.Context, streamID, agentID, worktree, message string) (*CommitResult, error)
	GetChangesForStream(ctx context.Context, streamID string) ([]GitOperation, error)
	GetOperations(ctx context.Context) ([]GitOperation, error)
	GetChildStreams(ctx context.Context, streamID string) ([]GitStream, error)
	RollbackToOperation(ctx context.Context, operationID, streamID, agentID, worktree string) error

	// Raw fallbacks used for promotion, tagging and buffer bootstrap.
	Checkout(ctx context.Context, ref string) error
	MergeNoFF(ctx context.Context, branch, message string) (string, error)
	MergeFFOnly(ctx context.Context, ref string) error
	MergeAbort(ctx context.Context) error
	RevParse(ctx context.Context, ref string) (string, error)
	Tag(ctx context.Context, name, ref string) error
	BranchExists(ctx context.Context, name string) (bool, error)
	CreateBranch(ctx context.Context, name, from string) error
}

// GitCapabilities declares which optional driver operations are available.
// Callers probe support explicitly instead of swallowing failures from
// older drivers.
type GitCapabilities struct {
	OperationLog bool // GetOperations / RollbackToOperation
	ChangeIDs    bool // CommitChanges returns a stable ChangeID
	Worktrees    bool
}

// CapabilityProber is implemented by adapters that can report their
// optional capabilities.
type CapabilityProber interface {
	Capabilities() GitCapabilities
}
