// Package stream implements the stream lifecycle: workspace creation,
// commits, review submission and abandonment. The git driver owns
// branches; the policy store mirrors streams for permissions and sync.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
)

// Merger integrates a stream into the buffer. Wired after construction
// to keep the merge orchestrator layered above the registry.
type Merger interface {
	Merge(ctx context.Context, streamID, agentID string) (*core.MergeRecord, error)
}

// Registry coordinates stream operations across the git driver and the
// policy store.
type Registry struct {
	store  *store.Store
	git    core.GitAdapter
	policy *policy.Engine
	bus    *events.Bus
	logger *logging.Logger
	merger Merger
}

// NewRegistry creates a stream registry.
func NewRegistry(st *store.Store, git core.GitAdapter, pol *policy.Engine, bus *events.Bus, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{store: st, git: git, policy: pol, bus: bus, logger: logger}
}

// SetMerger wires the merge orchestrator used for swarm-mode auto-merge.
func (r *Registry) SetMerger(m Merger) {
	r.merger = m
}

// validTransition is the stream state machine. Terminal states permit
// nothing; in_review may fall back to active on requested changes.
func validTransition(from, to core.StreamStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case core.StreamActive:
		return to == core.StreamInReview || to == core.StreamMerged ||
			to == core.StreamAbandoned || to == core.StreamReverted
	case core.StreamInReview:
		return to == core.StreamActive || to == core.StreamMerged ||
			to == core.StreamAbandoned
	}
	return false
}

func invalidTransition(from, to core.StreamStatus) error {
	return core.ErrState(core.CodeInvalidTransition,
		fmt.Sprintf("stream cannot move from %s to %s", from, to)).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// CreateWorkspaceOptions configures workspace creation.
type CreateWorkspaceOptions struct {
	AgentID      string
	RepoID       string
	Name         string
	Task         string
	ParentStream string // fork from this stream instead of the buffer
	Source       core.StreamSource
}

// Workspace is the result of workspace creation: the new stream and the
// agent's worktree.
type Workspace struct {
	Stream   *core.Stream
	Worktree *core.GitWorktree
	// Warning is set when the policy mirror write failed after the git
	// branch was created. The workspace is usable; visibility to other
	// agents is degraded until the next write repairs the row.
	Warning string
}

// CreateWorkspace allocates a stream and checks the agent's worktree out
// to it. Requires write access. With a parent stream the new stream
// forks from the parent's branch and records the dependency.
func (r *Registry) CreateWorkspace(ctx context.Context, opts CreateWorkspaceOptions) (*Workspace, error) {
	if err := r.policy.CanPerform(ctx, opts.AgentID, opts.RepoID, core.ActionWrite); err != nil {
		return nil, err
	}
	repo, err := r.store.GetRepo(ctx, opts.RepoID)
	if err != nil {
		return nil, err
	}
	if opts.Source == "" {
		opts.Source = core.SourceCLI
	}

	var streamID string
	if opts.ParentStream != "" {
		parent, err := r.store.GetStream(ctx, opts.ParentStream)
		if err != nil {
			return nil, err
		}
		if parent.Status.Terminal() {
			return nil, core.ErrState(core.CodeInvalidTransition,
				fmt.Sprintf("cannot fork from %s stream %s", parent.Status, parent.ID))
		}
		streamID, err = r.git.ForkStream(ctx, opts.ParentStream, opts.AgentID, opts.Name)
		if err != nil {
			return nil, err
		}
	} else {
		streamID, err = r.git.CreateStream(ctx, core.CreateStreamOptions{
			Name:    opts.Name,
			AgentID: opts.AgentID,
			Base:    repo.BufferBranch,
		})
		if err != nil {
			return nil, err
		}
	}

	gs, err := r.git.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	st := &core.Stream{
		ID:           streamID,
		RepoID:       opts.RepoID,
		OwnerID:      opts.AgentID,
		Branch:       gs.Branch,
		BaseBranch:   gs.Base,
		ParentStream: opts.ParentStream,
		Task:         opts.Task,
		Source:       opts.Source,
		Status:       core.StreamActive,
		ReviewStatus: core.ReviewNone,
	}

	// Dual write: git is authoritative and already succeeded, so a
	// mirror failure degrades visibility but does not roll back.
	warning := ""
	if err := r.store.UpsertStream(ctx, st); err != nil {
		warning = "stream created but not visible to other agents yet: " + err.Error()
		r.logger.Warn("stream mirror write failed",
			"stream_id", streamID, "error", err)
	}

	wt, err := r.ensureWorktree(ctx, opts.AgentID, streamID)
	if err != nil {
		return nil, err
	}

	r.bus.Publish(events.NewStreamCreatedEvent(
		opts.RepoID, streamID, opts.AgentID, st.Branch, st.BaseBranch, opts.ParentStream, opts.Task))

	return &Workspace{Stream: st, Worktree: wt, Warning: warning}, nil
}

// ensureWorktree allocates the agent's worktree or switches the existing
// one to the stream.
func (r *Registry) ensureWorktree(ctx context.Context, agentID, streamID string) (*core.GitWorktree, error) {
	existing, err := r.git.GetWorktree(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return r.git.CreateWorktree(ctx, agentID, streamID)
	}
	return r.git.UpdateWorktreeStream(ctx, agentID, streamID)
}

// SwitchWorkspace reassigns the agent's worktree to another of their
// streams.
func (r *Registry) SwitchWorkspace(ctx context.Context, agentID, streamID string) (*core.GitWorktree, error) {
	st, err := r.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return nil, core.ErrState(core.CodeInvalidTransition,
			fmt.Sprintf("stream %s is %s", streamID, st.Status))
	}
	if st.OwnerID != agentID {
		return nil, core.ErrPermission(core.CodeInsufficientPermissions,
			"only the stream owner can work in its workspace")
	}
	return r.git.UpdateWorktreeStream(ctx, agentID, streamID)
}

// CommitOutcome reports a commit plus the swarm auto-merge result.
type CommitOutcome struct {
	Stream      *core.Stream
	Commit      string
	ChangeID    string
	Merged      bool
	MergeCommit string
	// MergeErr carries a failed swarm auto-merge. The commit itself
	// landed; callers surface the conflict without discarding work.
	MergeErr error
}

// Commit stages and commits everything in the agent's worktree onto
// their current stream. In swarm mode a successful commit immediately
// attempts a buffer merge.
func (r *Registry) Commit(ctx context.Context, agentID, message string) (*CommitOutcome, error) {
	wt, err := r.git.GetWorktree(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if wt == nil || wt.StreamID == "" {
		return nil, core.ErrNotFound("worktree_not_found", "worktree", agentID)
	}

	st, err := r.store.GetStream(ctx, wt.StreamID)
	if err != nil {
		return nil, err
	}
	if st.Status != core.StreamActive {
		return nil, core.ErrState(core.CodeCannotCommitNonActive,
			fmt.Sprintf("stream %s is %s, commits require an active stream", st.ID, st.Status))
	}

	result, err := r.git.CommitChanges(ctx, st.ID, agentID, wt.Path, message)
	if err != nil {
		return nil, err
	}

	if err := r.store.AppendStreamCommit(ctx, core.StreamCommit{
		StreamID:   st.ID,
		AgentID:    agentID,
		CommitHash: result.Commit,
		ChangeID:   result.ChangeID,
		Message:    message,
		CreatedAt:  time.Now(),
	}); err != nil {
		r.logger.Warn("commit mirror write failed", "stream_id", st.ID, "error", err)
	}

	r.bus.Publish(events.NewCommitEvent(st.RepoID, st.ID, agentID, result.Commit, result.ChangeID, message))

	outcome := &CommitOutcome{Stream: st, Commit: result.Commit, ChangeID: result.ChangeID}

	repo, err := r.store.GetRepo(ctx, st.RepoID)
	if err == nil && repo.MergeMode == core.MergeModeSwarm && r.merger != nil {
		rec, mergeErr := r.merger.Merge(ctx, st.ID, agentID)
		if mergeErr != nil {
			outcome.MergeErr = mergeErr
			r.logger.Warn("swarm auto-merge failed",
				"stream_id", st.ID, "error", mergeErr)
		} else {
			outcome.Merged = true
			outcome.MergeCommit = rec.MergeCommit
		}
	}
	return outcome, nil
}

// SubmitForReview moves an active stream into review.
func (r *Registry) SubmitForReview(ctx context.Context, streamID, agentID string) (*core.Stream, error) {
	st, err := r.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.OwnerID != agentID {
		return nil, core.ErrPermission(core.CodeInsufficientPermissions,
			"only the stream owner can submit it for review")
	}
	if !validTransition(st.Status, core.StreamInReview) {
		return nil, invalidTransition(st.Status, core.StreamInReview)
	}

	ok, err := r.store.UpdateStreamStatus(ctx, streamID, st.Status, core.StreamInReview, core.ReviewInReview)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrConcurrency(core.CodeConcurrentMerge,
			"stream changed status during submission")
	}
	st.Status = core.StreamInReview
	st.ReviewStatus = core.ReviewInReview

	r.bus.Publish(events.NewStreamSubmittedEvent(st.RepoID, streamID, agentID, st.Branch))
	return st, nil
}

// Abandon terminates a stream without merging. Allowed for the owner or
// a maintainer of the repo.
func (r *Registry) Abandon(ctx context.Context, streamID, agentID string) error {
	st, err := r.store.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return invalidTransition(st.Status, core.StreamAbandoned)
	}
	if st.OwnerID != agentID {
		isMaint, err := r.policy.IsMaintainer(ctx, st.RepoID, agentID)
		if err != nil {
			return err
		}
		if !isMaint {
			return core.ErrPermission(core.CodeInsufficientPermissions,
				"abandoning a stream requires ownership or a maintainer role")
		}
	}

	if err := r.git.AbandonStream(ctx, streamID); err != nil {
		return err
	}
	ok, err := r.store.UpdateStreamStatus(ctx, streamID, st.Status, core.StreamAbandoned, st.ReviewStatus)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrConcurrency(core.CodeConcurrentMerge,
			"stream changed status during abandonment")
	}

	r.bus.Publish(events.NewStreamAbandonedEvent(st.RepoID, streamID, agentID))
	return nil
}

// SubmitReview records a review verdict on a stream in review.
// Idempotent per reviewer; resubmitting replaces the earlier verdict.
// Self-review is rejected.
func (r *Registry) SubmitReview(ctx context.Context, streamID, reviewerID, verdict, feedback string, isHuman, tested bool) (*core.Review, error) {
	v, ok := core.NormalizeVerdict(verdict)
	if !ok {
		return nil, core.ErrValidation(core.CodeInvalidVerdict,
			fmt.Sprintf("unknown verdict %q", verdict))
	}

	st, err := r.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.OwnerID == reviewerID {
		return nil, core.ErrPolicy(core.CodeSelfReview, "reviewing your own stream is not allowed")
	}
	if st.Status != core.StreamInReview && st.Status != core.StreamActive {
		return nil, core.ErrState(core.CodeInvalidTransition,
			fmt.Sprintf("stream %s is %s, reviews require active or in_review", streamID, st.Status))
	}
	if err := r.policy.CanPerform(ctx, reviewerID, st.RepoID, core.ActionRead); err != nil {
		return nil, err
	}

	review := &core.Review{
		StreamID:   streamID,
		ReviewerID: reviewerID,
		Verdict:    v,
		Feedback:   feedback,
		IsHuman:    isHuman,
		Tested:     tested,
		ReviewedAt: time.Now(),
	}
	if err := r.store.UpsertReview(ctx, *review); err != nil {
		return nil, err
	}

	if v == core.VerdictRequestChanges && st.Status == core.StreamInReview {
		if _, err := r.store.UpdateStreamStatus(ctx, streamID,
			core.StreamInReview, core.StreamInReview, core.ReviewChangesRequested); err != nil {
			r.logger.Warn("review state update failed", "stream_id", streamID, "error", err)
		}
	}

	r.bus.Publish(events.NewReviewSubmittedEvent(st.RepoID, streamID, reviewerID, string(v), isHuman))

	// Publish the consensus verdict so plugins and sync observe it.
	res, err := r.policy.CheckConsensus(ctx, streamID)
	if err == nil {
		r.bus.Publish(events.NewConsensusEvent(st.RepoID, streamID, res.Reached, res.Reason, res.Metrics["ratio"]))
	}
	return review, nil
}
