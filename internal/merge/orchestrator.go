package merge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
)

// Coordinator is the optional connection to the sync server. Nil when
// running standalone; all server paths then fall back to local policy.
type Coordinator interface {
	Connected() bool
	// FlushReviews drains queued review and consensus events before a
	// server-authority consensus check. Returns the event types that
	// could not be delivered.
	FlushReviews(ctx context.Context) ([]string, error)
	// CheckConsensus asks the server for the authoritative verdict.
	CheckConsensus(ctx context.Context, repoID, streamID string) (*policy.ConsensusResult, error)
	// RequestMerge asks the server to approve a gated merge.
	RequestMerge(ctx context.Context, repoID, streamID, agentID string) (bool, string, error)
	// QueueMergeRequest enqueues a merge_requested event for later flush
	// when the server cannot be reached.
	QueueMergeRequest(ctx context.Context, repoID, streamID, agentID string) error
	// ReportMerge sends a completed merge upstream, queueing on failure.
	ReportMerge(ctx context.Context, rec *core.MergeRecord) error
}

// operationRecorder is implemented by git drivers that keep an
// operation log; merges are recorded when available.
type operationRecorder interface {
	RecordOperation(kind, streamID, commit string) error
}

// Orchestrator performs buffer merges under the merge lock.
type Orchestrator struct {
	store  *store.Store
	git    core.GitAdapter
	policy *policy.Engine
	bus    *events.Bus
	lock   *Lock
	logger *logging.Logger
	coord  Coordinator
}

// NewOrchestrator creates a merge orchestrator.
func NewOrchestrator(st *store.Store, git core.GitAdapter, pol *policy.Engine, bus *events.Bus, lock *Lock, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{store: st, git: git, policy: pol, bus: bus, lock: lock, logger: logger}
}

// SetCoordinator wires the sync connection used for gated merges and
// server-authority consensus.
func (o *Orchestrator) SetCoordinator(c Coordinator) {
	o.coord = c
}

// Merge integrates a stream into the repo's buffer branch. The full
// pipeline: eligibility, mode gate, lock, no-ff merge, transactional
// status flip, record, events, upstream report.
func (o *Orchestrator) Merge(ctx context.Context, streamID, agentID string) (*core.MergeRecord, error) {
	st, err := o.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.Status == core.StreamMerged {
		return nil, core.ErrState(core.CodeAlreadyMerged,
			fmt.Sprintf("stream %s is already merged", streamID))
	}
	if st.Status.Terminal() {
		return nil, core.ErrState(core.CodeInvalidTransition,
			fmt.Sprintf("stream %s is %s", streamID, st.Status))
	}

	repo, err := o.store.GetRepo(ctx, st.RepoID)
	if err != nil {
		return nil, err
	}

	// Fresh merges come from in_review; swarm mode also merges active
	// streams straight off a commit.
	if st.Status != core.StreamInReview &&
		!(st.Status == core.StreamActive && repo.MergeMode == core.MergeModeSwarm) {
		return nil, core.ErrState(core.CodeInvalidTransition,
			fmt.Sprintf("stream %s is %s, merges require in_review", streamID, st.Status))
	}

	// A forked stream may not land before its parent.
	if st.ParentStream != "" {
		parent, err := o.store.GetStream(ctx, st.ParentStream)
		if err != nil {
			return nil, err
		}
		if parent.Status != core.StreamMerged {
			return nil, core.ErrState(core.CodeParentNotMerged,
				fmt.Sprintf("parent stream %s is %s, merge it first", parent.ID, parent.Status)).
				WithDetail("parent_stream", parent.ID)
		}
	}

	if err := o.authorize(ctx, st, agentID); err != nil {
		return nil, err
	}
	if err := o.gate(ctx, repo, st, agentID); err != nil {
		return nil, err
	}

	if err := o.lock.Acquire(agentID); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := o.lock.Release(); rerr != nil {
			o.logger.Warn("releasing merge lock failed", "error", rerr)
		}
	}()

	return o.performMerge(ctx, repo, st, agentID)
}

// authorize allows the stream owner or a repo maintainer to trigger the
// merge.
func (o *Orchestrator) authorize(ctx context.Context, st *core.Stream, agentID string) error {
	if st.OwnerID == agentID {
		return nil
	}
	isMaint, err := o.policy.IsMaintainer(ctx, st.RepoID, agentID)
	if err != nil {
		return err
	}
	if !isMaint {
		return core.ErrPermission(core.CodeInsufficientPermissions,
			"merging requires stream ownership or a maintainer role")
	}
	return nil
}

// gate applies the repo's merge mode before any git work happens.
func (o *Orchestrator) gate(ctx context.Context, repo *core.Repository, st *core.Stream, agentID string) error {
	switch repo.MergeMode {
	case core.MergeModeSwarm:
		return nil
	case core.MergeModeGated:
		return o.gateGated(ctx, repo, st, agentID)
	default:
		return o.gateReview(ctx, repo, st, agentID)
	}
}

// gateGated: with a server connection the server approves; without one
// maintainers may merge locally, and consensus still applies.
func (o *Orchestrator) gateGated(ctx context.Context, repo *core.Repository, st *core.Stream, agentID string) error {
	if o.coord != nil && o.coord.Connected() {
		approved, reason, err := o.coord.RequestMerge(ctx, repo.ID, st.ID, agentID)
		if err != nil {
			if core.IsCategory(err, core.ErrCatNetwork) || core.IsCategory(err, core.ErrCatTimeout) {
				// No local bypass in gated mode: queue and fail.
				if qerr := o.coord.QueueMergeRequest(ctx, repo.ID, st.ID, agentID); qerr != nil {
					o.logger.Warn("queueing merge request failed", "stream_id", st.ID, "error", qerr)
				}
				return core.ErrNetwork(core.CodeServerUnavailableForGated,
					"gated merges need the server, and it is unreachable").WithCause(err)
			}
			return err
		}
		if !approved {
			return core.ErrConsensus(core.CodeGatedMode,
				fmt.Sprintf("server declined the merge: %s", reason))
		}
		return nil
	}

	isMaint, err := o.policy.IsMaintainer(ctx, repo.ID, agentID)
	if err != nil {
		return err
	}
	if !isMaint {
		return core.ErrPermission(core.CodeGatedMode,
			"gated merges without a server connection are restricted to maintainers")
	}
	return o.gateReview(ctx, repo, st, agentID)
}

// gateReview: consensus must be reached. With server authority the
// queued reviews are flushed first so the server votes on complete
// data; there is no local fallback once authority moved to the server.
func (o *Orchestrator) gateReview(ctx context.Context, repo *core.Repository, st *core.Stream, agentID string) error {
	res, err := o.consensusFor(ctx, repo, st, agentID)
	if err != nil {
		return err
	}

	ratio := res.Metrics["ratio"]
	o.bus.Publish(events.NewConsensusEvent(repo.ID, st.ID, res.Reached, res.Reason, ratio))

	if !res.Reached {
		return core.ErrConsensus(res.Reason,
			fmt.Sprintf("consensus not reached for stream %s: %s", st.ID, res.Reason)).
			WithDetail("metrics", res.Metrics)
	}
	return nil
}

func (o *Orchestrator) consensusFor(ctx context.Context, repo *core.Repository, st *core.Stream, agentID string) (*policy.ConsensusResult, error) {
	if repo.ConsensusAuthority != core.AuthorityServer || o.coord == nil {
		return o.policy.CheckConsensus(ctx, st.ID)
	}

	failed, err := o.coord.FlushReviews(ctx)
	if err == nil && reviewCritical(failed) {
		return nil, core.ErrNetwork(core.CodeReviewSyncIncomplete,
			fmt.Sprintf("queued %v events did not reach the server, flush and retry", failed))
	}
	if err == nil {
		res, cerr := o.coord.CheckConsensus(ctx, repo.ID, st.ID)
		if cerr == nil {
			return res, nil
		}
		if !core.IsCategory(cerr, core.ErrCatNetwork) && !core.IsCategory(cerr, core.ErrCatTimeout) {
			return nil, cerr
		}
		err = cerr
	}

	// Server owns consensus and cannot be reached: queue the request,
	// never answer locally.
	if qerr := o.coord.QueueMergeRequest(ctx, repo.ID, st.ID, agentID); qerr != nil {
		o.logger.Warn("queueing merge request failed", "stream_id", st.ID, "error", qerr)
	}
	return nil, core.ErrNetwork(core.CodeServerUnavailable,
		"consensus authority is the server, and it is unreachable").WithCause(err)
}

// reviewCritical reports whether any undelivered event type would change
// the server's consensus answer.
func reviewCritical(types []string) bool {
	for _, t := range types {
		if t == "review" || t == "submit_review" || t == "submit_for_review" {
			return true
		}
	}
	return false
}

// performMerge does the git merge and the transactional bookkeeping.
// Caller holds the lock.
func (o *Orchestrator) performMerge(ctx context.Context, repo *core.Repository, st *core.Stream, agentID string) (*core.MergeRecord, error) {
	if err := o.git.Checkout(ctx, repo.BufferBranch); err != nil {
		return nil, err
	}

	rec := &core.MergeRecord{
		RepoID:       repo.ID,
		StreamID:     st.ID,
		AgentID:      agentID,
		TargetBranch: repo.BufferBranch,
	}

	err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		// Re-read under the transaction; another process may have raced
		// us between the eligibility check and the lock.
		fresh, err := o.store.GetStreamTx(ctx, tx, st.ID)
		if err != nil {
			return err
		}
		if fresh.Status != st.Status {
			return core.ErrConcurrency(core.CodeConcurrentMerge,
				fmt.Sprintf("stream %s changed to %s during merge", st.ID, fresh.Status))
		}

		mergeCommit, err := o.git.MergeNoFF(ctx, st.Branch,
			fmt.Sprintf("Merge stream %s into %s", st.Branch, repo.BufferBranch))
		if err != nil {
			return err
		}
		rec.MergeCommit = mergeCommit

		ok, err := o.store.UpdateStreamStatusTx(ctx, tx, st.ID, st.Status, core.StreamMerged, core.ReviewApproved)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrConcurrency(core.CodeConcurrentMerge,
				fmt.Sprintf("stream %s status guard failed", st.ID))
		}
		return o.store.InsertMergeTx(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}

	if or, ok := o.git.(operationRecorder); ok {
		if rerr := or.RecordOperation("merge", st.ID, rec.MergeCommit); rerr != nil {
			o.logger.Warn("recording merge operation failed", "stream_id", st.ID, "error", rerr)
		}
	}
	if err := o.store.RefreshRepoCounters(ctx, repo.ID); err != nil {
		o.logger.Warn("refreshing repo counters failed", "repo_id", repo.ID, "error", err)
	}

	o.bus.PublishPriority(events.NewStreamMergedEvent(repo.ID, st.ID, agentID, rec.MergeCommit, repo.BufferBranch))

	if o.coord != nil {
		if rerr := o.coord.ReportMerge(ctx, rec); rerr != nil {
			o.logger.Warn("reporting merge upstream failed", "stream_id", st.ID, "error", rerr)
		}
	}

	o.logger.Info("stream merged",
		"stream_id", st.ID, "merge_commit", rec.MergeCommit, "target", repo.BufferBranch)
	return rec, nil
}
