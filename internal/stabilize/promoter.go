package stabilize

import (
	"context"
	"fmt"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
)

// BranchPromoter fast-forwards the release branch to the buffer head or
// to a recorded green tag. Fast-forward only: the release branch never
// diverges from the buffer.
type BranchPromoter struct {
	store  *store.Store
	git    core.GitAdapter
	policy *policy.Engine
	bus    *events.Bus
	logger *logging.Logger
}

// NewBranchPromoter creates a promoter.
func NewBranchPromoter(st *store.Store, git core.GitAdapter, pol *policy.Engine, bus *events.Bus, logger *logging.Logger) *BranchPromoter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BranchPromoter{store: st, git: git, policy: pol, bus: bus, logger: logger}
}

// Promote fast-forwards the promote target. fromRef selects the source:
// empty means the buffer head, otherwise a green tag (or any ref that
// the buffer fast-forwards from). Manual promotion requires a
// maintainer. The working copy is restored to the buffer branch on
// every path.
func (p *BranchPromoter) Promote(ctx context.Context, repoID string, trigger core.PromotionTrigger, agentID, fromRef string) (*core.Promotion, error) {
	repo, err := p.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	if trigger == core.TriggerManual {
		isMaint, err := p.policy.IsMaintainer(ctx, repoID, agentID)
		if err != nil {
			return nil, err
		}
		if !isMaint {
			return nil, core.ErrPermission(core.CodeInsufficientPermissions,
				"manual promotion requires a maintainer role")
		}
	}

	source := fromRef
	if source == "" {
		source = repo.BufferBranch
	}
	sourceCommit, err := p.git.RevParse(ctx, source)
	if err != nil {
		return nil, core.ErrGit(core.CodePromoteFailed,
			fmt.Sprintf("promotion source %s does not resolve", source)).WithCause(err)
	}

	exists, err := p.git.BranchExists(ctx, repo.PromoteTarget)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := p.git.CreateBranch(ctx, repo.PromoteTarget, source); err != nil {
			return nil, core.ErrGit(core.CodePromoteFailed,
				fmt.Sprintf("creating %s", repo.PromoteTarget)).WithCause(err)
		}
	}

	fromCommit, err := p.git.RevParse(ctx, repo.PromoteTarget)
	if err != nil {
		return nil, err
	}

	if err := p.git.Checkout(ctx, repo.PromoteTarget); err != nil {
		return nil, err
	}
	// Whatever happens next, leave the working copy on the buffer.
	defer func() {
		if cerr := p.git.Checkout(ctx, repo.BufferBranch); cerr != nil {
			p.logger.Error("restoring buffer checkout after promotion failed",
				"repo_id", repoID, "error", cerr)
		}
	}()

	if err := p.git.MergeFFOnly(ctx, source); err != nil {
		return nil, core.ErrGit(core.CodePromoteFailed,
			fmt.Sprintf("%s does not fast-forward to %s", repo.PromoteTarget, source)).
			WithCause(err)
	}

	promo := &core.Promotion{
		RepoID:      repoID,
		FromBranch:  source,
		ToBranch:    repo.PromoteTarget,
		FromCommit:  fromCommit,
		ToCommit:    sourceCommit,
		TriggeredBy: trigger,
		AgentID:     agentID,
	}
	if err := p.store.InsertPromotion(ctx, promo); err != nil {
		p.logger.Warn("recording promotion failed", "repo_id", repoID, "error", err)
	}

	p.bus.Publish(events.NewPromoteEvent(repoID, source, repo.PromoteTarget, sourceCommit, string(trigger)))
	p.logger.Info("promotion complete",
		"repo_id", repoID, "from", source, "to", repo.PromoteTarget, "commit", sourceCommit)
	return promo, nil
}
