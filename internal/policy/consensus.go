package policy

import (
	"context"
	"math"

	"github.com/gitswarm/gitswarm/internal/core"
)

// Consensus reason codes reported in ConsensusResult.Reason.
const (
	ReasonSwarmMode           = "swarm_mode"
	ReasonInsufficientReviews = "insufficient_reviews"
	ReasonAwaitingOwner       = "awaiting_owner"
	ReasonNoMaintainerReviews = "no_maintainer_reviews"
	ReasonNoReviews           = "no_reviews"
	ReasonThresholdMet        = "threshold_met"
	ReasonBelowThreshold      = "below_threshold"
	ReasonOwnerApproved       = "owner_approved"
	ReasonRepoNotFound        = "repo_not_found"
)

// ConsensusResult is the verdict of consensus evaluation. Failure
// reasons are status values, not errors.
type ConsensusResult struct {
	Reached bool               `json:"reached"`
	Reason  string             `json:"reason"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ReviewWeight returns the consensus weight of one review. Human reviews
// carry the repo's configured weight; agent reviews are karma-weighted
// with sqrt(karma+1), strictly monotonic in karma.
func ReviewWeight(review core.Review, karma int, humanWeight float64) float64 {
	if review.IsHuman {
		return humanWeight
	}
	return math.Sqrt(float64(karma) + 1)
}

// CheckConsensus evaluates whether a stream has collected enough
// approvals to merge, per the repo's ownership model and merge mode.
func (e *Engine) CheckConsensus(ctx context.Context, streamID string) (*ConsensusResult, error) {
	stream, err := e.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	repo, err := e.store.GetRepo(ctx, stream.RepoID)
	if err != nil {
		if core.IsCode(err, core.CodeRepoNotFound) {
			return &ConsensusResult{Reached: false, Reason: ReasonRepoNotFound}, nil
		}
		return nil, err
	}

	if repo.MergeMode == core.MergeModeSwarm {
		return &ConsensusResult{Reached: true, Reason: ReasonSwarmMode}, nil
	}

	reviews, err := e.store.ListReviews(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if len(reviews) < repo.MinReviews {
		return &ConsensusResult{
			Reached: false,
			Reason:  ReasonInsufficientReviews,
			Metrics: map[string]float64{
				"reviews":     float64(len(reviews)),
				"min_reviews": float64(repo.MinReviews),
			},
		}, nil
	}

	switch repo.OwnershipModel {
	case core.OwnershipSolo:
		return e.soloConsensus(ctx, repo, reviews)
	case core.OwnershipGuild:
		return e.guildConsensus(ctx, repo, reviews)
	default:
		return e.openConsensus(ctx, repo, reviews)
	}
}

// soloConsensus: reached iff some approving reviewer is a maintainer.
func (e *Engine) soloConsensus(ctx context.Context, repo *core.Repository, reviews []core.Review) (*ConsensusResult, error) {
	for _, r := range reviews {
		if r.Verdict != core.VerdictApprove {
			continue
		}
		m, err := e.store.GetMaintainer(ctx, repo.ID, r.ReviewerID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return &ConsensusResult{Reached: true, Reason: ReasonOwnerApproved}, nil
		}
	}
	return &ConsensusResult{Reached: false, Reason: ReasonAwaitingOwner}, nil
}

// guildConsensus: among maintainer reviews only, approvals vs change
// requests against the threshold.
func (e *Engine) guildConsensus(ctx context.Context, repo *core.Repository, reviews []core.Review) (*ConsensusResult, error) {
	var approvals, rejections float64
	for _, r := range reviews {
		m, err := e.store.GetMaintainer(ctx, repo.ID, r.ReviewerID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		switch r.Verdict {
		case core.VerdictApprove:
			approvals++
		case core.VerdictRequestChanges:
			rejections++
		}
	}

	total := approvals + rejections
	if total == 0 {
		return &ConsensusResult{Reached: false, Reason: ReasonNoMaintainerReviews}, nil
	}

	ratio := approvals / total
	result := &ConsensusResult{
		Reached: ratio >= repo.ConsensusThreshold,
		Metrics: map[string]float64{
			"approvals":  approvals,
			"rejections": rejections,
			"ratio":      ratio,
			"threshold":  repo.ConsensusThreshold,
		},
	}
	if result.Reached {
		result.Reason = ReasonThresholdMet
	} else {
		result.Reason = ReasonBelowThreshold
	}
	return result, nil
}

// openConsensus: karma-weighted community vote.
func (e *Engine) openConsensus(ctx context.Context, repo *core.Repository, reviews []core.Review) (*ConsensusResult, error) {
	var approvalW, rejectionW float64
	for _, r := range reviews {
		karma := 0
		if !r.IsHuman {
			agent, err := e.store.GetAgent(ctx, r.ReviewerID)
			if err == nil {
				karma = agent.Karma
			} else if !core.IsCode(err, core.CodeAgentNotFound) {
				return nil, err
			}
		}
		w := ReviewWeight(r, karma, repo.HumanReviewWeight)
		switch r.Verdict {
		case core.VerdictApprove:
			approvalW += w
		case core.VerdictRequestChanges:
			rejectionW += w
		}
	}

	total := approvalW + rejectionW
	if total == 0 {
		return &ConsensusResult{Reached: false, Reason: ReasonNoReviews}, nil
	}

	ratio := approvalW / total
	result := &ConsensusResult{
		Reached: ratio >= repo.ConsensusThreshold,
		Metrics: map[string]float64{
			"approval_weight":  approvalW,
			"rejection_weight": rejectionW,
			"ratio":            ratio,
			"threshold":        repo.ConsensusThreshold,
		},
	}
	if result.Reached {
		result.Reason = ReasonThresholdMet
	} else {
		result.Reason = ReasonBelowThreshold
	}
	return result, nil
}
