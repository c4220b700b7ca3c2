// Package stage advances repositories through the maturity ladder
// seed → growth → established → mature based on contribution metrics.
package stage

import (
	"context"
	"fmt"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/store"
)

// thresholds gate entry into each stage.
type thresholds struct {
	Contributors   int
	Patches        int
	Maintainers    int
	RequireCouncil bool
}

var stageThresholds = map[core.Stage]thresholds{
	core.StageGrowth:      {Contributors: 2, Patches: 3, Maintainers: 1},
	core.StageEstablished: {Contributors: 5, Patches: 10, Maintainers: 2},
	core.StageMature:      {Contributors: 10, Patches: 25, Maintainers: 3, RequireCouncil: true},
}

// Engine evaluates and applies stage advancement.
type Engine struct {
	store  *store.Store
	logger *logging.Logger
}

// NewEngine creates a stage engine.
func NewEngine(st *store.Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{store: st, logger: logger}
}

// Eligibility is the result of an advancement check.
type Eligibility struct {
	Eligible          bool
	NextStage         core.Stage
	UnmetRequirements []string
	Metrics           map[string]int
}

// CheckAdvancementEligibility computes the repo's metrics and compares
// them to the next stage's thresholds.
func (e *Engine) CheckAdvancementEligibility(ctx context.Context, repoID string) (*Eligibility, error) {
	repo, err := e.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	idx := core.StageIndex(repo.Stage)
	if idx < 0 {
		return nil, core.ErrValidation(core.CodeInvalidStage,
			fmt.Sprintf("repo has unknown stage %q", repo.Stage))
	}
	if idx == len(core.StageOrder)-1 {
		return &Eligibility{Eligible: false, NextStage: repo.Stage,
			UnmetRequirements: []string{"already at the final stage"}}, nil
	}
	next := core.StageOrder[idx+1]
	req := stageThresholds[next]

	// Counters are refreshed from the stream tables so stale cached
	// values never block advancement.
	if err := e.store.RefreshRepoCounters(ctx, repoID); err != nil {
		return nil, err
	}
	repo, err = e.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	maintainers, err := e.store.ListMaintainers(ctx, repoID)
	if err != nil {
		return nil, err
	}

	contributors := nonNegative(repo.ContributorCount)
	patches := nonNegative(repo.PatchCount)
	maintainerCount := len(maintainers)

	res := &Eligibility{
		NextStage: next,
		Metrics: map[string]int{
			"contributors": contributors,
			"patches":      patches,
			"maintainers":  maintainerCount,
		},
	}
	if contributors < req.Contributors {
		res.UnmetRequirements = append(res.UnmetRequirements,
			fmt.Sprintf("contributors %d < %d", contributors, req.Contributors))
	}
	if patches < req.Patches {
		res.UnmetRequirements = append(res.UnmetRequirements,
			fmt.Sprintf("patches %d < %d", patches, req.Patches))
	}
	if maintainerCount < req.Maintainers {
		res.UnmetRequirements = append(res.UnmetRequirements,
			fmt.Sprintf("maintainers %d < %d", maintainerCount, req.Maintainers))
	}
	if req.RequireCouncil && !e.hasActiveCouncil(maintainerCount) {
		res.UnmetRequirements = append(res.UnmetRequirements, "no active council")
	}
	res.Eligible = len(res.UnmetRequirements) == 0
	return res, nil
}

// hasActiveCouncil: a council exists once enough maintainers can form
// one. Council proposals themselves live on the coordinator.
func (e *Engine) hasActiveCouncil(maintainerCount int) bool {
	return maintainerCount >= stageThresholds[core.StageMature].Maintainers
}

// AdvanceStage moves the repo to the next stage. force skips the
// threshold check (operator override) and is recorded as such.
func (e *Engine) AdvanceStage(ctx context.Context, repoID string, force bool) (*core.StageHistory, error) {
	repo, err := e.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	idx := core.StageIndex(repo.Stage)
	if idx < 0 || idx == len(core.StageOrder)-1 {
		return nil, core.ErrState(core.CodeInvalidStage,
			fmt.Sprintf("repo cannot advance from stage %q", repo.Stage))
	}
	next := core.StageOrder[idx+1]

	reason := "thresholds met"
	if force {
		reason = "forced"
	} else {
		elig, err := e.CheckAdvancementEligibility(ctx, repoID)
		if err != nil {
			return nil, err
		}
		if !elig.Eligible {
			return nil, core.ErrState(core.CodeInvalidStage,
				fmt.Sprintf("repo not eligible for %s: %v", next, elig.UnmetRequirements)).
				WithDetail("unmet_requirements", elig.UnmetRequirements)
		}
	}

	return e.applyStage(ctx, repo, next, reason, force)
}

// SetStage moves the repo to an arbitrary stage, bypassing thresholds.
func (e *Engine) SetStage(ctx context.Context, repoID string, stage core.Stage, reason string) (*core.StageHistory, error) {
	if core.StageIndex(stage) < 0 {
		return nil, core.ErrValidation(core.CodeInvalidStage,
			fmt.Sprintf("unknown stage %q", stage))
	}
	repo, err := e.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "operator override"
	}
	return e.applyStage(ctx, repo, stage, reason, true)
}

func (e *Engine) applyStage(ctx context.Context, repo *core.Repository, to core.Stage, reason string, forced bool) (*core.StageHistory, error) {
	h := &core.StageHistory{
		RepoID:    repo.ID,
		FromStage: repo.Stage,
		ToStage:   to,
		Reason:    reason,
		Forced:    forced,
	}
	if err := e.store.SetStage(ctx, repo.ID, to); err != nil {
		return nil, err
	}
	if err := e.store.AddStageHistory(ctx, h); err != nil {
		e.logger.Warn("recording stage history failed", "repo_id", repo.ID, "error", err)
	}
	e.logger.Info("repo stage changed",
		"repo_id", repo.ID, "from", string(h.FromStage), "to", string(to), "forced", forced)
	return h, nil
}

// CheckAllReposForAdvancement sweeps every non-mature repo and advances
// the eligible ones. Returns the advanced repo ids.
func (e *Engine) CheckAllReposForAdvancement(ctx context.Context) ([]string, error) {
	repos, err := e.store.ListRepos(ctx)
	if err != nil {
		return nil, err
	}

	var advanced []string
	for i := range repos {
		repo := &repos[i]
		if repo.Stage == core.StageMature {
			continue
		}
		elig, err := e.CheckAdvancementEligibility(ctx, repo.ID)
		if err != nil {
			e.logger.Warn("advancement check failed", "repo_id", repo.ID, "error", err)
			continue
		}
		if !elig.Eligible {
			continue
		}
		if _, err := e.AdvanceStage(ctx, repo.ID, false); err != nil {
			e.logger.Warn("auto-advancement failed", "repo_id", repo.ID, "error", err)
			continue
		}
		advanced = append(advanced, repo.ID)
	}
	return advanced, nil
}

// nonNegative guards counts read from storage against nulls scanned as
// negative sentinels.
func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
