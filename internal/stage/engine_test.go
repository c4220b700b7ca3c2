package stage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/testutil"
)

// seedMergedStreams inserts n merged streams, each from a distinct owner,
// so contributor and patch counters both advance.
func seedMergedStreams(t *testing.T, st interface {
	UpsertStream(context.Context, *core.Stream) error
}, repoID string, owners []*core.Agent, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		owner := owners[i%len(owners)]
		s := &core.Stream{
			ID:           fmt.Sprintf("st-%s-%d", repoID, i),
			RepoID:       repoID,
			OwnerID:      owner.ID,
			Branch:       fmt.Sprintf("swarm/patch-%d", i),
			BaseBranch:   "buffer",
			Source:       core.SourceCLI,
			Status:       core.StreamMerged,
			ReviewStatus: core.ReviewApproved,
		}
		if err := st.UpsertStream(context.Background(), s); err != nil {
			t.Fatalf("seeding merged stream %d: %v", i, err)
		}
	}
}

func TestCheckAdvancementEligibilitySeedRepo(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)

	eng := stage.NewEngine(st, nil)
	elig, err := eng.CheckAdvancementEligibility(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if elig.Eligible {
		t.Error("empty repo eligible for growth")
	}
	if elig.NextStage != core.StageGrowth {
		t.Errorf("next stage = %s", elig.NextStage)
	}
	if len(elig.UnmetRequirements) != 3 {
		t.Errorf("unmet = %v", elig.UnmetRequirements)
	}
}

func TestAdvanceToGrowth(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	peer, _ := testutil.SeedAgent(t, st, "peer")

	// Growth needs 2 contributors, 3 merged patches, 1 maintainer.
	seedMergedStreams(t, st, repo.ID, []*core.Agent{owner, peer}, 3)

	eng := stage.NewEngine(st, nil)
	elig, err := eng.CheckAdvancementEligibility(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !elig.Eligible {
		t.Fatalf("not eligible: %v (metrics %v)", elig.UnmetRequirements, elig.Metrics)
	}

	h, err := eng.AdvanceStage(ctx, repo.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if h.FromStage != core.StageSeed || h.ToStage != core.StageGrowth || h.Forced {
		t.Errorf("history: %+v", h)
	}
	got, err := st.GetRepo(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != core.StageGrowth {
		t.Errorf("stage = %s", got.Stage)
	}
}

func TestAdvanceBlockedBelowThresholds(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)

	// One contributor, two patches: short of growth on both counts.
	seedMergedStreams(t, st, repo.ID, []*core.Agent{owner}, 2)

	eng := stage.NewEngine(st, nil)
	_, err := eng.AdvanceStage(ctx, repo.ID, false)
	if !core.IsCode(err, core.CodeInvalidStage) {
		t.Fatalf("expected invalid_stage, got %v", err)
	}
}

func TestAdvanceForced(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)

	eng := stage.NewEngine(st, nil)
	h, err := eng.AdvanceStage(ctx, repo.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Forced || h.Reason != "forced" || h.ToStage != core.StageGrowth {
		t.Errorf("forced advance: %+v", h)
	}
}

func TestMatureRequiresCouncil(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)

	eng := stage.NewEngine(st, nil)
	if _, err := eng.SetStage(ctx, repo.ID, core.StageEstablished, "test setup"); err != nil {
		t.Fatal(err)
	}

	// 10 contributors and 25 patches, but only 2 maintainers: no council.
	var owners []*core.Agent
	for i := 0; i < 10; i++ {
		role := core.RoleMaintainer
		agent, _ := testutil.SeedAgent(t, st, fmt.Sprintf("agent-%d", i))
		if i < 2 {
			if err := st.AddMaintainer(ctx, repo.ID, agent.ID, role); err != nil {
				t.Fatal(err)
			}
		}
		owners = append(owners, agent)
	}
	seedMergedStreams(t, st, repo.ID, owners, 25)

	elig, err := eng.CheckAdvancementEligibility(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if elig.Eligible {
		t.Fatal("mature reached without council")
	}
	found := false
	for _, r := range elig.UnmetRequirements {
		if r == "maintainers 2 < 3" || r == "no active council" {
			found = true
		}
	}
	if !found {
		t.Errorf("unmet = %v", elig.UnmetRequirements)
	}
}

func TestSetStageRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)

	eng := stage.NewEngine(st, nil)
	if _, err := eng.SetStage(ctx, repo.ID, core.Stage("ossified"), ""); !core.IsCode(err, core.CodeInvalidStage) {
		t.Fatalf("unknown stage: %v", err)
	}
}

func TestFinalStageCannotAdvance(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)

	eng := stage.NewEngine(st, nil)
	if _, err := eng.SetStage(ctx, repo.ID, core.StageMature, "test setup"); err != nil {
		t.Fatal(err)
	}
	elig, err := eng.CheckAdvancementEligibility(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if elig.Eligible {
		t.Error("mature repo eligible to advance")
	}
	if _, err := eng.AdvanceStage(ctx, repo.ID, true); !core.IsCode(err, core.CodeInvalidStage) {
		t.Errorf("advance past mature: %v", err)
	}
}

func TestCheckAllReposForAdvancement(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	peer, _ := testutil.SeedAgent(t, st, "peer")
	seedMergedStreams(t, st, repo.ID, []*core.Agent{owner, peer}, 3)

	eng := stage.NewEngine(st, nil)
	advanced, err := eng.CheckAllReposForAdvancement(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(advanced) != 1 || advanced[0] != repo.ID {
		t.Errorf("advanced = %v", advanced)
	}

	history, err := st.ListStageHistory(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ToStage != core.StageGrowth {
		t.Errorf("history = %+v", history)
	}
}
