package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/testutil"
)

func TestResolvePermissionsPrecedence(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	maint, _ := testutil.SeedMaintainer(t, st, repo.ID, "maint", core.RoleMaintainer)
	granted, _ := testutil.SeedAgent(t, st, "granted")
	random, _ := testutil.SeedAgent(t, st, "random")

	exp := time.Now().Add(time.Hour)
	if err := st.UpsertGrant(ctx, core.Grant{
		RepoID: repo.ID, AgentID: granted.ID,
		AccessLevel: core.AccessMaintain, ExpiresAt: &exp,
	}); err != nil {
		t.Fatal(err)
	}

	eng := policy.NewEngine(st, nil)

	cases := []struct {
		agent      *core.Agent
		wantLevel  core.AccessLevel
		wantSource string
	}{
		{granted, core.AccessMaintain, "grant"},
		{owner, core.AccessAdmin, "owner"},
		{maint, core.AccessMaintain, "maintainer"},
		{random, core.AccessWrite, "public"},
	}
	for _, tc := range cases {
		perms, err := eng.ResolvePermissions(ctx, tc.agent.ID, repo.ID)
		if err != nil {
			t.Fatalf("%s: %v", tc.agent.Name, err)
		}
		if perms.Level != tc.wantLevel || perms.Source != tc.wantSource {
			t.Errorf("%s: level=%s source=%s, want %s/%s",
				tc.agent.Name, perms.Level, perms.Source, tc.wantLevel, tc.wantSource)
		}
	}
}

func TestExpiredGrantIgnored(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	agent, _ := testutil.SeedAgent(t, st, "expired")

	past := time.Now().Add(-time.Hour)
	if err := st.UpsertGrant(ctx, core.Grant{
		RepoID: repo.ID, AgentID: agent.ID,
		AccessLevel: core.AccessAdmin, ExpiresAt: &past,
	}); err != nil {
		t.Fatal(err)
	}

	eng := policy.NewEngine(st, nil)
	perms, err := eng.ResolvePermissions(ctx, agent.ID, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if perms.Source == "grant" {
		t.Errorf("expired grant still resolved: %+v", perms)
	}
}

func TestCanPerformDenied(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	repo.AccessMode = core.AccessModeAllowlist
	if err := st.UpdateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}
	agent, _ := testutil.SeedAgent(t, st, "outsider")

	eng := policy.NewEngine(st, nil)
	err := eng.CanPerform(ctx, agent.ID, repo.ID, core.ActionWrite)
	if !core.IsCode(err, core.CodeInsufficientPermissions) {
		t.Fatalf("expected insufficient_permissions, got %v", err)
	}
	if core.ExitCode(err) != 2 {
		t.Errorf("permission denial exit code = %d", core.ExitCode(err))
	}
}

func TestKarmaThresholdGate(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	repo.AccessMode = core.AccessModeKarmaThreshold
	repo.MinKarma = 10
	if err := st.UpdateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}
	agent, _ := testutil.SeedAgent(t, st, "climber")

	eng := policy.NewEngine(st, nil)
	perms, err := eng.ResolvePermissions(ctx, agent.ID, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if perms.Level.AtLeast(core.AccessWrite) {
		t.Errorf("zero karma got %s", perms.Level)
	}

	if err := st.AdjustKarma(ctx, agent.ID, 10); err != nil {
		t.Fatal(err)
	}
	perms, err = eng.ResolvePermissions(ctx, agent.ID, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if perms.Level != core.AccessWrite {
		t.Errorf("karma 10 got %s", perms.Level)
	}
}

func TestCanPushToBranchRules(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	maint, _ := testutil.SeedMaintainer(t, st, repo.ID, "maint", core.RoleMaintainer)
	writer, _ := testutil.SeedAgent(t, st, "writer")

	rules := []core.BranchRule{
		{RepoID: repo.ID, Pattern: "buffer", Priority: 100, DirectPush: core.DirectPushNone},
		{RepoID: repo.ID, Pattern: "main", Priority: 100, DirectPush: core.DirectPushMaintainers},
		{RepoID: repo.ID, Pattern: "swarm/*", Priority: 10, DirectPush: core.DirectPushAll},
	}
	if err := st.ReplaceBranchRules(ctx, repo.ID, rules); err != nil {
		t.Fatal(err)
	}

	eng := policy.NewEngine(st, nil)

	if err := eng.CanPushToBranch(ctx, writer.ID, repo.ID, "swarm/fix-1"); err != nil {
		t.Errorf("writer on stream branch: %v", err)
	}
	if err := eng.CanPushToBranch(ctx, writer.ID, repo.ID, "main"); !core.IsCode(err, core.CodeMaintainersOnly) {
		t.Errorf("writer on main: %v", err)
	}
	if err := eng.CanPushToBranch(ctx, maint.ID, repo.ID, "main"); err != nil {
		t.Errorf("maintainer on main: %v", err)
	}
	if err := eng.CanPushToBranch(ctx, maint.ID, repo.ID, "buffer"); !core.IsCode(err, core.CodeBranchProtected) {
		t.Errorf("maintainer on buffer: %v", err)
	}
	// No rule matches: write access governs.
	if err := eng.CanPushToBranch(ctx, writer.ID, repo.ID, "scratch"); err != nil {
		t.Errorf("writer on unruled branch: %v", err)
	}
}
