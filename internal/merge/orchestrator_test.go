package merge_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/merge"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/testutil"
)

// fakeGit stubs the git driver. Only the methods the orchestrator calls
// are implemented; anything else panics through the embedded nil.
type fakeGit struct {
	core.GitAdapter
	mergeCommit string
	mergeErr    error
	checkouts   []string
}

func (g *fakeGit) Checkout(ctx context.Context, ref string) error {
	g.checkouts = append(g.checkouts, ref)
	return nil
}

func (g *fakeGit) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	if g.mergeErr != nil {
		return "", g.mergeErr
	}
	if g.mergeCommit == "" {
		return "cafe0001", nil
	}
	return g.mergeCommit, nil
}

// fakeCoord scripts the server side of gated merges.
type fakeCoord struct {
	connected    bool
	approved     bool
	reason       string
	requestErr   error
	flushFailed  []string
	flushErr     error
	consensus    *policy.ConsensusResult
	consensusErr error

	queuedRequests int
	reported       []*core.MergeRecord
}

func (c *fakeCoord) Connected() bool { return c.connected }

func (c *fakeCoord) FlushReviews(ctx context.Context) ([]string, error) {
	return c.flushFailed, c.flushErr
}

func (c *fakeCoord) CheckConsensus(ctx context.Context, repoID, streamID string) (*policy.ConsensusResult, error) {
	return c.consensus, c.consensusErr
}

func (c *fakeCoord) RequestMerge(ctx context.Context, repoID, streamID, agentID string) (bool, string, error) {
	return c.approved, c.reason, c.requestErr
}

func (c *fakeCoord) QueueMergeRequest(ctx context.Context, repoID, streamID, agentID string) error {
	c.queuedRequests++
	return nil
}

func (c *fakeCoord) ReportMerge(ctx context.Context, rec *core.MergeRecord) error {
	c.reported = append(c.reported, rec)
	return nil
}

type fixture struct {
	store *store.Store
	git   *fakeGit
	orch  *merge.Orchestrator
	bus   *events.Bus
}

func newFixture(t *testing.T, st *store.Store) *fixture {
	t.Helper()
	git := &fakeGit{}
	bus := events.New(100)
	t.Cleanup(bus.Close)
	lock := merge.NewLock(filepath.Join(t.TempDir(), "merge.lock"))
	orch := merge.NewOrchestrator(st, git, policy.NewEngine(st, nil), bus, lock, nil)
	return &fixture{store: st, git: git, orch: orch, bus: bus}
}

func setInReview(t *testing.T, st *store.Store, streamID string) {
	t.Helper()
	ok, err := st.UpdateStreamStatus(context.Background(), streamID,
		core.StreamActive, core.StreamInReview, core.ReviewInReview)
	if err != nil || !ok {
		t.Fatalf("moving stream to review: ok=%t err=%v", ok, err)
	}
}

func TestMergeAlreadyMerged(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	if _, err := st.UpdateStreamStatus(ctx, stream.ID, core.StreamActive, core.StreamMerged, core.ReviewApproved); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, st)
	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeAlreadyMerged) {
		t.Fatalf("got %v", err)
	}
}

func TestMergeRequiresInReview(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeReview))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")

	f := newFixture(t, st)
	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeInvalidTransition) {
		t.Fatalf("got %v", err)
	}
}

func TestMergeSwarmModeFromActive(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeSwarm))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")

	f := newFixture(t, st)
	f.git.mergeCommit = "deadbeef"

	rec, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.MergeCommit != "deadbeef" || rec.TargetBranch != repo.BufferBranch {
		t.Errorf("record = %+v", rec)
	}

	got, err := st.GetStream(ctx, stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StreamMerged {
		t.Errorf("status = %s", got.Status)
	}
	merges, err := st.ListMerges(ctx, repo.ID, 0)
	if err != nil || len(merges) != 1 {
		t.Errorf("merges = %v err = %v", merges, err)
	}
	if len(f.git.checkouts) == 0 || f.git.checkouts[0] != repo.BufferBranch {
		t.Errorf("checkouts = %v", f.git.checkouts)
	}
}

func TestMergeParentNotMerged(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeSwarm))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	parent := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/parent")

	child := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/child")
	child.ParentStream = parent.ID
	if err := st.UpsertStream(ctx, child); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, st)
	_, err := f.orch.Merge(ctx, child.ID, owner.ID)
	if !core.IsCode(err, core.CodeParentNotMerged) {
		t.Fatalf("got %v", err)
	}
}

func TestMergeAuthorization(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeSwarm))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	outsider, _ := testutil.SeedAgent(t, st, "outsider")
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")

	f := newFixture(t, st)
	_, err := f.orch.Merge(ctx, stream.ID, outsider.ID)
	if !core.IsCode(err, core.CodeInsufficientPermissions) {
		t.Fatalf("got %v", err)
	}
}

func TestMergeReviewModeBlocksWithoutConsensus(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st,
		testutil.WithMergeMode(core.MergeModeReview),
		testutil.WithOwnership(core.OwnershipSolo))
	testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	author, _ := testutil.SeedAgent(t, st, "author")
	stream := testutil.SeedStream(t, st, repo.ID, author.ID, "swarm/x")
	setInReview(t, st, stream.ID)

	f := newFixture(t, st)
	_, err := f.orch.Merge(ctx, stream.ID, author.ID)
	if !core.IsCategory(err, core.ErrCatConsensus) {
		t.Fatalf("got %v", err)
	}
	if core.ExitCode(err) != 3 {
		t.Errorf("exit code = %d", core.ExitCode(err))
	}
}

func TestGatedWithoutServerRequiresMaintainer(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeGated))
	author, _ := testutil.SeedAgent(t, st, "author")
	stream := testutil.SeedStream(t, st, repo.ID, author.ID, "swarm/x")
	setInReview(t, st, stream.ID)

	f := newFixture(t, st)
	_, err := f.orch.Merge(ctx, stream.ID, author.ID)
	if !core.IsCode(err, core.CodeGatedMode) {
		t.Fatalf("got %v", err)
	}
	if core.ExitCode(err) != 2 {
		t.Errorf("exit code = %d", core.ExitCode(err))
	}
}

func TestGatedServerUnreachableQueuesRequest(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeGated))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	setInReview(t, st, stream.ID)

	f := newFixture(t, st)
	coord := &fakeCoord{
		connected:  true,
		requestErr: core.ErrNetwork(core.CodeServerUnavailable, "down"),
	}
	f.orch.SetCoordinator(coord)

	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeServerUnavailableForGated) {
		t.Fatalf("got %v", err)
	}
	if coord.queuedRequests != 1 {
		t.Errorf("queued %d merge requests", coord.queuedRequests)
	}
	if core.ExitCode(err) != 5 {
		t.Errorf("exit code = %d", core.ExitCode(err))
	}
}

func TestGatedServerDeclines(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeGated))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	setInReview(t, st, stream.ID)

	f := newFixture(t, st)
	f.orch.SetCoordinator(&fakeCoord{connected: true, approved: false, reason: "insufficient_reviews"})

	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeGatedMode) {
		t.Fatalf("got %v", err)
	}
}

func TestGatedServerApproves(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeGated))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	setInReview(t, st, stream.ID)

	f := newFixture(t, st)
	coord := &fakeCoord{connected: true, approved: true}
	f.orch.SetCoordinator(coord)

	rec, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(coord.reported) != 1 || coord.reported[0].MergeCommit != rec.MergeCommit {
		t.Errorf("reported = %v", coord.reported)
	}
}

func TestServerAuthorityBlocksOnUndeliveredReviews(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeReview))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	setInReview(t, st, stream.ID)
	if err := st.SetConsensusAuthority(ctx, repo.ID, core.AuthorityServer); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, st)
	f.orch.SetCoordinator(&fakeCoord{connected: true, flushFailed: []string{"review"}})

	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeReviewSyncIncomplete) {
		t.Fatalf("got %v", err)
	}
}

func TestServerAuthorityBlocksOnUndeliveredSubmission(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeReview))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	setInReview(t, st, stream.ID)
	if err := st.SetConsensusAuthority(ctx, repo.ID, core.AuthorityServer); err != nil {
		t.Fatal(err)
	}

	// A queued submit_for_review means the server still sees the stream
	// as active; its consensus answer would be meaningless.
	f := newFixture(t, st)
	f.orch.SetCoordinator(&fakeCoord{connected: true, flushFailed: []string{"submit_for_review"}})

	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeReviewSyncIncomplete) {
		t.Fatalf("got %v", err)
	}
}

func TestServerAuthorityNoLocalFallback(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeReview))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	setInReview(t, st, stream.ID)
	if err := st.SetConsensusAuthority(ctx, repo.ID, core.AuthorityServer); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, st)
	coord := &fakeCoord{
		connected:    true,
		consensusErr: core.ErrNetwork(core.CodeServerUnavailable, "down"),
	}
	f.orch.SetCoordinator(coord)

	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeServerUnavailable) {
		t.Fatalf("got %v", err)
	}
	if coord.queuedRequests != 1 {
		t.Errorf("queued %d merge requests", coord.queuedRequests)
	}
}

func TestMergeConflictLeavesStreamInReview(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st, testutil.WithMergeMode(core.MergeModeSwarm))
	owner, _ := testutil.SeedMaintainer(t, st, repo.ID, "owner", core.RoleOwner)
	stream := testutil.SeedStream(t, st, repo.ID, owner.ID, "swarm/x")
	setInReview(t, st, stream.ID)

	f := newFixture(t, st)
	f.git.mergeErr = core.ErrGit(core.CodeMergeConflict, "conflict in main.go")

	_, err := f.orch.Merge(ctx, stream.ID, owner.ID)
	if !core.IsCode(err, core.CodeMergeConflict) {
		t.Fatalf("got %v", err)
	}
	if core.ExitCode(err) != 4 {
		t.Errorf("exit code = %d", core.ExitCode(err))
	}

	got, err := st.GetStream(ctx, stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StreamInReview {
		t.Errorf("status = %s after failed merge", got.Status)
	}
	merges, err := st.ListMerges(ctx, repo.ID, 0)
	if err != nil || len(merges) != 0 {
		t.Errorf("merges = %v err = %v", merges, err)
	}
}
