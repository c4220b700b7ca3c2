package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/core"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRebindDollarParams(t *testing.T) {
	query, args, err := rebind("SELECT * FROM x WHERE a = $2 AND b = $1 AND c = $2", []interface{}{"one", "two"})
	if err != nil {
		t.Fatal(err)
	}
	if query != "SELECT * FROM x WHERE a = ? AND b = ? AND c = ?" {
		t.Errorf("rebound query: %s", query)
	}
	want := []interface{}{"two", "one", "two"}
	if len(args) != len(want) {
		t.Fatalf("args: %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, args[i], want[i])
		}
	}
}

func TestRebindPassthrough(t *testing.T) {
	query, args, err := rebind("SELECT * FROM x WHERE a = ?", []interface{}{"v"})
	if err != nil {
		t.Fatal(err)
	}
	if query != "SELECT * FROM x WHERE a = ?" || len(args) != 1 {
		t.Errorf("passthrough changed query or args: %s %v", query, args)
	}
}

func TestRebindOutOfRange(t *testing.T) {
	if _, _, err := rebind("SELECT $3", []interface{}{"only one"}); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestQueryWithLogicalTables(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	repo := &core.Repository{Name: "r"}
	if err := st.CreateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}

	res, err := st.Query(ctx, "SELECT name FROM {{repos}} WHERE id = $1", repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || AsString(res.Rows[0]["name"]) != "r" {
		t.Errorf("rows: %v", res.Rows)
	}

	res, err = st.Query(ctx, "UPDATE {{repos}} SET name = $2 WHERE id = $1", repo.ID, "renamed")
	if err != nil {
		t.Fatal(err)
	}
	if res.Changes != 1 {
		t.Errorf("changes = %d", res.Changes)
	}
}

func TestTablePrefix(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, WithTablePrefix("gitswarm_"))

	if st.T("streams") != "gitswarm_streams" {
		t.Fatalf("T(streams) = %s", st.T("streams"))
	}

	// The schema and every accessor must work against the prefixed names.
	repo := &core.Repository{Name: "prefixed"}
	if err := st.CreateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetRepo(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "prefixed" {
		t.Errorf("name = %s", got.Name)
	}

	res, err := st.Query(ctx, "SELECT COUNT(*) AS n FROM {{repos}}")
	if err != nil {
		t.Fatal(err)
	}
	if AsInt(res.Rows[0]["n"]) != 1 {
		t.Errorf("count = %v", res.Rows[0]["n"])
	}
}

func TestSyncQueueFIFO(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for _, typ := range []string{"commit", "review", "merge_completed"} {
		if _, err := st.Enqueue(ctx, typ, []byte(`{"k":"`+typ+`"}`)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := st.PeekQueue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("peeked %d entries", len(entries))
	}
	wantOrder := []string{"commit", "review", "merge_completed"}
	for i, e := range entries {
		if e.EventType != wantOrder[i] {
			t.Errorf("entry %d type %s, want %s", i, e.EventType, wantOrder[i])
		}
	}

	// Error on the middle entry keeps it queued with attempts bumped.
	if err := st.MarkQueueError(ctx, entries[1].Seq, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteQueueEntries(ctx, []int64{entries[0].Seq}); err != nil {
		t.Fatal(err)
	}

	entries, err = st.PeekQueue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(entries))
	}
	if entries[0].EventType != "review" || entries[0].Attempts != 1 || entries[0].LastError != "boom" {
		t.Errorf("failed entry state: %+v", entries[0])
	}

	depth, err := st.QueueDepth(ctx)
	if err != nil || depth != 2 {
		t.Errorf("depth = %d err = %v", depth, err)
	}
	types, err := st.PendingQueueTypes(ctx)
	if err != nil || types["review"] != 1 || types["merge_completed"] != 1 {
		t.Errorf("types = %v err = %v", types, err)
	}
}

func TestAgentKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	agent, key, err := st.RegisterAgent(ctx, "worker")
	if err != nil {
		t.Fatal(err)
	}
	if len(key) < 10 || key[:4] != APIKeyPrefix {
		t.Fatalf("key %q missing prefix", key)
	}
	if agent.KeyHash == key {
		t.Fatal("raw key stored")
	}

	got, err := st.AuthenticateAPIKey(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != agent.ID {
		t.Errorf("authenticated wrong agent")
	}
	if _, err := st.AuthenticateAPIKey(ctx, "gsw_wrong"); !core.IsCode(err, core.CodeAgentNotFound) {
		t.Errorf("bad key: %v", err)
	}

	// Names are unique.
	if _, _, err := st.RegisterAgent(ctx, "worker"); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestKarmaNeverNegative(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	agent, _, err := st.RegisterAgent(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AdjustKarma(ctx, agent.ID, -10); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Karma != 0 {
		t.Errorf("karma = %d", got.Karma)
	}
}

func TestUpdateStreamStatusOptimistic(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	repo := &core.Repository{Name: "r"}
	if err := st.CreateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}
	agent, _, err := st.RegisterAgent(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	stream := &core.Stream{
		ID: "st-1", RepoID: repo.ID, OwnerID: agent.ID,
		Branch: "swarm/x", BaseBranch: "buffer",
		Source: core.SourceCLI, Status: core.StreamActive, ReviewStatus: core.ReviewNone,
	}
	if err := st.UpsertStream(ctx, stream); err != nil {
		t.Fatal(err)
	}

	ok, err := st.UpdateStreamStatus(ctx, "st-1", core.StreamActive, core.StreamInReview, core.ReviewInReview)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%t err=%v", ok, err)
	}
	// Guard: the expected from-status no longer matches.
	ok, err = st.UpdateStreamStatus(ctx, "st-1", core.StreamActive, core.StreamMerged, core.ReviewApproved)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("stale transition succeeded")
	}
}

func TestUpsertReviewIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	repo := &core.Repository{Name: "r"}
	if err := st.CreateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}
	owner, _, err := st.RegisterAgent(ctx, "owner")
	if err != nil {
		t.Fatal(err)
	}
	reviewer, _, err := st.RegisterAgent(ctx, "reviewer")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertStream(ctx, &core.Stream{
		ID: "st-1", RepoID: repo.ID, OwnerID: owner.ID,
		Branch: "swarm/x", BaseBranch: "buffer",
		Source: core.SourceCLI, Status: core.StreamActive, ReviewStatus: core.ReviewNone,
	}); err != nil {
		t.Fatal(err)
	}

	r := core.Review{StreamID: "st-1", ReviewerID: reviewer.ID, Verdict: core.VerdictApprove}
	if err := st.UpsertReview(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Verdict = core.VerdictRequestChanges
	r.Feedback = "changed my mind"
	if err := st.UpsertReview(ctx, r); err != nil {
		t.Fatal(err)
	}

	reviews, err := st.ListReviews(ctx, "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 {
		t.Fatalf("expected 1 review, got %d", len(reviews))
	}
	if reviews[0].Verdict != core.VerdictRequestChanges || reviews[0].Feedback != "changed my mind" {
		t.Errorf("review not overwritten: %+v", reviews[0])
	}
}
