package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/sync"
	"github.com/gitswarm/gitswarm/internal/testutil"
)

// mirrorAgent copies an agent row into another store so the same API key
// authenticates on both sides, the way connect mirrors identity.
func mirrorAgent(t *testing.T, st *store.Store, agent *core.Agent) {
	t.Helper()
	_, err := st.Query(context.Background(),
		"INSERT INTO {{agents}} (id, name, key_hash, karma, status, created_at) VALUES ($1, $2, $3, 0, 'active', $4)",
		agent.ID, agent.Name, agent.KeyHash, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("mirroring agent %s: %v", agent.Name, err)
	}
}

func streamCreatedPayload(repoID, streamID, agentID string) map[string]interface{} {
	return map[string]interface{}{
		"stream_id":   streamID,
		"repo_id":     repoID,
		"agent_id":    agentID,
		"branch":      "swarm/" + streamID,
		"base_branch": "buffer",
	}
}

func TestTrySendOrQueueOnline(t *testing.T) {
	ctx := context.Background()
	serverStore := testutil.OpenStore(t)
	serverRepo := testutil.SeedRepo(t, serverStore)
	agent, key := testutil.SeedAgent(t, serverStore, "worker")
	url := testutil.Coordinator(t, serverStore)

	localStore := testutil.OpenStore(t)
	d := sync.NewDispatcher(localStore, sync.NewClient(url, key, nil), nil)

	payload := streamCreatedPayload(serverRepo.ID, "st-1", agent.ID)
	outcome, err := d.TrySendOrQueue(ctx, "stream_created", payload)
	if err != nil || outcome != sync.OutcomeSent {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if _, err := serverStore.GetStream(ctx, "st-1"); err != nil {
		t.Errorf("stream not applied server-side: %v", err)
	}

	// The server answers 409 on replay; that counts as delivered.
	outcome, err = d.TrySendOrQueue(ctx, "stream_created", payload)
	if err != nil || outcome != sync.OutcomeSent {
		t.Errorf("duplicate: outcome=%s err=%v", outcome, err)
	}

	depth, err := localStore.QueueDepth(ctx)
	if err != nil || depth != 0 {
		t.Errorf("queue depth = %d err = %v", depth, err)
	}
}

func TestTrySendOrQueueDisconnectedQueues(t *testing.T) {
	ctx := context.Background()
	localStore := testutil.OpenStore(t)
	d := sync.NewDispatcher(localStore, nil, nil)

	outcome, err := d.TrySendOrQueue(ctx, "commit", map[string]interface{}{
		"stream_id": "st-1", "commit": "abc123",
	})
	if err != nil || outcome != sync.OutcomeQueued {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	depth, err := localStore.QueueDepth(ctx)
	if err != nil || depth != 1 {
		t.Errorf("queue depth = %d err = %v", depth, err)
	}
}

func TestTrySendOrQueueRejectionFails(t *testing.T) {
	ctx := context.Background()
	serverStore := testutil.OpenStore(t)
	_, key := testutil.SeedAgent(t, serverStore, "worker")
	url := testutil.Coordinator(t, serverStore)

	localStore := testutil.OpenStore(t)
	d := sync.NewDispatcher(localStore, sync.NewClient(url, key, nil), nil)

	// Invalid verdict is a semantic rejection, not a transport failure:
	// it must surface, not queue.
	outcome, err := d.TrySendOrQueue(ctx, "review", map[string]interface{}{
		"stream_id": "st-1", "reviewer_id": "a", "verdict": "meh",
	})
	if err == nil || outcome != sync.OutcomeFailed {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	depth, _ := localStore.QueueDepth(ctx)
	if depth != 0 {
		t.Errorf("rejected event was queued")
	}
}

func TestFlushQueueDrainsInOrder(t *testing.T) {
	ctx := context.Background()
	serverStore := testutil.OpenStore(t)
	serverRepo := testutil.SeedRepo(t, serverStore)
	agent, key := testutil.SeedAgent(t, serverStore, "worker")
	url := testutil.Coordinator(t, serverStore)

	localStore := testutil.OpenStore(t)
	offline := sync.NewDispatcher(localStore, nil, nil)

	if _, err := offline.TrySendOrQueue(ctx, "stream_created",
		streamCreatedPayload(serverRepo.ID, "st-1", agent.ID)); err != nil {
		t.Fatal(err)
	}
	if _, err := offline.TrySendOrQueue(ctx, "commit", map[string]interface{}{
		"stream_id": "st-1", "agent_id": agent.ID, "commit": "abc123", "message": "fix",
	}); err != nil {
		t.Fatal(err)
	}

	online := sync.NewDispatcher(localStore, sync.NewClient(url, key, nil), nil)
	report, err := online.FlushQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Sent != 2 || report.Remaining != 0 || len(report.FailedTypes) != 0 {
		t.Errorf("report = %+v", report)
	}

	commits, err := serverStore.ListStreamCommits(ctx, "st-1")
	if err != nil || len(commits) != 1 || commits[0].CommitHash != "abc123" {
		t.Errorf("commits = %v err = %v", commits, err)
	}
	depth, _ := localStore.QueueDepth(ctx)
	if depth != 0 {
		t.Errorf("queue depth = %d", depth)
	}
}

func TestFlushQueueStopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	serverStore := testutil.OpenStore(t)
	serverRepo := testutil.SeedRepo(t, serverStore)
	agent, key := testutil.SeedAgent(t, serverStore, "worker")
	url := testutil.Coordinator(t, serverStore)

	localStore := testutil.OpenStore(t)
	offline := sync.NewDispatcher(localStore, nil, nil)

	// The bad review blocks; the stream_created behind it must stay
	// queued so ordering is preserved.
	if _, err := offline.TrySendOrQueue(ctx, "review", map[string]interface{}{
		"stream_id": "st-1", "reviewer_id": agent.ID, "verdict": "meh",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := offline.TrySendOrQueue(ctx, "stream_created",
		streamCreatedPayload(serverRepo.ID, "st-1", agent.ID)); err != nil {
		t.Fatal(err)
	}

	online := sync.NewDispatcher(localStore, sync.NewClient(url, key, nil), nil)
	report, err := online.FlushQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Sent != 0 || report.Remaining != 2 {
		t.Errorf("report = %+v", report)
	}
	if _, err := serverStore.GetStream(ctx, "st-1"); err == nil {
		t.Error("event behind the failure was applied")
	}

	entries, err := localStore.PeekQueue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Attempts != 1 || entries[0].LastError == "" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestFlushQueueCountsDuplicates(t *testing.T) {
	ctx := context.Background()
	serverStore := testutil.OpenStore(t)
	serverRepo := testutil.SeedRepo(t, serverStore)
	agent, key := testutil.SeedAgent(t, serverStore, "worker")
	url := testutil.Coordinator(t, serverStore)

	localStore := testutil.OpenStore(t)
	offline := sync.NewDispatcher(localStore, nil, nil)
	payload := streamCreatedPayload(serverRepo.ID, "st-1", agent.ID)
	if _, err := offline.TrySendOrQueue(ctx, "stream_created", payload); err != nil {
		t.Fatal(err)
	}

	// The server already saw the stream through another path.
	online := sync.NewDispatcher(localStore, sync.NewClient(url, key, nil), nil)
	if _, err := online.TrySendOrQueue(ctx, "stream_created", payload); err != nil {
		t.Fatal(err)
	}

	report, err := online.FlushQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Duplicates != 1 || report.Remaining != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestPollAppliesServerChanges(t *testing.T) {
	ctx := context.Background()

	localStore := testutil.OpenStore(t)
	localRepo := &core.Repository{ID: "repo-1", Name: "shared"}
	if err := localStore.CreateRepo(ctx, localRepo); err != nil {
		t.Fatal(err)
	}
	me, key := testutil.SeedAgent(t, localStore, "me")
	reviewer, _ := testutil.SeedAgent(t, localStore, "reviewer")
	testutil.SeedStream(t, localStore, localRepo.ID, me.ID, "swarm/x")

	serverStore := testutil.OpenStore(t)
	serverRepo := &core.Repository{ID: "repo-1", Name: "shared", ConsensusThreshold: 0.9, MinReviews: 2}
	if err := serverStore.CreateRepo(ctx, serverRepo); err != nil {
		t.Fatal(err)
	}
	mirrorAgent(t, serverStore, me)
	mirrorAgent(t, serverStore, reviewer)
	testutil.SeedStream(t, serverStore, serverRepo.ID, me.ID, "swarm/x")

	if err := serverStore.UpsertReview(ctx, core.Review{
		StreamID: "swarm/x-id", ReviewerID: reviewer.ID, Verdict: core.VerdictApprove, Tested: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := serverStore.UpsertGrant(ctx, core.Grant{
		RepoID: serverRepo.ID, AgentID: me.ID, AccessLevel: core.AccessMaintain,
	}); err != nil {
		t.Fatal(err)
	}
	if err := serverStore.CreateTask(ctx, &core.RepairTask{
		RepoID: serverRepo.ID, Title: "fix the buffer", Priority: core.TaskPriorityHigh,
	}); err != nil {
		t.Fatal(err)
	}

	url := testutil.Coordinator(t, serverStore)
	p := sync.NewPoller(localStore, sync.NewClient(url, key, nil), nil)

	report, err := p.Poll(ctx, time.Time{}, me.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Reviews != 1 || report.Grants != 1 || report.Tasks != 1 || !report.Config {
		t.Errorf("report = %+v", report)
	}

	reviews, err := localStore.ListReviews(ctx, "swarm/x-id")
	if err != nil || len(reviews) != 1 || reviews[0].Verdict != core.VerdictApprove || !reviews[0].Tested {
		t.Errorf("reviews = %v err = %v", reviews, err)
	}
	got, err := localStore.GetRepo(ctx, localRepo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConsensusThreshold != 0.9 || got.MinReviews != 2 {
		t.Errorf("config not applied: %+v", got)
	}
	tasks, err := localStore.ListTasks(ctx, localRepo.ID, 0)
	if err != nil || len(tasks) != 1 || tasks[0].Title != "fix the buffer" {
		t.Errorf("tasks = %v err = %v", tasks, err)
	}
}
