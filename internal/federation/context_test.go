package federation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/plugins"
	"github.com/gitswarm/gitswarm/internal/store"
	gitswarmsync "github.com/gitswarm/gitswarm/internal/sync"
)

// The pumps are what connect lifecycle operations to the coordinator
// queue and the plugin runner; without them every publish is lost.
func TestEventPumpsForwardAndDispatch(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	repo := &core.Repository{Name: "pump"}
	if err := st.CreateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}

	c := &Context{Store: st, Bus: events.New(10), Logger: logging.NewNop()}
	c.Dispatcher = gitswarmsync.NewDispatcher(st, nil, c.Logger)
	c.Plugins = plugins.NewRunner(st, c.Bus, c.Logger, repo.ID)

	fired := make(chan string, 1)
	c.Plugins.Load(&plugins.File{Plugins: []plugins.Declaration{{
		Name:    "review-echo",
		Trigger: events.TypeReviewSubmitted,
		Tier:    plugins.TierAutomation,
	}}}, map[string]plugins.ExecuteFunc{
		"review-echo": func(ctx context.Context, ec *plugins.ExecContext) error {
			fired <- ec.Event.StreamID()
			return nil
		},
	})

	c.startPumps()

	// Ordinary publishes, the way the stream registry emits them.
	c.Bus.Publish(events.NewStreamSubmittedEvent(repo.ID, "st-1", "agent-1", "swarm/x"))
	c.Bus.Publish(events.NewReviewSubmittedEvent(repo.ID, "st-1", "agent-2", "approve", false))

	c.Bus.Close()
	c.pumps.Wait()

	// No coordinator connection: both events are durably queued, in
	// publish order.
	entries, err := st.PeekQueue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("queue = %+v", entries)
	}
	if entries[0].EventType != "submit_for_review" || entries[1].EventType != "review" {
		t.Errorf("queued types = %s, %s", entries[0].EventType, entries[1].EventType)
	}

	select {
	case id := <-fired:
		if id != "st-1" {
			t.Errorf("plugin saw stream %q", id)
		}
	default:
		t.Error("plugin did not fire")
	}
}
