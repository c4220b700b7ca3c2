package plugins_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/plugins"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/testutil"
)

func writePluginFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gitswarm-plugins.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileMissing(t *testing.T) {
	f, err := plugins.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Plugins) != 0 {
		t.Errorf("plugins = %v", f.Plugins)
	}
}

func TestLoadFileBadYAML(t *testing.T) {
	path := writePluginFile(t, "plugins: [\n")
	if _, err := plugins.LoadFile(path); !core.IsCode(err, core.CodeBadConfig) {
		t.Fatalf("bad yaml: %v", err)
	}
}

func TestLoadFileInfersTiers(t *testing.T) {
	path := writePluginFile(t, `
plugins:
  - name: merge-announcer
    trigger: stream_merged
  - name: pr-summarizer
    trigger: stream_merged
    engine: claude
    model: sonnet
  - name: consensus-watchdog
    trigger: gitswarm.consensus
  - name: declared
    trigger: stream_merged
    tier: governance
`)
	f, err := plugins.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]plugins.Tier{
		"merge-announcer":    plugins.TierAutomation,
		"pr-summarizer":      plugins.TierAI,
		"consensus-watchdog": plugins.TierGovernance,
		"declared":           plugins.TierGovernance,
	}
	for _, d := range f.Plugins {
		if d.Tier != want[d.Name] {
			t.Errorf("%s tier = %s, want %s", d.Name, d.Tier, want[d.Name])
		}
	}
}

func TestRunnerLoadSkipsNonAutomationTiers(t *testing.T) {
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	bus := events.New(10)
	defer bus.Close()

	r := plugins.NewRunner(st, bus, nil, repo.ID)
	r.Load(&plugins.File{Plugins: []plugins.Declaration{
		{Name: "local", Trigger: events.TypeStreamMerged, Tier: plugins.TierAutomation},
		{Name: "remote-ai", Trigger: events.TypeStreamMerged, Tier: plugins.TierAI},
		{Name: "remote-gov", Trigger: events.TypeConsensusReached, Tier: plugins.TierGovernance},
	}}, map[string]plugins.ExecuteFunc{
		"local": func(context.Context, *plugins.ExecContext) error { return nil },
	})

	skipped := r.Skipped()
	if len(skipped) != 2 {
		t.Fatalf("skipped = %v", skipped)
	}
}

func TestBudgetTake(t *testing.T) {
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	agent, _ := testutil.SeedAgent(t, st, "author")
	bus := events.New(10)
	defer bus.Close()

	var takes []bool
	r := plugins.NewRunner(st, bus, nil, repo.ID)
	r.Load(&plugins.File{Plugins: []plugins.Declaration{{
		Name:    "greedy",
		Trigger: events.TypeStreamMerged,
		Tier:    plugins.TierAutomation,
		SafeOutputs: plugins.SafeOutputs{
			CreateComment: 2,
			AddLabel:      []string{"automerge"},
		},
	}}}, map[string]plugins.ExecuteFunc{
		"greedy": func(ctx context.Context, ec *plugins.ExecContext) error {
			for i := 0; i < 3; i++ {
				takes = append(takes, ec.Budget.Take("create-comment"))
			}
			if ec.Budget.Take("adjust-karma") {
				t.Error("zero-cap action allowed")
			}
			if !ec.Budget.AllowedLabel("automerge") || ec.Budget.AllowedLabel("other") {
				t.Error("label allowlist wrong")
			}
			return nil
		},
	})

	r.Dispatch(context.Background(),
		events.NewStreamMergedEvent(repo.ID, "st-1", agent.ID, "abc123", "buffer"))

	want := []bool{true, true, false}
	for i := range want {
		if takes[i] != want[i] {
			t.Errorf("take %d = %t", i, takes[i])
		}
	}
}

func pluginStatuses(t *testing.T, st *store.Store, plugin string) []string {
	t.Helper()
	res, err := st.Query(context.Background(),
		"SELECT status FROM {{plugin_executions}} WHERE plugin = $1 ORDER BY id", plugin)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, row := range res.Rows {
		out = append(out, store.AsString(row["status"]))
	}
	return out
}

func TestDispatchRecordsBlockedOnExhaustion(t *testing.T) {
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	bus := events.New(10)
	defer bus.Close()

	r := plugins.NewRunner(st, bus, nil, repo.ID)
	r.Load(&plugins.File{Plugins: []plugins.Declaration{{
		Name:    "capped",
		Trigger: events.TypeStreamMerged,
		Tier:    plugins.TierAutomation,
	}}}, map[string]plugins.ExecuteFunc{
		"capped": func(ctx context.Context, ec *plugins.ExecContext) error {
			if !ec.Budget.Take("create-comment") {
				return plugins.ErrBudgetExhausted("create-comment")
			}
			return nil
		},
	})

	r.Dispatch(context.Background(),
		events.NewStreamMergedEvent(repo.ID, "st-1", "agent-1", "abc123", "buffer"))

	got := pluginStatuses(t, st, "capped")
	if len(got) != 1 || got[0] != string(core.PluginBlocked) {
		t.Errorf("statuses = %v", got)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	bus := events.New(10)
	defer bus.Close()

	r := plugins.NewRunner(st, bus, nil, repo.ID)
	r.Load(&plugins.File{Plugins: []plugins.Declaration{{
		Name:      "limited",
		Trigger:   events.TypeStreamMerged,
		Tier:      plugins.TierAutomation,
		RateLimit: &plugins.RateLimit{Max: 1, Window: "1h"},
	}}}, map[string]plugins.ExecuteFunc{
		"limited": func(context.Context, *plugins.ExecContext) error { return nil },
	})

	ev := events.NewStreamMergedEvent(repo.ID, "st-1", "agent-1", "abc123", "buffer")
	r.Dispatch(context.Background(), ev)
	r.Dispatch(context.Background(), ev)

	got := pluginStatuses(t, st, "limited")
	if len(got) != 2 || got[0] != string(core.PluginExecuted) || got[1] != string(core.PluginRateLimited) {
		t.Errorf("statuses = %v", got)
	}
}

func TestDispatchConsensusDedupe(t *testing.T) {
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	bus := events.New(10)
	defer bus.Close()

	fired := 0
	r := plugins.NewRunner(st, bus, nil, repo.ID)
	r.Load(&plugins.File{Plugins: []plugins.Declaration{{
		Name:    "on-consensus",
		Trigger: events.TypeConsensusReached,
		Tier:    plugins.TierAutomation,
	}}}, map[string]plugins.ExecuteFunc{
		"on-consensus": func(context.Context, *plugins.ExecContext) error {
			fired++
			return nil
		},
	})

	ev := events.NewConsensusEvent(repo.ID, "st-1", true, "threshold_met", 0.8)
	r.Dispatch(context.Background(), ev)
	r.Dispatch(context.Background(), ev)

	if fired != 1 {
		t.Errorf("fired %d times", fired)
	}
	got := pluginStatuses(t, st, "on-consensus")
	if len(got) != 2 || got[1] != string(core.PluginSkipped) {
		t.Errorf("statuses = %v", got)
	}
}

func TestBuiltinKarmaOnMerge(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	agent, _ := testutil.SeedAgent(t, st, "author")
	bus := events.New(10)
	defer bus.Close()

	r := plugins.NewRunner(st, bus, nil, repo.ID)
	r.Load(&plugins.File{Plugins: []plugins.Declaration{{
		Name:        "karma-on-merge",
		Trigger:     events.TypeStreamMerged,
		Tier:        plugins.TierAutomation,
		SafeOutputs: plugins.SafeOutputs{AdjustKarma: 1},
	}}}, plugins.BuiltinRegistry())

	r.Dispatch(ctx, events.NewStreamMergedEvent(repo.ID, "st-1", agent.ID, "abc123", "buffer"))

	got, err := st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Karma != 1 {
		t.Errorf("karma = %d", got.Karma)
	}
}
