package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/store"
)

// consensusDedupeWindow is how long consensus triggers stay deduplicated
// per stream.
const consensusDedupeWindow = time.Hour

// Budget tracks what a firing may still emit. Execute functions draw
// from it; exhaustion blocks the plugin.
type Budget struct {
	mu        sync.Mutex
	remaining map[string]int
	labels    []string
	consumed  map[string]int
}

func newBudget(so SafeOutputs) *Budget {
	return &Budget{
		remaining: map[string]int{
			"create-comment": so.CreateComment,
			"create-task":    so.CreateTask,
			"adjust-karma":   so.AdjustKarma,
		},
		labels:   so.AddLabel,
		consumed: make(map[string]int),
	}
}

// Take consumes one unit of an action budget. Returns false when the
// cap is exhausted (a zero cap means the action was never allowed).
func (b *Budget) Take(action string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining[action] <= 0 {
		return false
	}
	b.remaining[action]--
	b.consumed[action]++
	return true
}

// AllowedLabel reports whether a label is on the declared allowlist.
func (b *Budget) AllowedLabel(label string) bool {
	for _, l := range b.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (b *Budget) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, _ := json.Marshal(b.consumed)
	return data
}

// ExecContext is what a plugin sees when it fires.
type ExecContext struct {
	Event  events.Event
	RepoID string
	Store  *store.Store
	Budget *Budget
	Logger *logging.Logger
	Params map[string]interface{}
}

// ExecuteFunc is a deterministic local plugin body.
type ExecuteFunc func(ctx context.Context, ec *ExecContext) error

// Plugin is a registered automation plugin.
type Plugin struct {
	Declaration
	Execute ExecuteFunc
}

// Runner dispatches bus events to automation plugins. AI and governance
// tiers are recognized but delegated to the coordinator; locally they
// only produce a startup warning.
type Runner struct {
	store  *store.Store
	bus    *events.Bus
	logger *logging.Logger
	repoID string

	mu      sync.RWMutex
	plugins []Plugin
	skipped []string
}

// NewRunner creates a plugin runner for one repo.
func NewRunner(st *store.Store, bus *events.Bus, logger *logging.Logger, repoID string) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{store: st, bus: bus, logger: logger, repoID: repoID}
}

// Load registers the declared plugins. Non-automation tiers are skipped
// with a plugins_skipped_no_server warning; their execution belongs to
// the coordinator.
func (r *Runner) Load(file *File, registry map[string]ExecuteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, decl := range file.Plugins {
		if decl.Tier != TierAutomation {
			r.skipped = append(r.skipped, decl.Name)
			r.logger.Warn("plugins_skipped_no_server",
				"plugin", decl.Name, "tier", string(decl.Tier))
			continue
		}
		exec, ok := registry[decl.Name]
		if !ok {
			r.logger.Warn("plugin has no local implementation", "plugin", decl.Name)
			continue
		}
		r.plugins = append(r.plugins, Plugin{Declaration: decl, Execute: exec})
	}
}

// Skipped returns plugin names deferred to the coordinator.
func (r *Runner) Skipped() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.skipped...)
}

// Attach subscribes the runner to its bus. Callers attach before
// publishing so the returned channel observes every subsequent event.
func (r *Runner) Attach() <-chan events.Event {
	return r.bus.Subscribe()
}

// Run consumes lifecycle events from ch until it closes or ctx is
// cancelled. The caller subscribes before starting the goroutine so no
// event published in between is missed. Plugin failures are logged,
// recorded and swallowed; a plugin can never break a lifecycle
// operation.
func (r *Runner) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Dispatch(ctx, ev)
		}
	}
}

// Dispatch fires every automation plugin whose trigger matches the
// event.
func (r *Runner) Dispatch(ctx context.Context, ev events.Event) {
	r.mu.RLock()
	plugins := r.plugins
	r.mu.RUnlock()

	for i := range plugins {
		p := &plugins[i]
		if p.Trigger != ev.EventType() {
			continue
		}
		r.fire(ctx, p, ev)
	}
}

func (r *Runner) fire(ctx context.Context, p *Plugin, ev events.Event) {
	record := core.PluginExecution{
		RepoID:   r.repoID,
		Trigger:  ev.EventType(),
		Plugin:   p.Name,
		StreamID: ev.StreamID(),
	}

	if r.isConsensusDuplicate(ctx, ev) {
		record.Status = core.PluginSkipped
		r.record(ctx, record)
		return
	}
	if blocked, err := r.isRateLimited(ctx, p); err != nil {
		r.logger.Warn("rate-limit check failed", "plugin", p.Name, "error", err)
	} else if blocked {
		record.Status = core.PluginRateLimited
		r.record(ctx, record)
		r.logger.Info("plugin rate limited", "plugin", p.Name, "trigger", ev.EventType())
		return
	}

	budget := newBudget(p.SafeOutputs)
	ec := &ExecContext{
		Event:  ev,
		RepoID: r.repoID,
		Store:  r.store,
		Budget: budget,
		Logger: r.logger.With("plugin", p.Name),
		Params: p.Params,
	}

	err := p.Execute(ctx, ec)
	record.SafeOutputs = budget.snapshot()
	switch {
	case err == nil:
		record.Status = core.PluginExecuted
	case core.IsCode(err, core.CodeBudgetExhausted):
		record.Status = core.PluginBlocked
		r.logger.Warn("plugin_blocked", "plugin", p.Name, "error", err)
	default:
		record.Status = core.PluginErrored
		r.logger.Warn("plugin failed", "plugin", p.Name, "trigger", ev.EventType(), "error", err)
	}
	r.record(ctx, record)
}

// isConsensusDuplicate suppresses repeat consensus firings for the same
// stream inside the dedupe window.
func (r *Runner) isConsensusDuplicate(ctx context.Context, ev events.Event) bool {
	t := ev.EventType()
	if t != events.TypeConsensusReached && t != events.TypeConsensusBlocked {
		return false
	}
	if ev.StreamID() == "" {
		return false
	}
	seen, err := r.store.HasRecentConsensusEvent(ctx, ev.StreamID(), t, time.Now().Add(-consensusDedupeWindow))
	if err != nil {
		r.logger.Warn("consensus dedupe check failed", "stream_id", ev.StreamID(), "error", err)
		return false
	}
	return seen
}

func (r *Runner) isRateLimited(ctx context.Context, p *Plugin) (bool, error) {
	if p.RateLimit == nil || p.RateLimit.Max <= 0 {
		return false, nil
	}
	window, err := time.ParseDuration(p.RateLimit.Window)
	if err != nil {
		return false, fmt.Errorf("plugin %s has bad rate-limit window %q: %w", p.Name, p.RateLimit.Window, err)
	}
	n, err := r.store.CountPluginExecutions(ctx, p.Name, time.Now().Add(-window))
	if err != nil {
		return false, err
	}
	return n >= p.RateLimit.Max, nil
}

func (r *Runner) record(ctx context.Context, e core.PluginExecution) {
	if err := r.store.RecordPluginExecution(ctx, e); err != nil {
		r.logger.Warn("recording plugin execution failed", "plugin", e.Plugin, "error", err)
	}
}

// ErrBudgetExhausted is returned by execute bodies when a safe-output
// cap runs out.
func ErrBudgetExhausted(action string) error {
	return core.ErrPolicy(core.CodeBudgetExhausted,
		fmt.Sprintf("safe-output budget for %s exhausted", action))
}
