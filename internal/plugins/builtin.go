package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
)

// BuiltinRegistry maps plugin names to their local execute bodies.
// Declarations in the plugin file pick from these by name.
func BuiltinRegistry() map[string]ExecuteFunc {
	return map[string]ExecuteFunc{
		"merge-announcer":  announceMerge,
		"karma-on-merge":   rewardMerge,
		"red-build-triage": triageRedBuild,
	}
}

// announceMerge writes a comment-style activity row for each merge.
func announceMerge(ctx context.Context, ec *ExecContext) error {
	ev, ok := ec.Event.(events.StreamMergedEvent)
	if !ok {
		return nil
	}
	if !ec.Budget.Take("create-comment") {
		return ErrBudgetExhausted("create-comment")
	}

	meta, _ := json.Marshal(map[string]string{
		"merge_commit": ev.MergeCommit,
		"target":       ev.TargetBranch,
	})
	return ec.Store.LogActivity(ctx, core.Activity{
		RepoID:  ec.RepoID,
		AgentID: ev.AgentID,
		Kind:    "comment",
		Message: fmt.Sprintf("stream merged into %s at %s", ev.TargetBranch, shortHash(ev.MergeCommit)),
		Metadata: meta,
	})
}

// rewardMerge grants the merging agent karma, bounded by the
// adjust-karma budget.
func rewardMerge(ctx context.Context, ec *ExecContext) error {
	ev, ok := ec.Event.(events.StreamMergedEvent)
	if !ok {
		return nil
	}
	if !ec.Budget.Take("adjust-karma") {
		return ErrBudgetExhausted("adjust-karma")
	}

	delta := 1
	if v, ok := ec.Params["delta"].(int); ok && v > 0 {
		delta = v
	}
	return ec.Store.AdjustKarma(ctx, ev.AgentID, delta)
}

// triageRedBuild opens a follow-up task when stabilization fails without
// an automatic revert (no breaking stream identified).
func triageRedBuild(ctx context.Context, ec *ExecContext) error {
	ev, ok := ec.Event.(events.StabilizationEvent)
	if !ok || ev.Result != "red" || ev.BreakingStream != "" {
		return nil
	}
	if !ec.Budget.Take("create-task") {
		return ErrBudgetExhausted("create-task")
	}

	return ec.Store.CreateTask(ctx, &core.RepairTask{
		RepoID:   ec.RepoID,
		Title:    "Investigate red buffer at " + shortHash(ev.BufferCommit),
		Body:     "Stabilization failed and no merge was reverted automatically.",
		Priority: core.TaskPriorityNormal,
	})
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
