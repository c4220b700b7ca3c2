package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
)

// LogActivity appends a row to the activity log. Append-only; readers
// may observe it freely.
func (s *Store) LogActivity(ctx context.Context, a core.Activity) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	var metadata interface{}
	if len(a.Metadata) > 0 {
		metadata = string(a.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("activity_log")+" (repo_id, agent_id, kind, message, metadata, at) VALUES (?, ?, ?, ?, ?, ?)",
		nullableString(a.RepoID), nullableString(a.AgentID), a.Kind, a.Message, metadata, formatTime(a.At))
	return err
}

// ListActivity returns recent activity, most recent first.
func (s *Store) ListActivity(ctx context.Context, repoID string, limit int) ([]core.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, repo_id, agent_id, kind, message, metadata, at FROM "+
			s.T("activity_log")+" WHERE repo_id = ? OR ? = '' ORDER BY id DESC LIMIT ?",
		repoID, repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Activity
	for rows.Next() {
		var a core.Activity
		var repo, agent, metadata sql.NullString
		var at string
		if err := rows.Scan(&a.ID, &repo, &agent, &a.Kind, &a.Message, &metadata, &at); err != nil {
			return nil, err
		}
		a.RepoID = repo.String
		a.AgentID = agent.String
		if metadata.Valid {
			a.Metadata = []byte(metadata.String)
		}
		a.At = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordPluginExecution appends a plugin execution audit row.
func (s *Store) RecordPluginExecution(ctx context.Context, e core.PluginExecution) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var safeOutputs interface{}
	if len(e.SafeOutputs) > 0 {
		safeOutputs = string(e.SafeOutputs)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("plugin_executions")+" (repo_id, trigger_name, plugin, status, stream_id, safe_outputs, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.RepoID, e.Trigger, e.Plugin, string(e.Status), nullableString(e.StreamID), safeOutputs, formatTime(e.At))
	return err
}

// CountPluginExecutions counts executions of a plugin since a cutoff,
// for sliding-window rate limiting.
func (s *Store) CountPluginExecutions(ctx context.Context, plugin string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+s.T("plugin_executions")+" WHERE plugin = ? AND status = 'executed' AND at >= ?",
		plugin, formatTime(since)).Scan(&n)
	return n, err
}

// HasRecentConsensusEvent reports whether a consensus_reached or
// consensus_blocked firing for the stream exists within the window.
func (s *Store) HasRecentConsensusEvent(ctx context.Context, streamID, trigger string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+s.T("plugin_executions")+" WHERE stream_id = ? AND trigger_name = ? AND at >= ?",
		streamID, trigger, formatTime(since)).Scan(&n)
	return n > 0, err
}

// AddStageHistory records a stage change for a repo.
func (s *Store) AddStageHistory(ctx context.Context, h *core.StageHistory) error {
	if h.At.IsZero() {
		h.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("stage_history")+" (repo_id, from_stage, to_stage, reason, forced, at) VALUES (?, ?, ?, ?, ?, ?)",
		h.RepoID, string(h.FromStage), string(h.ToStage), h.Reason, boolToInt(h.Forced), formatTime(h.At))
	if err != nil {
		return err
	}
	h.ID, _ = res.LastInsertId()
	return nil
}

// ListStageHistory returns the stage history for a repo in order.
func (s *Store) ListStageHistory(ctx context.Context, repoID string) ([]core.StageHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, repo_id, from_stage, to_stage, reason, forced, at FROM "+
			s.T("stage_history")+" WHERE repo_id = ? ORDER BY id", repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.StageHistory
	for rows.Next() {
		var h core.StageHistory
		var from, to, at string
		var forced int
		if err := rows.Scan(&h.ID, &h.RepoID, &from, &to, &h.Reason, &forced, &at); err != nil {
			return nil, err
		}
		h.FromStage = core.Stage(from)
		h.ToStage = core.Stage(to)
		h.Forced = forced != 0
		h.At = parseTime(at)
		out = append(out, h)
	}
	return out, rows.Err()
}
