package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
)

// InsertMergeTx appends a merge record inside the merge transaction.
// The UNIQUE constraint on stream_id enforces at most one merge per
// stream.
func (s *Store) InsertMergeTx(ctx context.Context, tx *sql.Tx, m *core.MergeRecord) error {
	if m.MergedAt.IsZero() {
		m.MergedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO "+s.T("merges")+" (repo_id, stream_id, agent_id, merge_commit, target_branch, merged_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.RepoID, m.StreamID, m.AgentID, m.MergeCommit, m.TargetBranch, formatTime(m.MergedAt))
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ListMerges returns merges for a repo, most recent first.
func (s *Store) ListMerges(ctx context.Context, repoID string, limit int) ([]core.MergeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, repo_id, stream_id, agent_id, merge_commit, target_branch, merged_at FROM "+
			s.T("merges")+" WHERE repo_id = ? ORDER BY id DESC LIMIT ?", repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.MergeRecord
	for rows.Next() {
		var m core.MergeRecord
		var mergedAt string
		if err := rows.Scan(&m.ID, &m.RepoID, &m.StreamID, &m.AgentID, &m.MergeCommit, &m.TargetBranch, &mergedAt); err != nil {
			return nil, err
		}
		m.MergedAt = parseTime(mergedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Stabilizations ---

// InsertStabilization records one stabilize run.
func (s *Store) InsertStabilization(ctx context.Context, st *core.Stabilization) error {
	if st.At.IsZero() {
		st.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("stabilizations")+" (repo_id, result, tag, buffer_commit, breaking_stream, details, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		st.RepoID, string(st.Result), nullableString(st.Tag), st.BufferCommit,
		nullableString(st.BreakingStream), st.Details, formatTime(st.At))
	if err != nil {
		return err
	}
	st.ID, _ = res.LastInsertId()
	return nil
}

// ListStabilizations returns stabilization records, most recent first.
func (s *Store) ListStabilizations(ctx context.Context, repoID string, limit int) ([]core.Stabilization, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, repo_id, result, tag, buffer_commit, breaking_stream, details, at FROM "+
			s.T("stabilizations")+" WHERE repo_id = ? ORDER BY id DESC LIMIT ?", repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Stabilization
	for rows.Next() {
		var st core.Stabilization
		var tag, breaking sql.NullString
		var result, at string
		if err := rows.Scan(&st.ID, &st.RepoID, &result, &tag, &st.BufferCommit, &breaking, &st.Details, &at); err != nil {
			return nil, err
		}
		st.Result = core.StabilizationResult(result)
		st.Tag = tag.String
		st.BreakingStream = breaking.String
		st.At = parseTime(at)
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Promotions ---

// InsertPromotion records a release-branch fast-forward.
func (s *Store) InsertPromotion(ctx context.Context, p *core.Promotion) error {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("promotions")+" (repo_id, from_branch, to_branch, from_commit, to_commit, triggered_by, agent_id, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		p.RepoID, p.FromBranch, p.ToBranch, p.FromCommit, p.ToCommit,
		string(p.TriggeredBy), nullableString(p.AgentID), formatTime(p.At))
	if err != nil {
		return err
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// ListPromotions returns promotions, most recent first.
func (s *Store) ListPromotions(ctx context.Context, repoID string, limit int) ([]core.Promotion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, repo_id, from_branch, to_branch, from_commit, to_commit, triggered_by, agent_id, at FROM "+
			s.T("promotions")+" WHERE repo_id = ? ORDER BY id DESC LIMIT ?", repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Promotion
	for rows.Next() {
		var p core.Promotion
		var agentID sql.NullString
		var trigger, at string
		if err := rows.Scan(&p.ID, &p.RepoID, &p.FromBranch, &p.ToBranch, &p.FromCommit, &p.ToCommit, &trigger, &agentID, &at); err != nil {
			return nil, err
		}
		p.TriggeredBy = core.PromotionTrigger(trigger)
		p.AgentID = agentID.String
		p.At = parseTime(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Repair tasks ---

// CreateTask opens a follow-up task (e.g. after a red stabilization).
func (s *Store) CreateTask(ctx context.Context, t *core.RepairTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("tasks")+" (repo_id, title, body, priority, stream_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.RepoID, t.Title, t.Body, string(t.Priority), nullableString(t.StreamID), formatTime(t.CreatedAt))
	if err != nil {
		return err
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// ListTasks returns tasks for a repo, most recent first.
func (s *Store) ListTasks(ctx context.Context, repoID string, limit int) ([]core.RepairTask, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, repo_id, title, body, priority, stream_id, created_at FROM "+
			s.T("tasks")+" WHERE repo_id = ? ORDER BY id DESC LIMIT ?", repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.RepairTask
	for rows.Next() {
		var t core.RepairTask
		var streamID sql.NullString
		var priority, createdAt string
		if err := rows.Scan(&t.ID, &t.RepoID, &t.Title, &t.Body, &priority, &streamID, &createdAt); err != nil {
			return nil, err
		}
		t.Priority = core.TaskPriority(priority)
		t.StreamID = streamID.String
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
