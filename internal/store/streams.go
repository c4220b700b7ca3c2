package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
)

const streamColumns = `id, repo_id, owner_id, branch, base_branch, parent_stream, task,
	source, status, review_status, created_at, updated_at`

// UpsertStream writes the policy-level stream row. The git driver is
// authoritative for branches; this row gives the policy engine and sync
// protocol visibility.
func (s *Store) UpsertStream(ctx context.Context, st *core.Stream) error {
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("streams")+" ("+streamColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET branch = excluded.branch, task = excluded.task, "+
			"status = excluded.status, review_status = excluded.review_status, updated_at = excluded.updated_at",
		st.ID, st.RepoID, st.OwnerID, st.Branch, st.BaseBranch,
		nullableString(st.ParentStream), nullableString(st.Task), string(st.Source),
		string(st.Status), string(st.ReviewStatus), formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting stream: %w", err)
	}
	return nil
}

// GetStream loads a stream by id.
func (s *Store) GetStream(ctx context.Context, id string) (*core.Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx,
		"SELECT "+streamColumns+" FROM "+s.T("streams")+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound(core.CodeStreamNotFound, "stream", id)
	}
	return st, err
}

// GetStreamTx loads a stream inside a transaction (used for the
// optimistic re-read during merges).
func (s *Store) GetStreamTx(ctx context.Context, tx *sql.Tx, id string) (*core.Stream, error) {
	st, err := scanStream(tx.QueryRowContext(ctx,
		"SELECT "+streamColumns+" FROM "+s.T("streams")+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound(core.CodeStreamNotFound, "stream", id)
	}
	return st, err
}

func scanStream(row rowScanner) (*core.Stream, error) {
	var st core.Stream
	var parent, task sql.NullString
	var source, status, reviewStatus, createdAt, updatedAt string
	err := row.Scan(&st.ID, &st.RepoID, &st.OwnerID, &st.Branch, &st.BaseBranch,
		&parent, &task, &source, &status, &reviewStatus, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.ParentStream = parent.String
	st.Task = task.String
	st.Source = core.StreamSource(source)
	st.Status = core.StreamStatus(status)
	st.ReviewStatus = core.ReviewState(reviewStatus)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// ListStreams returns streams for a repo, optionally filtered by status.
func (s *Store) ListStreams(ctx context.Context, repoID string, statuses ...core.StreamStatus) ([]core.Stream, error) {
	query := "SELECT " + streamColumns + " FROM " + s.T("streams") + " WHERE repo_id = ?"
	args := []interface{}{repoID}
	if len(statuses) > 0 {
		query += " AND status IN (?" + repeat(",?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// UpdateStreamStatus moves a stream to a new status, guarded by the
// expected current status (optimistic lock). Returns false when the
// guard did not match.
func (s *Store) UpdateStreamStatus(ctx context.Context, id string, from, to core.StreamStatus, review core.ReviewState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+s.T("streams")+" SET status = ?, review_status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), string(review), formatTime(time.Now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateStreamStatusTx is UpdateStreamStatus inside a transaction.
func (s *Store) UpdateStreamStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to core.StreamStatus, review core.ReviewState) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE "+s.T("streams")+" SET status = ?, review_status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), string(review), formatTime(time.Now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Stream commits (append-only) ---

// AppendStreamCommit records a commit on a stream.
func (s *Store) AppendStreamCommit(ctx context.Context, c core.StreamCommit) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("stream_commits")+" (stream_id, agent_id, commit_hash, change_id, message, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		c.StreamID, c.AgentID, c.CommitHash, nullableString(c.ChangeID), c.Message, formatTime(c.CreatedAt))
	return err
}

// ListStreamCommits returns the commits of a stream in insertion order.
func (s *Store) ListStreamCommits(ctx context.Context, streamID string) ([]core.StreamCommit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT stream_id, agent_id, commit_hash, change_id, message, created_at FROM "+
			s.T("stream_commits")+" WHERE stream_id = ? ORDER BY id", streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.StreamCommit
	for rows.Next() {
		var c core.StreamCommit
		var changeID sql.NullString
		var createdAt string
		if err := rows.Scan(&c.StreamID, &c.AgentID, &c.CommitHash, &changeID, &c.Message, &createdAt); err != nil {
			return nil, err
		}
		c.ChangeID = changeID.String
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
