package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
)

// Enqueue appends an outbound event to the sync queue. The queue is
// strictly FIFO by the autoincrement seq.
func (s *Store) Enqueue(ctx context.Context, eventType string, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("sync_queue")+" (event_type, payload, attempts, created_at) VALUES (?, ?, 0, ?)",
		eventType, string(payload), formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PeekQueue returns up to limit entries in seq order.
func (s *Store) PeekQueue(ctx context.Context, limit int) ([]core.SyncQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, event_type, payload, attempts, last_error, created_at FROM "+
			s.T("sync_queue")+" ORDER BY seq LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.SyncQueueEntry
	for rows.Next() {
		var e core.SyncQueueEntry
		var payload string
		var lastError sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Seq, &e.EventType, &payload, &e.Attempts, &lastError, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.LastError = lastError.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueueDepth returns the number of queued entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.T("sync_queue")).Scan(&n)
	return n, err
}

// DeleteQueueEntries removes delivered (ok or duplicate) entries.
func (s *Store) DeleteQueueEntries(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.T("sync_queue")+" WHERE seq = ?", seq); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkQueueError bumps the attempt counter and records the last error
// for a failed entry. The entry stays queued, preserving order.
func (s *Store) MarkQueueError(ctx context.Context, seq int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE "+s.T("sync_queue")+" SET attempts = attempts + 1, last_error = ? WHERE seq = ?",
		errMsg, seq)
	return err
}

// PendingQueueTypes returns the distinct event types still queued.
func (s *Store) PendingQueueTypes(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_type, COUNT(*) FROM "+s.T("sync_queue")+" GROUP BY event_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}
