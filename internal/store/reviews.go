package store

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
)

// UpsertReview records a review verdict. Unique per (stream, reviewer);
// a later submission overwrites the verdict and refreshes the timestamp.
func (s *Store) UpsertReview(ctx context.Context, r core.Review) error {
	if r.ReviewedAt.IsZero() {
		r.ReviewedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("stream_reviews")+" (stream_id, reviewer_id, verdict, feedback, is_human, tested, reviewed_at) VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(stream_id, reviewer_id) DO UPDATE SET verdict = excluded.verdict, feedback = excluded.feedback, "+
			"is_human = excluded.is_human, tested = excluded.tested, reviewed_at = excluded.reviewed_at",
		r.StreamID, r.ReviewerID, string(r.Verdict), r.Feedback,
		boolToInt(r.IsHuman), boolToInt(r.Tested), formatTime(r.ReviewedAt))
	return err
}

// ListReviewsSince returns reviews recorded at or after a cutoff,
// across streams. Serves the coordinator's poll endpoint.
func (s *Store) ListReviewsSince(ctx context.Context, since time.Time) ([]core.Review, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT stream_id, reviewer_id, verdict, feedback, is_human, tested, reviewed_at FROM "+
			s.T("stream_reviews")+" WHERE reviewed_at >= ? ORDER BY reviewed_at", formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Review
	for rows.Next() {
		var r core.Review
		var verdict, reviewedAt string
		var isHuman, tested int
		if err := rows.Scan(&r.StreamID, &r.ReviewerID, &verdict, &r.Feedback, &isHuman, &tested, &reviewedAt); err != nil {
			return nil, err
		}
		r.Verdict = core.Verdict(verdict)
		r.IsHuman = isHuman != 0
		r.Tested = tested != 0
		r.ReviewedAt = parseTime(reviewedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListReviews returns all reviews for a stream.
func (s *Store) ListReviews(ctx context.Context, streamID string) ([]core.Review, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT stream_id, reviewer_id, verdict, feedback, is_human, tested, reviewed_at FROM "+
			s.T("stream_reviews")+" WHERE stream_id = ? ORDER BY reviewed_at", streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Review
	for rows.Next() {
		var r core.Review
		var verdict, reviewedAt string
		var isHuman, tested int
		if err := rows.Scan(&r.StreamID, &r.ReviewerID, &verdict, &r.Feedback, &isHuman, &tested, &reviewedAt); err != nil {
			return nil, err
		}
		r.Verdict = core.Verdict(verdict)
		r.IsHuman = isHuman != 0
		r.Tested = tested != 0
		r.ReviewedAt = parseTime(reviewedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
