package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/postloom/postloom/backend/internal/models"
)

// DispatchStore is the durable side of the scheduler: one row per scheduled
// post, superseded (generation bumped) on every reschedule, claimed by a
// single conditional UPDATE so concurrent workers never double-fire the same
// generation.
type DispatchStore struct {
	db *sql.DB
}

func NewDispatchStore(db *sql.DB) *DispatchStore { return &DispatchStore{db: db} }

// Register creates the post's dispatch request or supersedes the existing one:
// the due time is replaced, the attempt counter resets, the generation is
// bumped and any claim is cleared. Idempotent per post.
func (s *DispatchStore) Register(ctx context.Context, postID string, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.dispatch_requests (post_id, due_at, attempt, generation, updated_at)
		VALUES ($1, $2, 0, 1, NOW())
		ON CONFLICT (post_id) DO UPDATE SET
		  due_at     = EXCLUDED.due_at,
		  attempt    = 0,
		  generation = public.dispatch_requests.generation + 1,
		  claimed_by = NULL,
		  claimed_at = NULL,
		  updated_at = NOW()
	`, postID, dueAt)
	if err != nil {
		return fmt.Errorf("register dispatch: %w", err)
	}
	return nil
}

// Cancel removes the post's pending dispatch request, if any.
func (s *DispatchStore) Cancel(ctx context.Context, postID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM public.dispatch_requests WHERE post_id = $1
	`, postID)
	if err != nil {
		return fmt.Errorf("cancel dispatch: %w", err)
	}
	return nil
}

// Get returns the post's dispatch request.
func (s *DispatchStore) Get(ctx context.Context, postID string) (*models.DispatchRequest, error) {
	var d models.DispatchRequest
	var claimedBy sql.NullString
	var claimedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT post_id, due_at, attempt, generation, claimed_by, claimed_at, updated_at
		  FROM public.dispatch_requests
		 WHERE post_id = $1
	`, postID).Scan(&d.PostID, &d.DueAt, &d.Attempt, &d.Generation, &claimedBy, &claimedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	d.ClaimedBy = nullStringPtr(claimedBy)
	d.ClaimedAt = nullTimePtr(claimedAt)
	return &d, nil
}

// ClaimDue lists requests due at or before now and claims each with a single
// conditional UPDATE. A row is claimable when unclaimed, or when its claim is
// older than the liveness window (worker crash recovery). Requests are offered
// in (due_at, post_id) order; only rows whose claim UPDATE won are returned.
func (s *DispatchStore) ClaimDue(ctx context.Context, now time.Time, limit int, owner string, liveness time.Duration) ([]models.DispatchRequest, error) {
	if limit <= 0 {
		limit = 25
	}
	staleBefore := now.Add(-liveness)

	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, due_at, attempt, generation
		  FROM public.dispatch_requests
		 WHERE due_at <= $1
		   AND (claimed_at IS NULL OR claimed_at < $2)
		 ORDER BY due_at ASC, post_id ASC
		 LIMIT $3
	`, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list due dispatches: %w", err)
	}
	defer rows.Close()

	cands := make([]models.DispatchRequest, 0)
	for rows.Next() {
		var d models.DispatchRequest
		if err := rows.Scan(&d.PostID, &d.DueAt, &d.Attempt, &d.Generation); err != nil {
			return nil, fmt.Errorf("scan due dispatch: %w", err)
		}
		cands = append(cands, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]models.DispatchRequest, 0, len(cands))
	for _, d := range cands {
		res, err := s.db.ExecContext(ctx, `
			UPDATE public.dispatch_requests
			   SET claimed_by = $3, claimed_at = $4, updated_at = NOW()
			 WHERE post_id = $1
			   AND generation = $2
			   AND (claimed_at IS NULL OR claimed_at < $5)
		`, d.PostID, d.Generation, owner, now, staleBefore)
		if err != nil {
			return claimed, fmt.Errorf("claim dispatch %s: %w", d.PostID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Lost the race to another worker, or the request was
			// superseded/cancelled between the scan and the claim.
			continue
		}
		d.ClaimedBy = &owner
		at := now
		d.ClaimedAt = &at
		claimed = append(claimed, d)
	}
	return claimed, nil
}

// Ack removes a finished request iff it still carries the claimed generation.
// A superseded row is left alone: it belongs to the newer schedule.
func (s *DispatchStore) Ack(ctx context.Context, postID string, generation int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM public.dispatch_requests
		 WHERE post_id = $1 AND generation = $2
	`, postID, generation)
	if err != nil {
		return fmt.Errorf("ack dispatch: %w", err)
	}
	return requireOneRow(res)
}

// Reschedule re-arms a claimed request for a retry attempt: new due time,
// incremented attempt, claim cleared, same generation. ErrStaleWrite when the
// request was superseded or cancelled while the attempt ran.
func (s *DispatchStore) Reschedule(ctx context.Context, postID string, generation int64, dueAt time.Time, attempt int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.dispatch_requests
		   SET due_at = $3, attempt = $4, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		 WHERE post_id = $1 AND generation = $2
	`, postID, generation, dueAt, attempt)
	if err != nil {
		return fmt.Errorf("reschedule dispatch: %w", err)
	}
	return requireOneRow(res)
}

// ReleaseExpired clears claims older than the liveness window so crashed
// workers' requests become claimable again. Returns the number of reclaimed
// rows.
func (s *DispatchStore) ReleaseExpired(ctx context.Context, now time.Time, liveness time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.dispatch_requests
		   SET claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		 WHERE claimed_at IS NOT NULL AND claimed_at < $1
	`, now.Add(-liveness))
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return res.RowsAffected()
}
