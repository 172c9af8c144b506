package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/postloom/postloom/backend/internal/models"
)

// PostStore is the repository for post rows. All status-changing writes are
// conditional on the status (and, for engine finalization, the dispatch
// generation) the caller last observed.
type PostStore struct {
	db *sql.DB
}

func NewPostStore(db *sql.DB) *PostStore { return &PostStore{db: db} }

const postColumns = `id, workspace_id, account_id, author_id, content, media_url, status,
       scheduled_at, posted_at, error_message, platform_post_id, latest_feedback,
       created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*models.Post, error) {
	var p models.Post
	var authorID, mediaURL, errMsg, platformPostID, feedback sql.NullString
	var scheduledAt, postedAt sql.NullTime
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.AccountID, &authorID, &p.Content, &mediaURL,
		&p.Status, &scheduledAt, &postedAt, &errMsg, &platformPostID, &feedback,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.AuthorID = nullStringPtr(authorID)
	p.MediaURL = nullStringPtr(mediaURL)
	p.ErrorMessage = nullStringPtr(errMsg)
	p.PlatformPostID = nullStringPtr(platformPostID)
	p.LatestFeedback = nullStringPtr(feedback)
	p.ScheduledAt = nullTimePtr(scheduledAt)
	p.PostedAt = nullTimePtr(postedAt)
	return &p, nil
}

// Create inserts a post. An empty ID is assigned here; timestamps are set by
// the database.
func (s *PostStore) Create(ctx context.Context, p *models.Post) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.posts
		  (id, workspace_id, account_id, author_id, content, media_url, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`, p.ID, p.WorkspaceID, p.AccountID, p.AuthorID, p.Content, p.MediaURL, p.Status, p.ScheduledAt)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

// Get fetches a post by id.
func (s *PostStore) Get(ctx context.Context, id string) (*models.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		  FROM public.posts
		 WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// ListFilter narrows a workspace post listing.
type ListFilter struct {
	Status          *models.PostStatus
	ScheduledAfter  *time.Time
	ScheduledBefore *time.Time
	Limit           int
}

// ListByWorkspace returns posts for a workspace, newest first, optionally
// filtered by status and scheduled-time window.
func (s *PostStore) ListByWorkspace(ctx context.Context, workspaceID string, f ListFilter) ([]models.Post, error) {
	q := `SELECT ` + postColumns + ` FROM public.posts WHERE workspace_id = $1`
	args := []any{workspaceID}
	if f.Status != nil {
		args = append(args, *f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.ScheduledAfter != nil {
		args = append(args, *f.ScheduledAfter)
		q += fmt.Sprintf(" AND scheduled_at >= $%d", len(args))
	}
	if f.ScheduledBefore != nil {
		args = append(args, *f.ScheduledBefore)
		q += fmt.Sprintf(" AND scheduled_at <= $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetStatus moves a post from the observed status to a new one. ErrStaleWrite
// when the row changed underneath the caller.
func (s *PostStore) SetStatus(ctx context.Context, id string, from, to models.PostStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireOneRow(res)
}

// SetScheduled moves a post into scheduled with the given due time,
// conditional on the observed status.
func (s *PostStore) SetScheduled(ctx context.Context, id string, from models.PostStatus, dueAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = $3, scheduled_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $2
	`, id, from, models.StatusScheduled, dueAt)
	if err != nil {
		return fmt.Errorf("set scheduled: %w", err)
	}
	return requireOneRow(res)
}

// SetNeedsRevision records reviewer feedback and moves the post to
// needs_revision, conditional on the observed status.
func (s *PostStore) SetNeedsRevision(ctx context.Context, id string, from models.PostStatus, feedback string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = $3, latest_feedback = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $2
	`, id, from, models.StatusNeedsRevision, feedback)
	if err != nil {
		return fmt.Errorf("set needs revision: %w", err)
	}
	return requireOneRow(res)
}

// UpdateContent edits content/media (and possibly status, for the error→draft
// route) conditional on the observed status.
func (s *PostStore) UpdateContent(ctx context.Context, id string, observed, newStatus models.PostStatus, content string, mediaURL *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET content = $3, media_url = $4, status = $5,
		       error_message = CASE WHEN $5 = 'draft' THEN NULL ELSE error_message END,
		       updated_at = NOW()
		 WHERE id = $1 AND status = $2
	`, id, observed, content, mediaURL, newStatus)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return requireOneRow(res)
}

// FinalizePosted writes the terminal success state. The write is conditional
// on the post still being scheduled AND the dispatch request still carrying
// the generation the attempt was claimed under, so a superseded attempt can
// never finalize.
func (s *PostStore) FinalizePosted(ctx context.Context, id string, generation int64, platformPostID string, postedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = 'posted', posted_at = $3, platform_post_id = $4,
		       error_message = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'
		   AND EXISTS (
		         SELECT 1 FROM public.dispatch_requests
		          WHERE post_id = $1 AND generation = $2
		       )
	`, id, generation, postedAt, platformPostID)
	if err != nil {
		return fmt.Errorf("finalize posted: %w", err)
	}
	return requireOneRow(res)
}

// FinalizeError writes the terminal failure state, under the same generation
// guard as FinalizePosted.
func (s *PostStore) FinalizeError(ctx context.Context, id string, generation int64, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = 'error', error_message = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'
		   AND EXISTS (
		         SELECT 1 FROM public.dispatch_requests
		          WHERE post_id = $1 AND generation = $2
		       )
	`, id, generation, message)
	if err != nil {
		return fmt.Errorf("finalize error: %w", err)
	}
	return requireOneRow(res)
}

// Delete removes a post, but only while it is draft or scheduled and no
// dispatch attempt is currently claimed for it.
func (s *PostStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM public.posts
		 WHERE id = $1
		   AND status IN ('draft', 'scheduled')
		   AND NOT EXISTS (
		         SELECT 1 FROM public.dispatch_requests
		          WHERE post_id = $1 AND claimed_at IS NOT NULL
		       )
	`, id)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleWrite
	}
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
