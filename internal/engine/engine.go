// Package engine owns every lifecycle write: the transition operations the
// API layer calls, and the dispatch worker that executes due publish
// attempts. Nothing else mutates a post's status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postloom/postloom/backend/internal/lifecycle"
	"github.com/postloom/postloom/backend/internal/models"
	"github.com/postloom/postloom/backend/internal/store"
)

// ErrNotMember is returned when the acting user does not belong to the
// post's workspace.
var ErrNotMember = errors.New("engine: user is not a member of the workspace")

// ErrAccountMismatch is returned when a post references a connected account
// outside its own workspace.
var ErrAccountMismatch = errors.New("engine: connected account belongs to a different workspace")

// Service exposes the post transition operations of the approval workflow.
type Service struct {
	posts    *store.PostStore
	dispatch *store.DispatchStore
	members  *store.MembershipStore
	accounts *store.AccountStore
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(s *store.Stores, log logrus.FieldLogger) *Service {
	return &Service{
		posts:    s.Posts,
		dispatch: s.Dispatch,
		members:  s.Members,
		accounts: s.Accounts,
		log:      log,
		now:      time.Now,
	}
}

// roleFor resolves the acting user's role in the workspace, mapping a missing
// membership to ErrNotMember.
func (s *Service) roleFor(ctx context.Context, userID, workspaceID string) (models.Role, error) {
	role, err := s.members.RoleOf(ctx, userID, workspaceID)
	if err == store.ErrNotFound {
		return "", ErrNotMember
	}
	return role, err
}

// CreatePostInput is the payload for CreatePost.
type CreatePostInput struct {
	WorkspaceID string
	AccountID   string
	Content     string
	MediaURL    *string
	ScheduledAt *time.Time
}

// CreatePost creates a post in draft, or directly in scheduled when a due
// time is supplied. The referenced account must belong to the post's
// workspace.
func (s *Service) CreatePost(ctx context.Context, userID string, in CreatePostInput) (*models.Post, error) {
	role, err := s.roleFor(ctx, userID, in.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if role != models.RoleAuthor && role != models.RoleManager {
		return nil, &lifecycle.NotAuthorizedError{Role: role, Event: lifecycle.EventEditContent}
	}

	acct, err := s.accounts.Get(ctx, in.AccountID)
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("%w: account %s not found", ErrAccountMismatch, in.AccountID)
	}
	if err != nil {
		return nil, err
	}
	if acct.WorkspaceID != in.WorkspaceID {
		return nil, ErrAccountMismatch
	}

	p := &models.Post{
		WorkspaceID: in.WorkspaceID,
		AccountID:   in.AccountID,
		AuthorID:    &userID,
		Content:     in.Content,
		MediaURL:    in.MediaURL,
		Status:      models.StatusDraft,
		ScheduledAt: in.ScheduledAt,
	}
	if in.ScheduledAt != nil {
		p.Status = models.StatusScheduled
	}
	if err := s.posts.Create(ctx, p); err != nil {
		return nil, err
	}
	if p.Status == models.StatusScheduled {
		if err := s.dispatch.Register(ctx, p.ID, *in.ScheduledAt); err != nil {
			return nil, err
		}
	}
	s.log.WithFields(logrus.Fields{"postId": p.ID, "workspaceId": p.WorkspaceID, "status": p.Status}).
		Info("post created")
	return p, nil
}

// GetPost fetches a post after checking workspace membership.
func (s *Service) GetPost(ctx context.Context, userID, postID string) (*models.Post, error) {
	p, err := s.posts.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if _, err := s.roleFor(ctx, userID, p.WorkspaceID); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPosts lists workspace posts after checking membership.
func (s *Service) ListPosts(ctx context.Context, userID, workspaceID string, f store.ListFilter) ([]models.Post, error) {
	if _, err := s.roleFor(ctx, userID, workspaceID); err != nil {
		return nil, err
	}
	return s.posts.ListByWorkspace(ctx, workspaceID, f)
}

// SubmitForApproval moves a draft or revised post into pending approval.
func (s *Service) SubmitForApproval(ctx context.Context, userID, postID string) (*models.Post, error) {
	return s.transition(ctx, userID, postID, lifecycle.EventSubmitForApproval, nil)
}

// Approve accepts a pending post: into scheduled when a due time is set
// (registering its dispatch request), otherwise into approved.
func (s *Service) Approve(ctx context.Context, userID, postID string) (*models.Post, error) {
	return s.transition(ctx, userID, postID, lifecycle.EventApprove, nil)
}

// RequestChanges sends a pending post back for revision, recording the
// reviewer's feedback.
func (s *Service) RequestChanges(ctx context.Context, userID, postID, feedback string) (*models.Post, error) {
	return s.transition(ctx, userID, postID, lifecycle.EventRequestChanges, &feedback)
}

// transition runs one user-driven state machine event with a single re-read
// retry on a stale write.
func (s *Service) transition(ctx context.Context, userID, postID string, event lifecycle.Event, feedback *string) (*models.Post, error) {
	var p *models.Post
	err := s.withStaleRetry(func() error {
		var err error
		p, err = s.applyTransition(ctx, userID, postID, event, feedback)
		return err
	})
	return p, err
}

func (s *Service) applyTransition(ctx context.Context, userID, postID string, event lifecycle.Event, feedback *string) (*models.Post, error) {
	p, err := s.posts.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	role, err := s.roleFor(ctx, userID, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	out, err := lifecycle.Apply(lifecycle.Input{
		Status:     p.Status,
		Event:      event,
		Role:       role,
		HasDueTime: p.ScheduledAt != nil,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case out.StoreFeedback:
		fb := ""
		if feedback != nil {
			fb = *feedback
		}
		if err := s.posts.SetNeedsRevision(ctx, p.ID, p.Status, fb); err != nil {
			return nil, err
		}
	case out.To == models.StatusScheduled:
		if err := s.posts.SetScheduled(ctx, p.ID, p.Status, *p.ScheduledAt); err != nil {
			return nil, err
		}
	default:
		if err := s.posts.SetStatus(ctx, p.ID, p.Status, out.To); err != nil {
			return nil, err
		}
	}

	if out.RegisterDispatch {
		if err := s.dispatch.Register(ctx, p.ID, *p.ScheduledAt); err != nil {
			return nil, err
		}
	}
	if out.CancelDispatch {
		if err := s.dispatch.Cancel(ctx, p.ID); err != nil {
			return nil, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"postId": p.ID, "event": event, "from": p.Status, "to": out.To, "actor": userID, "role": role,
	}).Info("post transition")
	return s.posts.Get(ctx, postID)
}

// UpdatePostInput is the payload for UpdatePost. A nil field is left
// untouched; setting ScheduledAt reschedules; ClearSchedule cancels a
// scheduled post back to draft.
type UpdatePostInput struct {
	Content       *string
	MediaURL      *string
	ScheduledAt   *time.Time
	ClearSchedule bool
}

// UpdatePost edits content/media (allowed in any non-posted state; an edit to
// an errored post routes it back to draft) and applies due-time changes. A
// due-time change on a scheduled post supersedes, never duplicates, its
// dispatch request.
func (s *Service) UpdatePost(ctx context.Context, userID, postID string, in UpdatePostInput) (*models.Post, error) {
	var p *models.Post
	err := s.withStaleRetry(func() error {
		var err error
		p, err = s.applyUpdate(ctx, userID, postID, in)
		return err
	})
	return p, err
}

func (s *Service) applyUpdate(ctx context.Context, userID, postID string, in UpdatePostInput) (*models.Post, error) {
	p, err := s.posts.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	role, err := s.roleFor(ctx, userID, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.CanEditContent(p.Status) {
		return nil, &lifecycle.IllegalTransitionError{From: p.Status, Event: lifecycle.EventEditContent}
	}
	if role == models.RoleClient {
		return nil, &lifecycle.NotAuthorizedError{Role: role, Event: lifecycle.EventEditContent}
	}

	content := p.Content
	if in.Content != nil {
		content = *in.Content
	}
	media := p.MediaURL
	if in.MediaURL != nil {
		media = in.MediaURL
	}

	newStatus := lifecycle.StatusAfterEdit(p.Status)
	clearing := in.ClearSchedule && p.Status == models.StatusScheduled
	if clearing {
		newStatus = models.StatusDraft
	}

	// Validate the due-time change before the first write: a combined
	// edit+reschedule either applies entirely or not at all.
	rescheduling := in.ScheduledAt != nil && !clearing
	var resched lifecycle.Outcome
	if rescheduling {
		resched, err = lifecycle.Apply(lifecycle.Input{
			Status:     newStatus,
			Event:      lifecycle.EventReschedule,
			Role:       role,
			HasDueTime: true,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := s.posts.UpdateContent(ctx, p.ID, p.Status, newStatus, content, media); err != nil {
		return nil, err
	}
	if clearing {
		if err := s.dispatch.Cancel(ctx, p.ID); err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"postId": p.ID, "actor": userID}).Info("schedule cleared")
		return s.posts.Get(ctx, postID)
	}

	if rescheduling {
		if err := s.posts.SetScheduled(ctx, p.ID, newStatus, *in.ScheduledAt); err != nil {
			return nil, err
		}
		if resched.RegisterDispatch {
			if err := s.dispatch.Register(ctx, p.ID, *in.ScheduledAt); err != nil {
				return nil, err
			}
		}
		s.log.WithFields(logrus.Fields{
			"postId": p.ID, "dueAt": in.ScheduledAt.UTC().Format(time.RFC3339), "actor": userID,
		}).Info("post rescheduled")
	}
	return s.posts.Get(ctx, postID)
}

// ScheduleDueNow forces an immediate dispatch of the post: its due time
// becomes now and the dispatch request is superseded accordingly. Used when
// an edit sets a due time at or before the present.
func (s *Service) ScheduleDueNow(ctx context.Context, userID, postID string) (*models.Post, error) {
	now := s.now()
	return s.UpdatePost(ctx, userID, postID, UpdatePostInput{ScheduledAt: &now})
}

// DeletePost removes a post while it is draft or scheduled with no attempt in
// flight, cancelling any pending dispatch request.
func (s *Service) DeletePost(ctx context.Context, userID, postID string) error {
	p, err := s.posts.Get(ctx, postID)
	if err != nil {
		return err
	}
	role, err := s.roleFor(ctx, userID, p.WorkspaceID)
	if err != nil {
		return err
	}
	if role != models.RoleAuthor && role != models.RoleManager {
		return &lifecycle.NotAuthorizedError{Role: role, Event: lifecycle.EventDelete}
	}
	if !lifecycle.CanDelete(p.Status) {
		return &lifecycle.IllegalTransitionError{From: p.Status, Event: lifecycle.EventDelete}
	}
	// The conditional delete re-checks status and refuses while a dispatch
	// attempt is claimed.
	if err := s.posts.Delete(ctx, p.ID); err != nil {
		return err
	}
	if err := s.dispatch.Cancel(ctx, p.ID); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"postId": p.ID, "actor": userID}).Info("post deleted")
	return nil
}

// withStaleRetry runs fn, retrying once when it loses an optimistic-
// concurrency race. The second loss surfaces as a conflict.
func (s *Service) withStaleRetry(fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrStaleWrite) {
		err = fn()
	}
	return err
}
