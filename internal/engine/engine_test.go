package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/postloom/postloom/backend/internal/lifecycle"
	"github.com/postloom/postloom/backend/internal/models"
	"github.com/postloom/postloom/backend/internal/store"
)

var postCols = []string{
	"id", "workspace_id", "account_id", "author_id", "content", "media_url", "status",
	"scheduled_at", "posted_at", "error_message", "platform_post_id", "latest_feedback",
	"created_at", "updated_at",
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	svc := NewService(store.New(db), discardLogger())
	return svc, mock, func() { _ = db.Close() }
}

func postRow(id, workspace, account string, status models.PostStatus, scheduledAt *time.Time) *sqlmock.Rows {
	now := time.Now().UTC()
	var sched any
	if scheduledAt != nil {
		sched = *scheduledAt
	}
	return sqlmock.NewRows(postCols).
		AddRow(id, workspace, account, "u-author", "hello", nil, status,
			sched, nil, nil, nil, nil, now, now)
}

func expectGetPost(mock sqlmock.Sqlmock, id string, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT id, workspace_id, account_id.*FROM public\.posts\s+WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(rows)
}

func expectRole(mock sqlmock.Sqlmock, userID, workspaceID string, role models.Role) {
	mock.ExpectQuery(`SELECT role\s+FROM public\.workspace_members`).
		WithArgs(userID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(string(role)))
}

func TestSubmitForApproval_AuthorMovesDraftToPending(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusDraft, nil))
	expectRole(mock, "u1", "w1", models.RoleAuthor)
	mock.ExpectExec(`UPDATE public\.posts\s+SET status = \$3`).
		WithArgs("p1", models.StatusDraft, models.StatusPendingApproval).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPendingApproval, nil))

	p, err := svc.SubmitForApproval(context.Background(), "u1", "p1")
	if err != nil {
		t.Fatalf("SubmitForApproval: %v", err)
	}
	if p.Status != models.StatusPendingApproval {
		t.Fatalf("status = %s, want %s", p.Status, models.StatusPendingApproval)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestApprove_WithDueTimeSchedulesAndRegistersDispatch(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	due := time.Now().Add(2 * time.Hour).UTC()
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPendingApproval, &due))
	expectRole(mock, "mgr", "w1", models.RoleManager)
	mock.ExpectExec(`UPDATE public\.posts\s+SET status = \$3, scheduled_at = \$4`).
		WithArgs("p1", models.StatusPendingApproval, models.StatusScheduled, due).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.dispatch_requests.*ON CONFLICT \(post_id\) DO UPDATE`).
		WithArgs("p1", due).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusScheduled, &due))

	p, err := svc.Approve(context.Background(), "mgr", "p1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if p.Status != models.StatusScheduled {
		t.Fatalf("status = %s, want %s", p.Status, models.StatusScheduled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestApprove_WithoutDueTimeLandsInApproved(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPendingApproval, nil))
	expectRole(mock, "client", "w1", models.RoleClient)
	mock.ExpectExec(`UPDATE public\.posts\s+SET status = \$3`).
		WithArgs("p1", models.StatusPendingApproval, models.StatusApproved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusApproved, nil))

	p, err := svc.Approve(context.Background(), "client", "p1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if p.Status != models.StatusApproved {
		t.Fatalf("status = %s, want %s", p.Status, models.StatusApproved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRequestChanges_StoresFeedback(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPendingApproval, nil))
	expectRole(mock, "client", "w1", models.RoleClient)
	mock.ExpectExec(`UPDATE public\.posts\s+SET status = \$3, latest_feedback = \$4`).
		WithArgs("p1", models.StatusPendingApproval, models.StatusNeedsRevision, "tone it down").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusNeedsRevision, nil))

	if _, err := svc.RequestChanges(context.Background(), "client", "p1", "tone it down"); err != nil {
		t.Fatalf("RequestChanges: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestApprove_AuthorIsRejectedWithoutWrites(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPendingApproval, nil))
	expectRole(mock, "u1", "w1", models.RoleAuthor)

	_, err := svc.Approve(context.Background(), "u1", "p1")
	var na *lifecycle.NotAuthorizedError
	if !errors.As(err, &na) {
		t.Fatalf("err = %v, want NotAuthorizedError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestApprove_DraftIsIllegal(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusDraft, nil))
	expectRole(mock, "mgr", "w1", models.RoleManager)

	_, err := svc.Approve(context.Background(), "mgr", "p1")
	var it *lifecycle.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestTransition_NonMemberIsRejected(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusDraft, nil))
	mock.ExpectQuery(`SELECT role\s+FROM public\.workspace_members`).
		WithArgs("stranger", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}))

	_, err := svc.SubmitForApproval(context.Background(), "stranger", "p1")
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("err = %v, want ErrNotMember", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestTransition_RetriesOnceOnStaleWrite(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// First pass loses the optimistic write.
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusDraft, nil))
	expectRole(mock, "u1", "w1", models.RoleAuthor)
	mock.ExpectExec(`UPDATE public\.posts\s+SET status = \$3`).
		WithArgs("p1", models.StatusDraft, models.StatusPendingApproval).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Second pass re-reads and succeeds.
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusDraft, nil))
	expectRole(mock, "u1", "w1", models.RoleAuthor)
	mock.ExpectExec(`UPDATE public\.posts\s+SET status = \$3`).
		WithArgs("p1", models.StatusDraft, models.StatusPendingApproval).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPendingApproval, nil))

	if _, err := svc.SubmitForApproval(context.Background(), "u1", "p1"); err != nil {
		t.Fatalf("SubmitForApproval: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreatePost_RejectsAccountFromOtherWorkspace(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectRole(mock, "u1", "w1", models.RoleAuthor)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, workspace_id, platform.*FROM public\.connected_accounts`).
		WithArgs("a-other").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workspace_id", "platform", "external_id", "external_name", "is_active",
			"access_token_enc", "refresh_token_enc", "token_expires_at", "created_at", "updated_at",
		}).AddRow("a-other", "w2", "facebook", "page-9", nil, true, "enc:v1:x", nil, nil, now, now))

	_, err := svc.CreatePost(context.Background(), "u1", CreatePostInput{
		WorkspaceID: "w1", AccountID: "a-other", Content: "hi",
	})
	if !errors.Is(err, ErrAccountMismatch) {
		t.Fatalf("err = %v, want ErrAccountMismatch", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreatePost_WithDueTimeRegistersDispatch(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	due := time.Now().Add(time.Hour).UTC()
	now := time.Now().UTC()
	expectRole(mock, "u1", "w1", models.RoleManager)
	mock.ExpectQuery(`SELECT id, workspace_id, platform.*FROM public\.connected_accounts`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workspace_id", "platform", "external_id", "external_name", "is_active",
			"access_token_enc", "refresh_token_enc", "token_expires_at", "created_at", "updated_at",
		}).AddRow("a1", "w1", "facebook", "page-1", nil, true, "enc:v1:x", nil, nil, now, now))
	mock.ExpectQuery(`INSERT INTO public\.posts`).
		WithArgs(sqlmock.AnyArg(), "w1", "a1", sqlmock.AnyArg(), "hi", nil, models.StatusScheduled, due).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec(`INSERT INTO public\.dispatch_requests.*ON CONFLICT \(post_id\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), due).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p, err := svc.CreatePost(context.Background(), "u1", CreatePostInput{
		WorkspaceID: "w1", AccountID: "a1", Content: "hi", ScheduledAt: &due,
	})
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if p.Status != models.StatusScheduled {
		t.Fatalf("status = %s, want %s", p.Status, models.StatusScheduled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUpdatePost_PostedIsImmutable(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPosted, nil))
	expectRole(mock, "mgr", "w1", models.RoleManager)

	content := "rewrite"
	_, err := svc.UpdatePost(context.Background(), "mgr", "p1", UpdatePostInput{Content: &content})
	var it *lifecycle.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUpdatePost_IllegalRescheduleWritesNothing(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// A combined content edit and reschedule on a pending post must be
	// rejected before the content write, not after.
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPendingApproval, nil))
	expectRole(mock, "u1", "w1", models.RoleAuthor)

	content := "rewrite"
	due := time.Now().Add(time.Hour).UTC()
	_, err := svc.UpdatePost(context.Background(), "u1", "p1", UpdatePostInput{Content: &content, ScheduledAt: &due})
	var it *lifecycle.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
	if it.From != models.StatusPendingApproval {
		t.Fatalf("From = %s, want %s", it.From, models.StatusPendingApproval)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUpdatePost_ErroredPostReturnsToDraft(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusError, nil))
	expectRole(mock, "u1", "w1", models.RoleAuthor)
	mock.ExpectExec(`UPDATE public\.posts\s+SET content = \$3, media_url = \$4, status = \$5`).
		WithArgs("p1", models.StatusError, "fixed", nil, models.StatusDraft).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusDraft, nil))

	content := "fixed"
	p, err := svc.UpdatePost(context.Background(), "u1", "p1", UpdatePostInput{Content: &content})
	if err != nil {
		t.Fatalf("UpdatePost: %v", err)
	}
	if p.Status != models.StatusDraft {
		t.Fatalf("status = %s, want %s", p.Status, models.StatusDraft)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUpdatePost_RescheduleSupersedesDispatch(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	oldDue := time.Now().Add(time.Hour).UTC()
	newDue := time.Now().Add(3 * time.Hour).UTC()
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusScheduled, &oldDue))
	expectRole(mock, "mgr", "w1", models.RoleManager)
	mock.ExpectExec(`UPDATE public\.posts\s+SET content = \$3, media_url = \$4, status = \$5`).
		WithArgs("p1", models.StatusScheduled, "hello", nil, models.StatusScheduled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.posts\s+SET status = \$3, scheduled_at = \$4`).
		WithArgs("p1", models.StatusScheduled, models.StatusScheduled, newDue).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.dispatch_requests.*ON CONFLICT \(post_id\) DO UPDATE`).
		WithArgs("p1", newDue).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusScheduled, &newDue))

	if _, err := svc.UpdatePost(context.Background(), "mgr", "p1", UpdatePostInput{ScheduledAt: &newDue}); err != nil {
		t.Fatalf("UpdatePost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUpdatePost_ClearScheduleCancelsDispatch(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	due := time.Now().Add(time.Hour).UTC()
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusScheduled, &due))
	expectRole(mock, "mgr", "w1", models.RoleManager)
	mock.ExpectExec(`UPDATE public\.posts\s+SET content = \$3, media_url = \$4, status = \$5`).
		WithArgs("p1", models.StatusScheduled, "hello", nil, models.StatusDraft).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM public\.dispatch_requests WHERE post_id = \$1`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusDraft, nil))

	p, err := svc.UpdatePost(context.Background(), "mgr", "p1", UpdatePostInput{ClearSchedule: true})
	if err != nil {
		t.Fatalf("UpdatePost: %v", err)
	}
	if p.Status != models.StatusDraft {
		t.Fatalf("status = %s, want %s", p.Status, models.StatusDraft)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestDeletePost_ScheduledCancelsDispatch(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	due := time.Now().Add(time.Hour).UTC()
	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusScheduled, &due))
	expectRole(mock, "u1", "w1", models.RoleAuthor)
	mock.ExpectExec(`DELETE FROM public\.posts\s+WHERE id = \$1`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM public\.dispatch_requests WHERE post_id = \$1`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.DeletePost(context.Background(), "u1", "p1"); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestDeletePost_PostedIsRefused(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectGetPost(mock, "p1", postRow("p1", "w1", "a1", models.StatusPosted, nil))
	expectRole(mock, "mgr", "w1", models.RoleManager)

	err := svc.DeletePost(context.Background(), "mgr", "p1")
	var it *lifecycle.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
