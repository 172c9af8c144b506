// Package handlers is the HTTP surface over the post workflow engine. The
// handlers translate JSON and path vars; every lifecycle decision stays in the
// engine.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postloom/postloom/backend/internal/engine"
	"github.com/postloom/postloom/backend/internal/models"
	"github.com/postloom/postloom/backend/internal/store"
)

type Handler struct {
	engine *engine.Service
	log    logrus.FieldLogger
}

func New(e *engine.Service, log logrus.FieldLogger) *Handler {
	return &Handler{engine: e, log: log}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type createPostRequest struct {
	WorkspaceID string     `json:"workspaceId"`
	AccountID   string     `json:"accountId"`
	Content     string     `json:"content"`
	MediaURL    *string    `json:"mediaUrl,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkspaceID == "" || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId and accountId are required")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	p, err := h.engine.CreatePost(r.Context(), userID, engine.CreatePostInput{
		WorkspaceID: req.WorkspaceID,
		AccountID:   req.AccountID,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	p, err := h.engine.GetPost(r.Context(), userID, pathVar(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListWorkspacePosts(w http.ResponseWriter, r *http.Request) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}

	var f store.ListFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := models.PostStatus(s)
		f.Status = &status
	}
	for name, dst := range map[string]**time.Time{
		"scheduledAfter":  &f.ScheduledAfter,
		"scheduledBefore": &f.ScheduledBefore,
	} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be RFC3339")
				return
			}
			*dst = &ts
		}
	}

	posts, err := h.engine.ListPosts(r.Context(), userID, pathVar(r, "id"), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

type updatePostRequest struct {
	Content       *string    `json:"content,omitempty"`
	MediaURL      *string    `json:"mediaUrl,omitempty"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	ClearSchedule bool       `json:"clearSchedule,omitempty"`
}

func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	var req updatePostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ScheduledAt != nil && req.ClearSchedule {
		writeError(w, http.StatusBadRequest, "scheduledAt and clearSchedule are mutually exclusive")
		return
	}

	p, err := h.engine.UpdatePost(r.Context(), userID, pathVar(r, "id"), engine.UpdatePostInput{
		Content:       req.Content,
		MediaURL:      req.MediaURL,
		ScheduledAt:   req.ScheduledAt,
		ClearSchedule: req.ClearSchedule,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeletePost(r.Context(), userID, pathVar(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.SubmitForApproval)
}

func (h *Handler) ApprovePost(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Approve)
}

type requestChangesRequest struct {
	Feedback string `json:"feedback"`
}

func (h *Handler) RequestChanges(w http.ResponseWriter, r *http.Request) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	var req requestChangesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Feedback == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	p, err := h.engine.RequestChanges(r.Context(), userID, pathVar(r, "id"), req.Feedback)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PublishNow forces an immediate dispatch: the post's due time becomes now.
func (h *Handler) PublishNow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.ScheduleDueNow)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID, postID string) (*models.Post, error)) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	p, err := op(r.Context(), userID, pathVar(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
