package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes wires the post workflow endpoints.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/api/posts", h.CreatePost).Methods("POST")
	r.HandleFunc("/api/posts/{id}", h.GetPost).Methods("GET")
	r.HandleFunc("/api/posts/{id}", h.UpdatePost).Methods("PUT")
	r.HandleFunc("/api/posts/{id}", h.DeletePost).Methods("DELETE")

	r.HandleFunc("/api/posts/{id}/submit", h.SubmitForApproval).Methods("POST")
	r.HandleFunc("/api/posts/{id}/approve", h.ApprovePost).Methods("POST")
	r.HandleFunc("/api/posts/{id}/request-changes", h.RequestChanges).Methods("POST")
	r.HandleFunc("/api/posts/{id}/publish-now", h.PublishNow).Methods("POST")

	r.HandleFunc("/api/workspaces/{id}/posts", h.ListWorkspacePosts).Methods("GET")
}
