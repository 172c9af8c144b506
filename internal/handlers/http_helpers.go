package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/postloom/postloom/backend/internal/engine"
	"github.com/postloom/postloom/backend/internal/lifecycle"
	"github.com/postloom/postloom/backend/internal/store"
)

// writeJSON encodes v with the provided status code and a JSON content-type.
// Encode errors are ignored; the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError returns a JSON error body: {"error": "..."}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps engine/store/lifecycle failures to HTTP statuses:
// unknown rows 404, authorization 403, workflow conflicts 409.
func writeDomainError(w http.ResponseWriter, err error) {
	var illegal *lifecycle.IllegalTransitionError
	var denied *lifecycle.NotAuthorizedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "post not found")
	case errors.Is(err, engine.ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, denied.Error())
	case errors.As(err, &illegal):
		writeError(w, http.StatusConflict, illegal.Error())
	case errors.Is(err, store.ErrStaleWrite):
		writeError(w, http.StatusConflict, "post changed concurrently, retry")
	case errors.Is(err, engine.ErrAccountMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// pathVar returns the mux path var value (or empty string if missing).
func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

// decodeJSON decodes JSON request bodies with default decoder settings.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// actor returns the acting user id from the X-User-Id header. Authentication
// itself lives upstream; an absent header is still a 401 here.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-Id header")
		return "", false
	}
	return userID, true
}
