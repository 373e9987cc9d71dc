package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/elrond/internal"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// pagination reads offset/limit query parameters with clamped defaults.
func pagination(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	offset, limit := pagination(r)

	sessions, err := s.deps.Sessions.List(r.Context(), identity.UserID, offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type createSessionRequest struct {
	Name string `json:"name"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())

	sess, err := s.deps.Sessions.Create(r.Context(), identity.UserID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())

	sess, err := s.deps.Sessions.Get(r.Context(), identity.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

func (s *server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if err := s.deps.Sessions.Rename(r.Context(), identity.UserID, sessionID, req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Get(r.Context(), identity.UserID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())

	if err := s.deps.Sessions.Delete(r.Context(), identity.UserID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type branchSessionRequest struct {
	AtMessageID int64  `json:"at_message_id"`
	Name        string `json:"name"`
}

// handleBranchSession forks a session at a message: the child shares the
// prefix up to that message and diverges from there.
func (s *server) handleBranchSession(w http.ResponseWriter, r *http.Request) {
	var req branchSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())

	child, err := s.deps.Sessions.Branch(r.Context(), identity.UserID, chi.URLParam(r, "id"), req.AtMessageID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	_, limit := pagination(r)
	afterID, _ := strconv.ParseInt(r.URL.Query().Get("after_id"), 10, 64)

	msgs, err := s.deps.Sessions.Messages(r.Context(), identity.UserID, chi.URLParam(r, "id"), afterID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	messageID, err := messageIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Sessions.Edit(r.Context(), identity.UserID, sessionID, messageID, req.Content); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteMessagesFrom truncates the log from the named message onward,
// the primitive behind "regenerate from here".
func (s *server) handleDeleteMessagesFrom(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	messageID, err := messageIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Sessions.DeleteFrom(r.Context(), identity.UserID, chi.URLParam(r, "id"), messageID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func messageIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "message_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: message_id must be a positive integer", gateway.ErrBadRequest)
	}
	return id, nil
}
