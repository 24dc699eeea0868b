package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/sessions"
	"github.com/quillhq/quill/pkg/models"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	var (
		list []models.SessionMeta
		err  error
	)
	if query != "" {
		list, err = s.sessions.DB.SearchSessions(r.Context(), identity.Username, query)
	} else {
		list, err = s.sessions.DB.ListSessions(r.Context(), identity.Username)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "session listing failed")
		return
	}
	if list == nil {
		list = []models.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// ownedSession loads session metadata and enforces ownership.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) *models.SessionMeta {
	meta, err := s.sessions.DB.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, errTypeNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, errTypeInternal, "session load failed")
		}
		return nil
	}
	identity := auth.IdentityFromContext(r.Context())
	if meta.Username != identity.Username && !identity.IsAdmin() {
		writeError(w, http.StatusNotFound, errTypeNotFound, "session not found")
		return nil
	}
	return meta
}

func (s *Server) handleSessionRename(w http.ResponseWriter, r *http.Request) {
	meta := s.ownedSession(w, r)
	if meta == nil {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errTypeValidation, "invalid request body")
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, errTypeValidation, "title must not be empty")
		return
	}
	if err := s.sessions.DB.UpdateTitle(r.Context(), meta.ID, title); err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "title update failed")
		return
	}
	updated, err := s.sessions.DB.GetSession(r.Context(), meta.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "session load failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	meta := s.ownedSession(w, r)
	if meta == nil {
		return
	}
	if err := s.sessions.Delete(r.Context(), meta.ID); err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "session delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	meta := s.ownedSession(w, r)
	if meta == nil {
		return
	}
	history, err := s.sessions.History(r.Context(), meta.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "history load failed")
		return
	}
	if history == nil {
		history = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": meta.ID,
		"title":      meta.Title,
		"messages":   history,
	})
}
