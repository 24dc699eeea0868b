package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/sessions"
	"github.com/quillhq/quill/pkg/models"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, errTypeValidation, "invalid request body")
		return
	}
	if creds.Password == "" {
		writeError(w, http.StatusBadRequest, errTypeValidation, "password must not be empty")
		return
	}

	user, token, err := s.auth.Register(r.Context(), creds.Username, creds.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, errTypeValidation, err.Error())
		return
	case errors.Is(err, sessions.ErrExists):
		writeError(w, http.StatusConflict, errTypeConflict, "username already taken")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, errTypeInternal, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, errTypeValidation, "invalid request body")
		return
	}

	user, token, err := s.auth.Login(r.Context(), creds.Username, creds.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, errTypeAuth, "invalid username or password")
			return
		}
		writeError(w, http.StatusInternalServerError, errTypeInternal, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"username": identity.Username,
		"role":     identity.Role,
		"guest":    identity.Username == models.GuestUsername,
	})
}
