package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// handleLogin exchanges username/password for a bearer token. All failure
// modes return the same message so the endpoint cannot be used to enumerate
// usernames.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	invalid := fmt.Errorf("%w: invalid credentials", gateway.ErrUnauthorized)

	user, err := s.deps.Users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeError(w, r, invalid)
			return
		}
		writeError(w, r, err)
		return
	}
	if !user.Active {
		writeError(w, r, invalid)
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			writeError(w, r, invalid)
			return
		}
		writeError(w, r, err)
		return
	}

	token, expiresAt, err := s.deps.Tokens.Issue(user.ID, user.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, UserID: user.ID})
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister creates a new account. The password is hashed before it
// ever touches storage; a duplicate username maps to conflict.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeError(w, r, fmt.Errorf("%w: username is required", gateway.ErrBadRequest))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user := &gateway.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		Role:         "user",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Users.CreateUser(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleChangePassword rotates the caller's password after re-verifying the
// current one.
func (s *server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())

	user, err := s.deps.Users.GetUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.CurrentPassword); err != nil {
		writeError(w, r, fmt.Errorf("%w: current password does not match", gateway.ErrUnauthorized))
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Users.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
