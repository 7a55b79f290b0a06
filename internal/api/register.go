package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/marcus/histsync/internal/serverdb"
)

// registerRequest is the JSON body for POST /v1/register.
type registerRequest struct {
	Email string `json:"email"`
}

// registerResponse is the JSON response for POST /v1/register.
type registerResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Token  string `json:"token"`
}

// meResponse is the JSON response for GET /v1/me.
type meResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// handleRegister handles POST /v1/register. It creates an account and
// returns its first API key; the key is shown only once.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.config.AllowSignup {
		writeError(w, http.StatusForbidden, ErrCodeSignupDisabled, "signups are disabled")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "valid email is required")
		return
	}

	ctx := r.Context()
	user, err := s.store.CreateUser(ctx, req.Email)
	if errors.Is(err, serverdb.ErrEmailTaken) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "email already registered")
		return
	}
	if err != nil {
		reqLog(ctx).Error("create user", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to create user")
		return
	}
	token, _, err := s.store.IssueToken(ctx, user.ID, serverdb.TokenSpec{Name: "register"})
	if err != nil {
		reqLog(ctx).Error("issue token", "uid", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}

	reqLog(ctx).Info("account registered", "uid", user.ID)
	writeJSON(w, http.StatusCreated, registerResponse{UserID: user.ID, Email: user.Email, Token: token})
}

// handleMe handles GET /v1/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	writeJSON(w, http.StatusOK, meResponse{UserID: acct.UserID, Email: acct.Email})
}
