package server

import (
	"net/http"
	"strings"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/ratelimit"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User    *oyster.User        `json:"user"`
	Token   *oyster.DeviceToken `json:"token"`
	Created bool                `json:"created,omitempty"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, tok, err := s.deps.Accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{User: user, Token: tok})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ip := ratelimit.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)
	user, tok, err := s.deps.Accounts.Login(r.Context(), req.Email, req.Password, ip)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: user, Token: tok})
}

func (s *server) handleAppleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"id_token"`
		Name    string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IDToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("id_token is required"))
		return
	}
	user, tok, created, err := s.deps.Accounts.AppleLogin(r.Context(), req.IDToken, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, authResponse{User: user, Token: tok, Created: created})
}

// handleRefresh rotates the bearer token presented in the Authorization
// header. It sits outside the authenticate middleware so its window and
// status checks produce precise errors rather than a generic 401.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") || !strings.HasPrefix(raw, oyster.TokenPrefix) {
		writeError(w, r, oyster.ErrUnauthorized)
		return
	}
	tok, err := s.deps.Accounts.Refresh(r.Context(), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok})
}
