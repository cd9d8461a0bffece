package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/app"
	"github.com/oysterlabs/oyster-gateway/internal/quota"
)

// requireUser returns the account behind the identity. Admin-minted tokens
// have no account and cannot use the account surface.
func requireUser(w http.ResponseWriter, r *http.Request) (*oyster.User, bool) {
	id := oyster.IdentityFromContext(r.Context())
	if id.User == nil {
		writeError(w, r, fmt.Errorf("token has no account: %w", oyster.ErrForbidden))
		return nil, false
	}
	return id.User, true
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := oyster.IdentityFromContext(r.Context())
	limits := id.Tier().Limits()

	today, err := s.deps.Store.GetDailyUsage(r.Context(), id.Token.Token, quota.Day(time.Now()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := s.deps.Store.ListUsageByToken(r.Context(), id.Token.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	used := today.PromptTokens + today.CompletionTokens
	remaining := max(limits.DailyTokens-used, 0)
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":        id.Tier(),
		"daily_limit": limits.DailyTokens,
		"used_today":  used,
		"remaining":   remaining,
		"today":       today,
		"history":     history,
	})
}

func (s *server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Name      *string `json:"name"`
		AvatarURL *string `json:"avatar_url"`
		Language  *string `json:"language"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.UpdateUserProfile(r.Context(), user.ID, req.Name, req.AvatarURL, req.Language); err != nil {
		writeError(w, r, err)
		return
	}
	fresh, err := s.deps.Store.GetUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": fresh})
}

func (s *server) handleUpdateAIConfig(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var cfg app.AIConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := app.ValidateAIConfig(cfg); err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.UpdateUserAIConfig(r.Context(), user.ID, raw); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ai_config": cfg})
}

func (s *server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Accounts.ChangePassword(r.Context(), user, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleExportCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	exp, err := s.deps.Exports.Create(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"export": exp})
}

// handleExportDownload serves an export by its capability token. The route is
// unauthenticated on purpose: the token in the URL is the authorization.
func (s *server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	exp, raw, err := s.deps.Exports.Open(r.Context(), chi.URLParam(r, "download_token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h := w.Header()
	h["Content-Type"] = jsonCT
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(exp.FilePath)))
	w.Write(raw)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Accounts.DeleteAccount(r.Context(), user.ID, req.Confirm); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
