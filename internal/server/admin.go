package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

func (s *server) handleAdminGenerateTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier  string `json:"tier"`
		Count int    `json:"count"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tier, ok := oyster.NormalizeTier(req.Tier)
	if !ok {
		writeError(w, r, fmt.Errorf("unknown tier %q: %w", req.Tier, oyster.ErrBadRequest))
		return
	}
	tokens, err := s.deps.Accounts.MintAdminTokens(r.Context(), tier, req.Count)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tokens": tokens})
}

func (s *server) handleAdminSetTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tier, ok := oyster.NormalizeTier(req.Tier)
	if !ok {
		writeError(w, r, fmt.Errorf("unknown tier %q: %w", req.Tier, oyster.ErrBadRequest))
		return
	}
	token := chi.URLParam(r, "token")
	if err := s.deps.Accounts.SetTokenTier(r.Context(), token, tier); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "tier": tier})
}
