package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func listParams(r *http.Request) (limit, offset int) {
	limit = defaultListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxListLimit)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func (s *server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string `json:"title"`
		SystemPrompt string `json:"system_prompt"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id := oyster.IdentityFromContext(r.Context())
	conv, err := s.deps.Chat.CreateConversation(r.Context(), id, req.Title, req.SystemPrompt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := oyster.IdentityFromContext(r.Context())
	limit, offset := listParams(r)
	convs, err := s.deps.Store.ListConversations(r.Context(), id.Token.Token, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := oyster.IdentityFromContext(r.Context())
	conv, err := s.deps.Store.GetConversation(r.Context(), chi.URLParam(r, "id"), id.Token.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := oyster.IdentityFromContext(r.Context())
	if err := s.deps.Store.DeleteConversation(r.Context(), chi.URLParam(r, "id"), id.Token.Token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := oyster.IdentityFromContext(r.Context())
	convID := chi.URLParam(r, "id")

	// Ownership check; messages themselves are keyed by conversation only.
	if _, err := s.deps.Store.GetConversation(r.Context(), convID, id.Token.Token); err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), convID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type chatTurnRequest struct {
	Message  string   `json:"message"`
	FileIDs  []string `json:"file_ids"`
	Provider string   `json:"provider"`
}

func (s *server) handleConversationChat(w http.ResponseWriter, r *http.Request) {
	var req chatTurnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := oyster.IdentityFromContext(r.Context())
	msg, err := s.deps.Chat.ChatTurn(r.Context(), id, chi.URLParam(r, "id"), req.Message, req.FileIDs, req.Provider)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	var req chatTurnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := oyster.IdentityFromContext(r.Context())
	events := s.deps.Chat.StreamTurn(r.Context(), id, chi.URLParam(r, "id"), req.Message, req.FileIDs, req.Provider)
	s.streamEvents(w, r, events)
}
