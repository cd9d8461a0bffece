package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/app"
)

// handleChatCompletion serves the OpenAI-compatible one-shot endpoint, both
// plain and via the provider-forcing URL prefix.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req oyster.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := oyster.IdentityFromContext(r.Context())
	forced := chi.URLParam(r, "provider")

	if req.Stream {
		s.streamEvents(w, r, s.deps.Chat.CompleteStream(r.Context(), id, &req, forced))
		return
	}

	resp, err := s.deps.Chat.Complete(r.Context(), id, &req, forced)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamFrame is the wire shape of one SSE chat frame.
type streamFrame struct {
	Delta     string `json:"delta"`
	Done      bool   `json:"done"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type streamErrorFrame struct {
	Error string `json:"error"`
	Done  bool   `json:"done"`
}

// streamEvents relays chat stream events as SSE frames. Errors raised after
// the headers are sent arrive in-band as a terminal error frame; the
// connection is kept alive with comment frames while the upstream thinks.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan app.StreamEvent) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveStreams.Inc()
		defer s.deps.Metrics.ActiveStreams.Dec()
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				payload, _ := json.Marshal(streamErrorFrame{Error: ev.Err.Error(), Done: true})
				writeSSEData(w, payload)
				flusher.Flush()
				return
			}
			frame := streamFrame{Delta: ev.Delta, Done: ev.Done}
			if ev.Done {
				frame.MessageID = ev.MessageID
				frame.Content = ev.Content
			}
			payload, _ := json.Marshal(frame)
			writeSSEData(w, payload)
			flusher.Flush()
			if ev.Done {
				return
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		}
	}
}
