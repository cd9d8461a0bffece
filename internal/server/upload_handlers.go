package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/attach"
)

// bodySlack is headroom on top of the attachment size cap for multipart
// boundaries and headers. The precise per-kind cap is enforced by the
// pipeline after decoding.
const bodySlack = 2 << 20

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := oyster.IdentityFromContext(r.Context())
	convID := chi.URLParam(r, "id")

	if _, err := s.deps.Store.GetConversation(r.Context(), convID, id.Token.Token); err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Files.MaxFileSize()+bodySlack)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, r, fmt.Errorf("request body exceeds %d bytes: %w", mbe.Limit, oyster.ErrTooLarge))
			return
		}
		writeError(w, r, fmt.Errorf("read upload body: %w", err))
		return
	}

	name, data, err := attach.ParseFileField(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ing, err := s.deps.Files.Ingest(name, data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	f := &oyster.ConversationFile{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: convID,
		OriginalName:   name,
		StoredPath:     ing.StoredPath,
		SHA256:         ing.SHA256,
		MIMEType:       ing.MIMEType,
		SizeBytes:      ing.SizeBytes,
		ExtractedText:  ing.ExtractedText,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.deps.Store.CreateFile(r.Context(), f, id.Token.Token); err != nil {
		writeError(w, r, err)
		return
	}

	if s.deps.Metrics != nil {
		kind := "file"
		if attach.IsImage(ing.MIMEType) {
			kind = "image"
		}
		s.deps.Metrics.UploadsTotal.WithLabelValues(kind).Inc()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"file": f})
}

func (s *server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	id := oyster.IdentityFromContext(r.Context())
	f, err := s.deps.Store.GetFile(r.Context(), chi.URLParam(r, "id"), id.Token.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := s.deps.Files.Open(f.StoredPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", f.MIMEType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.OriginalName))
	w.Write(data)
}
