package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, oyster.ErrUnauthorized), errors.Is(err, oyster.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, oyster.ErrForbidden), errors.Is(err, oyster.ErrTokenDisabled):
		return http.StatusForbidden
	case errors.Is(err, oyster.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, oyster.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, oyster.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, oyster.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, oyster.ErrRateLimited), errors.Is(err, oyster.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, oyster.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, oyster.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and body. Internal errors are logged in
// full but reach the client as a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
			slog.String("request_id", oyster.RequestIDFromContext(r.Context())),
		)
		writeJSON(w, status, errorResponse("internal server error"))
		return
	}
	writeJSON(w, status, errorResponse(err.Error()))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// maxJSONBody is the maximum allowed JSON request body size (1 MB).
const maxJSONBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}
