// Package server implements the HTTP transport layer for the Oyster gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/app"
	"github.com/oysterlabs/oyster-gateway/internal/attach"
	"github.com/oysterlabs/oyster-gateway/internal/auth"
	"github.com/oysterlabs/oyster-gateway/internal/ratelimit"
	"github.com/oysterlabs/oyster-gateway/internal/storage"
	"github.com/oysterlabs/oyster-gateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           oyster.Authenticator
	Accounts       *auth.Service
	Chat           *app.ChatService
	Exports        *app.ExportService
	Store          storage.Store
	Files          *attach.Pipeline
	RateLimiter    *ratelimit.Limiter // nil = no rate limiting
	Metrics        *telemetry.Metrics // nil = no metrics recording
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	AdminKey       string             // empty = admin API disabled
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Account lifecycle (no bearer; login is lockout-guarded instead of
	// rate-limited so a burst of bad passwords cannot shut out the account's
	// whole NAT).
	r.With(s.rateLimit("auth")).Post("/v1/auth/register", s.handleRegister)
	r.Post("/v1/auth/login", s.handleLogin)
	r.With(s.rateLimit("auth")).Post("/v1/auth/apple", s.handleAppleLogin)
	r.With(s.rateLimit("auth")).Post("/v1/auth/refresh", s.handleRefresh)

	// Export download is authorized by the capability token in the URL.
	r.Get("/v1/user/export/{download_token}", s.handleExportDownload)

	// Client-facing API (bearer required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.With(s.rateLimit("chat")).Post("/v1/chat/completions", s.handleChatCompletion)
		r.With(s.rateLimit("chat")).Post("/{provider:deepseek|kimi|claude}/v1/chat/completions", s.handleChatCompletion)

		r.With(s.rateLimit("default")).Post("/v1/conversations", s.handleCreateConversation)
		r.Get("/v1/conversations", s.handleListConversations)
		r.Get("/v1/conversations/{id}", s.handleGetConversation)
		r.With(s.rateLimit("default")).Delete("/v1/conversations/{id}", s.handleDeleteConversation)
		r.Get("/v1/conversations/{id}/messages", s.handleListMessages)
		r.With(s.rateLimit("chat")).Post("/v1/conversations/{id}/chat", s.handleConversationChat)
		r.With(s.rateLimit("chat")).Post("/v1/conversations/{id}/chat/stream", s.handleConversationStream)

		r.With(s.rateLimit("upload")).Post("/v1/conversations/{id}/upload", s.handleUpload)
		r.Get("/v1/files/{id}", s.handleFileDownload)

		r.Get("/v1/usage", s.handleUsage)

		r.Get("/v1/user/profile", s.handleGetProfile)
		r.With(s.rateLimit("default")).Put("/v1/user/profile", s.handleUpdateProfile)
		r.With(s.rateLimit("default")).Put("/v1/user/ai-config", s.handleUpdateAIConfig)
		r.With(s.rateLimit("default")).Put("/v1/user/password", s.handleChangePassword)
		r.With(s.rateLimit("export")).Post("/v1/user/export", s.handleExportCreate)
		r.With(s.rateLimit("export")).Delete("/v1/user/account", s.handleDeleteAccount)
	})

	// Admin API (shared-key auth)
	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.With(s.rateLimit("admin")).Post("/admin/tokens/generate", s.handleAdminGenerateTokens)
		r.With(s.rateLimit("admin")).Put("/admin/tokens/{token}/tier", s.handleAdminSetTier)
	})

	return r
}

type server struct {
	deps Deps
}
