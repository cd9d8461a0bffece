// Package oyster defines domain types and interfaces for the Oyster LLM proxy.
// This package has no project imports -- it is the dependency root.
package oyster

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

// --- Provider ---

// Provider is the interface that all upstream chat provider adapters implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "kimi", "claude").
	Name() string
	// Invoke sends a non-streaming chat completion request.
	Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// Stream sends a streaming chat completion request. The returned channel
	// yields text deltas and is closed after a Done or error delta. Adapters
	// without native streaming emulate a single delta from a non-stream call.
	Stream(ctx context.Context, req *ChatRequest) (<-chan Delta, error)
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`

	// Tier is the requesting token's service tier. Carried for adapters that
	// need it (the mock adapter echoes it); never serialized upstream.
	Tier Tier `json:"-"`
}

// ChatMessage is a single message on the chat wire format.
type ChatMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Delta is a single increment in a streaming response.
type Delta struct {
	Text string
	Done bool
	Err  error
}

// --- Persisted entities ---

// User is a registered account.
type User struct {
	ID            string          `json:"id"`
	Email         string          `json:"email"`
	PasswordHash  string          `json:"-"`
	AppleID       string          `json:"-"`
	Name          string          `json:"name,omitempty"`
	AvatarURL     string          `json:"avatar_url,omitempty"`
	Tier          Tier            `json:"tier"`
	AIConfig      json.RawMessage `json:"ai_config,omitempty"`
	Language      string          `json:"language,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastRefreshAt *time.Time      `json:"last_refresh_at,omitempty"`
}

// Token status values.
const (
	TokenActive   = "active"
	TokenDisabled = "disabled"
)

// DeviceToken is the opaque bearer credential clients hold.
type DeviceToken struct {
	Token     string     `json:"token"`
	Tier      Tier       `json:"tier"`
	Status    string     `json:"status"`
	Note      string     `json:"note,omitempty"`
	UserID    string     `json:"user_id,omitempty"` // empty for legacy admin-minted tokens
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = never expires
}

// Expired reports whether the token's expiry has passed at the given instant.
func (t *DeviceToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Conversation is a chat thread owned by a device token.
type Conversation struct {
	ID           string    `json:"id"`
	DeviceToken  string    `json:"-"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count,omitempty"` // populated on list reads only
}

// Message is a persisted conversation message. Content may carry an embedded
// attachment-metadata sentinel; see the attach package for the codec.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationFile is an uploaded attachment bound to a conversation.
type ConversationFile struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	OriginalName   string    `json:"original_name"`
	StoredPath     string    `json:"-"`
	SHA256         string    `json:"sha256"`
	MIMEType       string    `json:"mime_type"`
	SizeBytes      int64     `json:"size_bytes"`
	ExtractedText  string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// DailyUsage is the per-(token, UTC day) usage counter row.
// Counters are monotonically non-decreasing within a row.
type DailyUsage struct {
	Token            string `json:"-"`
	Day              string `json:"day"` // "2006-01-02", UTC
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Requests         int64  `json:"requests"`
}

// Export is a user data export snapshot written to disk.
type Export struct {
	ID            string    `json:"id"`
	UserID        string    `json:"-"`
	DownloadToken string    `json:"download_token"`
	FilePath      string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// --- Identity ---

// Identity is the authenticated caller context attached to request context.
// User is nil for legacy admin-minted tokens.
type Identity struct {
	Token *DeviceToken
	User  *User
}

// Tier returns the request's effective tier, which is the token's tier.
func (id *Identity) Tier() Tier { return id.Token.Tier }

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// TokenPrefix is the prefix for all Oyster device tokens.
const TokenPrefix = "ocw1_"

// NewTokenString mints a fresh opaque device token: the fixed prefix followed
// by 24 random bytes in unpadded base64url.
func NewTokenString() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("oyster: crypto/rand unavailable: " + err.Error())
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b[:])
}
