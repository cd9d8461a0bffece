// Package storage defines persistence interfaces for the proxy.
// Implementations live in subpackages (sqlite).
package storage

import (
	"context"
	"encoding/json"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// UserStore persists user accounts.
type UserStore interface {
	// CreateUser inserts a new user. A duplicate email or apple_id returns
	// an error wrapping oyster.ErrConflict.
	CreateUser(ctx context.Context, u *oyster.User) error
	GetUser(ctx context.Context, id string) (*oyster.User, error)
	GetUserByEmail(ctx context.Context, email string) (*oyster.User, error)
	GetUserByAppleID(ctx context.Context, appleID string) (*oyster.User, error)
	// LinkAppleID binds an external identity subject to an existing user.
	// A subject already bound elsewhere returns oyster.ErrConflict.
	LinkAppleID(ctx context.Context, userID, appleID string) error
	// UpdateUserProfile applies the non-nil fields.
	UpdateUserProfile(ctx context.Context, id string, name, avatarURL, language *string) error
	UpdateUserAIConfig(ctx context.Context, id string, cfg json.RawMessage) error
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
	// DeleteUserData removes the user and everything it owns: device tokens,
	// conversations, messages, file rows, usage counters, export rows.
	// Export files on disk are the caller's responsibility.
	DeleteUserData(ctx context.Context, userID string) error
	// NormalizeTiers folds stored tier aliases to canonical values. Run once
	// at boot so databases written by older builds read back cleanly.
	NormalizeTiers(ctx context.Context) error
}

// TokenStore persists device tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *oyster.DeviceToken) error
	GetToken(ctx context.Context, token string) (*oyster.DeviceToken, error)
	SetTokenTier(ctx context.Context, token string, tier oyster.Tier) error
	ListTokensByUser(ctx context.Context, userID string) ([]*oyster.DeviceToken, error)
	// RotateToken atomically: inserts newTok, rewrites conversation and usage
	// ownership from old to new, disables old with the given note, and stamps
	// the owning user's last_refresh_at when userID is non-empty.
	RotateToken(ctx context.Context, old string, newTok *oyster.DeviceToken, userID string, now time.Time) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *oyster.Conversation) error
	// GetConversation enforces ownership: a conversation held by a different
	// device token reads as oyster.ErrNotFound.
	GetConversation(ctx context.Context, id, deviceToken string) (*oyster.Conversation, error)
	ListConversations(ctx context.Context, deviceToken string, limit, offset int) ([]*oyster.Conversation, error)
	// DeleteConversation removes the conversation with its messages and file
	// rows in one transaction. Stored file blobs are content-addressed and
	// shared, so they stay on disk.
	DeleteConversation(ctx context.Context, id, deviceToken string) error

	AppendMessage(ctx context.Context, m *oyster.Message) error
	// AppendUserTurn runs the pre-stream persistence step in one transaction:
	// verify ownership, resolve fileIDs to rows owned by this conversation
	// (unknown ids wrap oyster.ErrBadRequest), insert the message, bump
	// updated_at, and set the title when still null.
	AppendUserTurn(ctx context.Context, convID, deviceToken string, m *oyster.Message, fileIDs []string, title string) ([]*oyster.ConversationFile, error)
	// AppendAssistantMessage inserts the reply and bumps updated_at.
	AppendAssistantMessage(ctx context.Context, m *oyster.Message) error
	ListMessages(ctx context.Context, convID string) ([]*oyster.Message, error)
}

// FileStore persists attachment rows.
type FileStore interface {
	// CreateFile verifies conversation ownership and inserts in one transaction.
	CreateFile(ctx context.Context, f *oyster.ConversationFile, deviceToken string) error
	// GetFile enforces ownership through the conversation join.
	GetFile(ctx context.Context, id, deviceToken string) (*oyster.ConversationFile, error)
	ListFilesByConversation(ctx context.Context, convID string) ([]*oyster.ConversationFile, error)
}

// UsageStore persists daily usage counters.
type UsageStore interface {
	// GetDailyUsage returns a zero-valued row when none exists.
	GetDailyUsage(ctx context.Context, token, day string) (*oyster.DailyUsage, error)
	// AddDailyUsage upserts (+prompt, +completion, +1 request) for (token, day).
	AddDailyUsage(ctx context.Context, token, day string, prompt, completion int) error
	ListUsageByToken(ctx context.Context, token string) ([]*oyster.DailyUsage, error)
}

// ExportStore persists user data export records.
type ExportStore interface {
	CreateExport(ctx context.Context, e *oyster.Export) error
	GetExportByToken(ctx context.Context, downloadToken string) (*oyster.Export, error)
	ListExportsByUser(ctx context.Context, userID string) ([]*oyster.Export, error)
	// DeleteExpiredExports removes rows past expiry and returns their file paths.
	DeleteExpiredExports(ctx context.Context, now time.Time) ([]string, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	TokenStore
	ConversationStore
	FileStore
	UsageStore
	ExportStore

	Ping(ctx context.Context) error
	Close() error
}
