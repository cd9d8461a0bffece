package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/storage"
)

// unsafeName matches everything not allowed in an export filename component.
var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ExportService builds user data export snapshots on disk. Downloads are
// authorized by a single-use-style capability token carried in the URL, so
// the file can be fetched from a browser without a bearer header.
type ExportService struct {
	store storage.Store
	dir   string
	ttl   time.Duration
	now   func() time.Time
}

// NewExportService wires an ExportService writing into dir.
func NewExportService(store storage.Store, dir string, ttl time.Duration) (*ExportService, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve exports dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create exports dir: %w", err)
	}
	return &ExportService{store: store, dir: abs, ttl: ttl, now: time.Now}, nil
}

// exportPayload is the on-disk export document shape.
type exportPayload struct {
	ExportedAt time.Time             `json:"exported_at"`
	Account    *oyster.User          `json:"account"`
	Settings   AIConfig              `json:"settings"`
	Tokens     []exportToken         `json:"device_tokens"`
	Threads    []exportConversation  `json:"conversations"`
	Summary    exportSummary         `json:"summary"`
}

type exportToken struct {
	TokenSuffix string     `json:"token_suffix"` // last 6 chars only
	Tier        oyster.Tier `json:"tier"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type exportConversation struct {
	*oyster.Conversation
	Messages []*oyster.Message `json:"messages"`
}

type exportSummary struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
}

// Create builds a snapshot of everything the user owns, writes it to disk,
// and returns the export record with its download token.
func (s *ExportService) Create(ctx context.Context, user *oyster.User) (*oyster.Export, error) {
	payload := exportPayload{
		ExportedAt: s.now().UTC(),
		Account:    user,
		Settings:   ParseAIConfig(user.AIConfig),
	}

	tokens, err := s.store.ListTokensByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	for _, t := range tokens {
		suffix := t.Token
		if len(suffix) > 6 {
			suffix = suffix[len(suffix)-6:]
		}
		payload.Tokens = append(payload.Tokens, exportToken{
			TokenSuffix: suffix,
			Tier:        t.Tier,
			Status:      t.Status,
			CreatedAt:   t.CreatedAt,
			ExpiresAt:   t.ExpiresAt,
		})

		convs, err := s.store.ListConversations(ctx, t.Token, 10_000, 0)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range convs {
			msgs, err := s.store.ListMessages(ctx, c.ID)
			if err != nil {
				return nil, fmt.Errorf("list messages: %w", err)
			}
			payload.Threads = append(payload.Threads, exportConversation{Conversation: c, Messages: msgs})
			payload.Summary.Conversations++
			payload.Summary.Messages += len(msgs)
		}
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	now := s.now().UTC()
	exp := &oyster.Export{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        user.ID,
		DownloadToken: oyster.NewTokenString(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	exp.FilePath = filepath.Join(s.dir, exportFilename(user.ID, exp.ID, now))

	if err := os.WriteFile(exp.FilePath, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}
	if err := s.store.CreateExport(ctx, exp); err != nil {
		os.Remove(exp.FilePath)
		return nil, fmt.Errorf("record export: %w", err)
	}
	return exp, nil
}

// Open resolves a download token and returns the export document. Expired or
// unknown tokens read identically as not found.
func (s *ExportService) Open(ctx context.Context, downloadToken string) (*oyster.Export, []byte, error) {
	exp, err := s.store.GetExportByToken(ctx, downloadToken)
	if err != nil {
		if errors.Is(err, oyster.ErrNotFound) {
			return nil, nil, oyster.ErrNotFound
		}
		return nil, nil, err
	}
	if !s.now().Before(exp.ExpiresAt) {
		return nil, nil, oyster.ErrNotFound
	}
	raw, err := os.ReadFile(exp.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("read export: %w", err)
	}
	return exp, raw, nil
}

// exportFilename renders the download filename. Both identifiers are
// sanitized and capped so the name stays shell- and header-safe.
func exportFilename(userID, exportID string, now time.Time) string {
	safeUser := unsafeName.ReplaceAllString(userID, "_")
	if len(safeUser) > 32 {
		safeUser = safeUser[:32]
	}
	safeID := unsafeName.ReplaceAllString(exportID, "_")
	if len(safeID) > 12 {
		safeID = safeID[:12]
	}
	return fmt.Sprintf("user_export_%s_%d_%s.json", safeUser, now.Unix(), safeID)
}
