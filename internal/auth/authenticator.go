// Package auth implements device-token authentication and the account
// lifecycle: registration, login, Sign in with Apple, and token refresh.
// Resolved tokens are cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000           // max concurrent active tokens expected per deployment
)

// TokenAuth authenticates requests bearing "ocw1_" device tokens.
type TokenAuth struct {
	store storage.Store
	cache *otter.Cache[string, *oyster.Identity]
	now   func() time.Time
}

// NewTokenAuth returns a TokenAuth backed by store.
func NewTokenAuth(store storage.Store) (*TokenAuth, error) {
	c, err := otter.New(&otter.Options[string, *oyster.Identity]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *oyster.Identity](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &TokenAuth{store: store, cache: c, now: time.Now}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the caller's Identity.
// Only tokens with the "ocw1_" prefix are handled; all others are rejected.
func (a *TokenAuth) Authenticate(ctx context.Context, r *http.Request) (*oyster.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, oyster.ErrUnauthorized
	}
	if !strings.HasPrefix(raw, oyster.TokenPrefix) {
		return nil, oyster.ErrUnauthorized
	}

	// Cached identities re-check expiry on every hit: a token can cross its
	// expiry instant while sitting in the cache.
	if id, ok := a.cache.GetIfPresent(raw); ok {
		if err := checkToken(id.Token, a.now()); err != nil {
			a.cache.Invalidate(raw)
			return nil, err
		}
		return id, nil
	}

	tok, err := a.store.GetToken(ctx, raw)
	if err != nil {
		if errors.Is(err, oyster.ErrNotFound) {
			return nil, oyster.ErrUnauthorized
		}
		return nil, err
	}
	if err := checkToken(tok, a.now()); err != nil {
		return nil, err
	}

	id := &oyster.Identity{Token: tok}
	if tok.UserID != "" {
		user, err := a.store.GetUser(ctx, tok.UserID)
		if err != nil && !errors.Is(err, oyster.ErrNotFound) {
			return nil, err
		}
		id.User = user
	}

	a.cache.Set(raw, id)
	return id, nil
}

// Invalidate drops a token from the cache. Called after rotation, disabling,
// or a tier change so the next request re-reads the store.
func (a *TokenAuth) Invalidate(token string) {
	a.cache.Invalidate(token)
}

func checkToken(t *oyster.DeviceToken, now time.Time) error {
	if t.Status != oyster.TokenActive {
		return oyster.ErrTokenDisabled
	}
	if t.Expired(now) {
		return oyster.ErrTokenExpired
	}
	return nil
}
