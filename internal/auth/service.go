package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/storage"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// nonAlnum strips characters unfit for a synthesized local-part.
var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Service implements the account lifecycle on top of the store.
type Service struct {
	store   storage.Store
	auth    *TokenAuth
	lockout *Lockout
	apple   *AppleVerifier

	tokenTTL      time.Duration
	refreshWindow time.Duration
	now           func() time.Time
}

// NewService wires the account lifecycle. apple may be nil when Sign in with
// Apple is not configured.
func NewService(store storage.Store, auth *TokenAuth, apple *AppleVerifier, tokenTTL, refreshWindow time.Duration) *Service {
	return &Service{
		store:         store,
		auth:          auth,
		lockout:       NewLockout(),
		apple:         apple,
		tokenTTL:      tokenTTL,
		refreshWindow: refreshWindow,
		now:           time.Now,
	}
}

// Lockout exposes the failed-login tracker for the maintenance worker.
func (s *Service) Lockout() *Lockout { return s.lockout }

// mintToken creates and persists a fresh device token for a user.
func (s *Service) mintToken(ctx context.Context, userID string, tier oyster.Tier, note string) (*oyster.DeviceToken, error) {
	now := s.now().UTC()
	exp := now.Add(s.tokenTTL)
	tok := &oyster.DeviceToken{
		Token:     oyster.NewTokenString(),
		Tier:      tier,
		Status:    oyster.TokenActive,
		Note:      note,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: &exp,
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return tok, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return "", fmt.Errorf("invalid email: %w", oyster.ErrBadRequest)
	}
	return email, nil
}

func checkPassword(password string) error {
	// bcrypt caps input at 72 bytes; longer passwords would be silently
	// truncated, so reject them instead.
	if len(password) < 8 || len(password) > 72 {
		return fmt.Errorf("password must be 8-72 bytes: %w", oyster.ErrBadRequest)
	}
	return nil
}

// Register creates an email/password account on the free tier and mints its
// first device token.
func (s *Service) Register(ctx context.Context, email, password string) (*oyster.User, *oyster.DeviceToken, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	if err := checkPassword(password); err != nil {
		return nil, nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := &oyster.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Email:        email,
		PasswordHash: string(hash),
		Tier:         oyster.TierFree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, oyster.ErrConflict) {
			return nil, nil, fmt.Errorf("email already registered: %w", oyster.ErrConflict)
		}
		return nil, nil, err
	}

	tok, err := s.mintToken(ctx, user.ID, user.Tier, "register")
	if err != nil {
		return nil, nil, err
	}
	return user, tok, nil
}

// errInvalidCredentials is deliberately identical for a missing account and a
// wrong password, so login cannot probe for accounts.
var errInvalidCredentials = fmt.Errorf("invalid email or password: %w", oyster.ErrUnauthorized)

// Login verifies credentials and mints a fresh device token. Failures count
// against the caller's IP; a locked IP is refused before any credential
// check, and any success from that IP resets its counter.
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (*oyster.User, *oyster.DeviceToken, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	if s.lockout.Locked(clientIP) {
		return nil, nil, fmt.Errorf("too many failed login attempts: %w", oyster.ErrRateLimited)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, oyster.ErrNotFound) {
			s.lockout.RecordFailure(clientIP)
			return nil, nil, errInvalidCredentials
		}
		return nil, nil, err
	}
	if user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.lockout.RecordFailure(clientIP)
		return nil, nil, errInvalidCredentials
	}

	s.lockout.Clear(clientIP)
	tok, err := s.mintToken(ctx, user.ID, user.Tier, "login")
	if err != nil {
		return nil, nil, err
	}
	return user, tok, nil
}

// AppleLogin verifies an Apple identity token and signs the subject in,
// creating or linking an account as needed. The created flag reports whether
// a new account was provisioned.
func (s *Service) AppleLogin(ctx context.Context, idToken, name string) (*oyster.User, *oyster.DeviceToken, bool, error) {
	if s.apple == nil {
		return nil, nil, false, fmt.Errorf("apple sign-in not configured: %w", oyster.ErrBadRequest)
	}
	claims, err := s.apple.Verify(ctx, idToken)
	if err != nil {
		return nil, nil, false, err
	}

	user, created, err := s.resolveAppleUser(ctx, claims, name)
	if err != nil {
		return nil, nil, false, err
	}
	tok, err := s.mintToken(ctx, user.ID, user.Tier, "apple_login")
	if err != nil {
		return nil, nil, false, err
	}
	return user, tok, created, nil
}

func (s *Service) resolveAppleUser(ctx context.Context, claims *AppleClaims, name string) (*oyster.User, bool, error) {
	// Fast path: subject already bound.
	user, err := s.store.GetUserByAppleID(ctx, claims.Subject)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, oyster.ErrNotFound) {
		return nil, false, err
	}

	// Link by verified email when the account pre-exists.
	if claims.Email != "" {
		user, err = s.store.GetUserByEmail(ctx, claims.Email)
		if err == nil {
			if err := s.store.LinkAppleID(ctx, user.ID, claims.Subject); err != nil {
				return nil, false, err
			}
			user.AppleID = claims.Subject
			return user, false, nil
		}
		if !errors.Is(err, oyster.ErrNotFound) {
			return nil, false, err
		}
	}

	user, err = s.createAppleUser(ctx, claims, name)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// createAppleUser provisions an account for a subject Apple did not share an
// email for (or whose email is taken as a hidden relay). The placeholder
// address is derived from the subject; on collision a counter is appended.
func (s *Service) createAppleUser(ctx context.Context, claims *AppleClaims, name string) (*oyster.User, error) {
	email := claims.Email
	safeSub := strings.Trim(nonAlnum.ReplaceAllString(claims.Subject, "_"), "_")

	for attempt := range 20 {
		if email == "" || attempt > 0 {
			if attempt == 0 {
				email = fmt.Sprintf("apple_%s@appleid.local", safeSub)
			} else {
				email = fmt.Sprintf("apple_%s_%d@appleid.local", safeSub, attempt)
			}
		}

		now := s.now().UTC()
		user := &oyster.User{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Email:     email,
			AppleID:   claims.Subject,
			Name:      name,
			Tier:      oyster.TierFree,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := s.store.CreateUser(ctx, user)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, oyster.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not allocate account for apple subject: %w", oyster.ErrConflict)
}

// Refresh rotates a device token near its expiry. Rotation is only allowed
// inside the refresh window at the tail of the token's lifetime; conversation
// and usage ownership move to the new token atomically.
func (s *Service) Refresh(ctx context.Context, token string) (*oyster.DeviceToken, error) {
	cur, err := s.store.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, oyster.ErrNotFound) {
			return nil, oyster.ErrUnauthorized
		}
		return nil, err
	}

	now := s.now().UTC()
	if cur.Status != oyster.TokenActive {
		return nil, oyster.ErrTokenDisabled
	}
	if cur.Expired(now) {
		return nil, oyster.ErrTokenExpired
	}
	if cur.ExpiresAt == nil || cur.ExpiresAt.Sub(now) > s.refreshWindow {
		return nil, fmt.Errorf("refresh only allowed in the last %d days: %w",
			int(s.refreshWindow.Hours()/24), oyster.ErrBadRequest)
	}

	exp := now.Add(s.tokenTTL)
	next := &oyster.DeviceToken{
		Token:     oyster.NewTokenString(),
		Tier:      cur.Tier,
		Status:    oyster.TokenActive,
		Note:      "refreshed",
		UserID:    cur.UserID,
		CreatedAt: now,
		ExpiresAt: &exp,
	}
	if err := s.store.RotateToken(ctx, cur.Token, next, cur.UserID, now); err != nil {
		return nil, fmt.Errorf("rotate token: %w", err)
	}
	s.auth.Invalidate(cur.Token)
	return next, nil
}

// MintAdminTokens creates count standalone tokens of the given tier. They
// carry no user and no expiry; quota still applies per tier.
func (s *Service) MintAdminTokens(ctx context.Context, tier oyster.Tier, count int) ([]*oyster.DeviceToken, error) {
	if count < 1 || count > 1000 {
		return nil, fmt.Errorf("count must be 1-1000: %w", oyster.ErrBadRequest)
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q: %w", tier, oyster.ErrBadRequest)
	}

	tokens := make([]*oyster.DeviceToken, 0, count)
	for range count {
		tok := &oyster.DeviceToken{
			Token:     oyster.NewTokenString(),
			Tier:      tier,
			Status:    oyster.TokenActive,
			Note:      "admin_minted",
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.CreateToken(ctx, tok); err != nil {
			return nil, fmt.Errorf("create token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// SetTokenTier changes a token's tier and drops it from the auth cache.
func (s *Service) SetTokenTier(ctx context.Context, token string, tier oyster.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q: %w", tier, oyster.ErrBadRequest)
	}
	if err := s.store.SetTokenTier(ctx, token, tier); err != nil {
		return err
	}
	s.auth.Invalidate(token)
	return nil
}

// ChangePassword verifies the current password and stores a new hash.
func (s *Service) ChangePassword(ctx context.Context, user *oyster.User, current, next string) error {
	if user.PasswordHash != "" &&
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return fmt.Errorf("current password does not match: %w", oyster.ErrUnauthorized)
	}
	if err := checkPassword(next); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, user.ID, string(hash))
}

// DeleteAccount removes a user and everything it owns. Export files on disk
// go first, then the rows; cached tokens are dropped so in-flight bearers die
// within the cache TTL.
func (s *Service) DeleteAccount(ctx context.Context, userID string, confirm bool) error {
	if !confirm {
		return fmt.Errorf("confirm must be true: %w", oyster.ErrBadRequest)
	}

	exports, err := s.store.ListExportsByUser(ctx, userID)
	if err != nil {
		return err
	}
	tokens, err := s.store.ListTokensByUser(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteUserData(ctx, userID); err != nil {
		return err
	}
	for _, e := range exports {
		os.Remove(e.FilePath)
	}
	for _, t := range tokens {
		s.auth.Invalidate(t.Token)
	}
	return nil
}
