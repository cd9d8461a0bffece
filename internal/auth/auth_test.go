package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/storage/sqlite"
)

func newService(t *testing.T) (*Service, *TokenAuth) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ta, err := NewTokenAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	return NewService(store, ta, nil, 720*time.Hour, 168*time.Hour), ta
}

func bearerReq(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()
	s, ta := newService(t)
	ctx := context.Background()

	user, tok, err := s.Register(ctx, "  Alice@Example.COM ", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("email = %q", user.Email)
	}
	if user.Tier != oyster.TierFree {
		t.Errorf("tier = %q", user.Tier)
	}
	if !strings.HasPrefix(tok.Token, oyster.TokenPrefix) {
		t.Errorf("token = %q", tok.Token)
	}
	if tok.ExpiresAt == nil {
		t.Fatal("token has no expiry")
	}

	// The minted token authenticates.
	id, err := ta.Authenticate(ctx, bearerReq(tok.Token))
	if err != nil {
		t.Fatal(err)
	}
	if id.User == nil || id.User.ID != user.ID {
		t.Errorf("identity = %+v", id)
	}

	// Duplicate registration conflicts.
	if _, _, err := s.Register(ctx, "alice@example.com", "hunter22"); !errors.Is(err, oyster.ErrConflict) {
		t.Errorf("duplicate err = %v", err)
	}

	// Login mints a second, distinct token.
	_, tok2, err := s.Login(ctx, "alice@example.com", "hunter22", "203.0.113.1")
	if err != nil {
		t.Fatal(err)
	}
	if tok2.Token == tok.Token {
		t.Error("login reused the registration token")
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"no at sign", "nope", "hunter22"},
		{"no tld", "a@b", "hunter22"},
		{"too long", strings.Repeat("a", 250) + "@example.com", "hunter22"},
		{"short password", "a@example.com", "seven77"},
		{"long password", "a@example.com", strings.Repeat("x", 73)},
	}
	for _, tt := range tests {
		if _, _, err := s.Register(ctx, tt.email, tt.password); !errors.Is(err, oyster.ErrBadRequest) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestLoginFailuresAndLockout(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	if _, _, err := s.Register(ctx, "bob@example.com", "hunter22"); err != nil {
		t.Fatal(err)
	}

	// Unknown account and wrong password read identically.
	_, _, errUnknown := s.Login(ctx, "ghost@example.com", "hunter22", "203.0.113.1")
	_, _, errWrong := s.Login(ctx, "bob@example.com", "wrong-pass", "203.0.113.1")
	if errUnknown == nil || errWrong == nil || errUnknown.Error() != errWrong.Error() {
		t.Errorf("errors differ: %v vs %v", errUnknown, errWrong)
	}

	// Three more failures from the same IP trip the lockout; then even the
	// right password answers rate-limited.
	for range 3 {
		s.Login(ctx, "bob@example.com", "wrong-pass", "203.0.113.1")
	}
	if _, _, err := s.Login(ctx, "bob@example.com", "hunter22", "203.0.113.1"); !errors.Is(err, oyster.ErrRateLimited) {
		t.Errorf("locked login err = %v", err)
	}

	// The lockout is per IP: another address still signs in, and that success
	// resets its own counter only.
	if _, _, err := s.Login(ctx, "bob@example.com", "hunter22", "198.51.100.7"); err != nil {
		t.Errorf("other IP login err = %v", err)
	}
	if _, _, err := s.Login(ctx, "bob@example.com", "hunter22", "203.0.113.1"); !errors.Is(err, oyster.ErrRateLimited) {
		t.Errorf("locked IP after other-IP success err = %v", err)
	}
}

func TestLockoutWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	l := NewLockout()
	l.now = func() time.Time { return now }

	for range 4 {
		l.RecordFailure("k")
	}
	if l.Locked("k") {
		t.Fatal("locked after 4 failures")
	}
	// Fifth failure lands outside the window: no lock.
	now = now.Add(failureWindow + time.Second)
	l.RecordFailure("k")
	if l.Locked("k") {
		t.Fatal("stale failures counted toward lock")
	}

	// Five fast failures lock; the lock expires after its duration.
	for range 4 {
		l.RecordFailure("k")
	}
	if !l.Locked("k") {
		t.Fatal("not locked after 5 failures in window")
	}
	now = now.Add(lockDuration + time.Second)
	if l.Locked("k") {
		t.Error("lock did not expire")
	}

	// Clear wipes everything.
	for range 5 {
		l.RecordFailure("k2")
	}
	l.Clear("k2")
	if l.Locked("k2") {
		t.Error("Clear left the lock in place")
	}
}

func TestAuthenticateRejections(t *testing.T) {
	t.Parallel()
	_, ta := newService(t)
	ctx := context.Background()

	if _, err := ta.Authenticate(ctx, httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, oyster.ErrUnauthorized) {
		t.Errorf("no header err = %v", err)
	}
	if _, err := ta.Authenticate(ctx, bearerReq("sk-other-scheme")); !errors.Is(err, oyster.ErrUnauthorized) {
		t.Errorf("wrong prefix err = %v", err)
	}
	if _, err := ta.Authenticate(ctx, bearerReq(oyster.NewTokenString())); !errors.Is(err, oyster.ErrUnauthorized) {
		t.Errorf("unknown token err = %v", err)
	}
}

func TestRefreshWindow(t *testing.T) {
	t.Parallel()
	s, ta := newService(t)
	ctx := context.Background()

	_, tok, err := s.Register(ctx, "carol@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}

	// Fresh token: expiry is ~30 days out, well past the 7-day window.
	if _, err := s.Refresh(ctx, tok.Token); !errors.Is(err, oyster.ErrBadRequest) {
		t.Fatalf("early refresh err = %v", err)
	}

	// Exactly 7 days before expiry: allowed.
	s.now = func() time.Time { return tok.ExpiresAt.Add(-s.refreshWindow) }
	next, err := s.Refresh(ctx, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if next.Token == tok.Token {
		t.Error("refresh returned the same token")
	}
	if next.Tier != tok.Tier {
		t.Errorf("tier changed: %q", next.Tier)
	}

	// The old token no longer authenticates.
	if _, err := ta.Authenticate(ctx, bearerReq(tok.Token)); !errors.Is(err, oyster.ErrTokenDisabled) {
		t.Errorf("old token err = %v", err)
	}
	// The new one does.
	if _, err := ta.Authenticate(ctx, bearerReq(next.Token)); err != nil {
		t.Errorf("new token err = %v", err)
	}

	// Past expiry: expired, not refreshable.
	s.now = func() time.Time { return next.ExpiresAt.Add(time.Second) }
	if _, err := s.Refresh(ctx, next.Token); !errors.Is(err, oyster.ErrTokenExpired) {
		t.Errorf("expired refresh err = %v", err)
	}
}

func TestAdminTokens(t *testing.T) {
	t.Parallel()
	s, ta := newService(t)
	ctx := context.Background()

	tokens, err := s.MintAdminTokens(ctx, oyster.TierPro, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 3 {
		t.Fatalf("minted %d", len(tokens))
	}
	for _, tok := range tokens {
		if tok.ExpiresAt != nil {
			t.Error("admin token has expiry")
		}
		id, err := ta.Authenticate(ctx, bearerReq(tok.Token))
		if err != nil {
			t.Fatal(err)
		}
		if id.User != nil {
			t.Error("admin token resolved a user")
		}
		if id.Tier() != oyster.TierPro {
			t.Errorf("tier = %q", id.Tier())
		}
	}

	if _, err := s.MintAdminTokens(ctx, oyster.TierPro, 0); !errors.Is(err, oyster.ErrBadRequest) {
		t.Errorf("count 0 err = %v", err)
	}
	if _, err := s.MintAdminTokens(ctx, oyster.TierPro, 1001); !errors.Is(err, oyster.ErrBadRequest) {
		t.Errorf("count 1001 err = %v", err)
	}
	if _, err := s.MintAdminTokens(ctx, "platinum", 1); !errors.Is(err, oyster.ErrBadRequest) {
		t.Errorf("bad tier err = %v", err)
	}

	// Tier change takes effect immediately despite the auth cache.
	if err := s.SetTokenTier(ctx, tokens[0].Token, oyster.TierMax); err != nil {
		t.Fatal(err)
	}
	id, err := ta.Authenticate(ctx, bearerReq(tokens[0].Token))
	if err != nil {
		t.Fatal(err)
	}
	if id.Tier() != oyster.TierMax {
		t.Errorf("tier after change = %q", id.Tier())
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	user, _, err := s.Register(ctx, "dave@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ChangePassword(ctx, user, "wrong", "newpass99"); !errors.Is(err, oyster.ErrUnauthorized) {
		t.Errorf("wrong current err = %v", err)
	}
	if err := s.ChangePassword(ctx, user, "hunter22", "short"); !errors.Is(err, oyster.ErrBadRequest) {
		t.Errorf("weak next err = %v", err)
	}
	if err := s.ChangePassword(ctx, user, "hunter22", "newpass99"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Login(ctx, "dave@example.com", "newpass99", "203.0.113.1"); err != nil {
		t.Errorf("login with new password: %v", err)
	}
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()
	s, ta := newService(t)
	ctx := context.Background()

	user, tok, err := s.Register(ctx, "erin@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAccount(ctx, user.ID, false); !errors.Is(err, oyster.ErrBadRequest) {
		t.Errorf("unconfirmed err = %v", err)
	}
	if err := s.DeleteAccount(ctx, user.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := ta.Authenticate(ctx, bearerReq(tok.Token)); !errors.Is(err, oyster.ErrUnauthorized) {
		t.Errorf("deleted account token err = %v", err)
	}
}

// --- Apple ---

type jwksServer struct {
	key *rsa.PrivateKey
	srv *httptest.Server
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	j := &jwksServer{key: key}
	j.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := key.Public().(*rsa.PublicKey)
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-kid",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(bigEndianInt(pub.E)),
			}},
		})
	}))
	t.Cleanup(j.srv.Close)
	return j
}

func bigEndianInt(n int) []byte {
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return b
}

func (j *jwksServer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-kid"
	signed, err := tok.SignedString(j.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func newVerifier(t *testing.T, j *jwksServer) *AppleVerifier {
	t.Helper()
	v, err := NewAppleVerifier("https://appleid.apple.com", []string{"com.oyster.app"}, j.srv.URL, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func appleClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "https://appleid.apple.com",
		"aud":   "com.oyster.app",
		"sub":   sub,
		"email": "frank@example.com",
		"iat":   time.Now().Add(-time.Minute).Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestAppleVerify(t *testing.T) {
	t.Parallel()
	j := newJWKSServer(t)
	v := newVerifier(t, j)
	ctx := context.Background()

	claims, err := v.Verify(ctx, j.sign(t, appleClaims("001234.abcd")))
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "001234.abcd" || claims.Email != "frank@example.com" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestAppleVerifyRejections(t *testing.T) {
	t.Parallel()
	j := newJWKSServer(t)
	v := newVerifier(t, j)
	ctx := context.Background()

	expired := appleClaims("s")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	badIss := appleClaims("s")
	badIss["iss"] = "https://evil.example.com"

	badAud := appleClaims("s")
	badAud["aud"] = "com.other.app"

	for name, claims := range map[string]jwt.MapClaims{
		"expired": expired, "issuer": badIss, "audience": badAud,
	} {
		if _, err := v.Verify(ctx, j.sign(t, claims)); !errors.Is(err, oyster.ErrUnauthorized) {
			t.Errorf("%s: err = %v", name, err)
		}
	}

	// HS256 token signed with a shared secret must be rejected even before
	// key lookup.
	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, appleClaims("s"))
	hs.Header["kid"] = "test-kid"
	signed, err := hs.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(ctx, signed); !errors.Is(err, oyster.ErrUnauthorized) {
		t.Errorf("alg confusion err = %v", err)
	}
}

func TestAppleLoginLifecycle(t *testing.T) {
	t.Parallel()
	j := newJWKSServer(t)
	v := newVerifier(t, j)

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ta, err := NewTokenAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	s := NewService(store, ta, v, 720*time.Hour, 168*time.Hour)
	ctx := context.Background()

	// First sign-in provisions an account.
	idToken := j.sign(t, appleClaims("001234.abcd"))
	user, _, created, err := s.AppleLogin(ctx, idToken, "Frank")
	if err != nil {
		t.Fatal(err)
	}
	if !created || user.Email != "frank@example.com" || user.Name != "Frank" {
		t.Errorf("created=%v user=%+v", created, user)
	}

	// Second sign-in resolves the same account.
	again, _, created, err := s.AppleLogin(ctx, idToken, "")
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != user.ID {
		t.Errorf("created=%v id=%q want %q", created, again.ID, user.ID)
	}
}

func TestAppleLoginLinksExistingEmail(t *testing.T) {
	t.Parallel()
	j := newJWKSServer(t)
	v := newVerifier(t, j)

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ta, err := NewTokenAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	s := NewService(store, ta, v, 720*time.Hour, 168*time.Hour)
	ctx := context.Background()

	registered, _, err := s.Register(ctx, "frank@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}

	user, _, created, err := s.AppleLogin(ctx, j.sign(t, appleClaims("001234.abcd")), "")
	if err != nil {
		t.Fatal(err)
	}
	if created || user.ID != registered.ID {
		t.Errorf("created=%v id=%q want link to %q", created, user.ID, registered.ID)
	}
}

func TestCreateAppleUserPlaceholderEmail(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	user, err := s.createAppleUser(ctx, &AppleClaims{Subject: "001234.ab-cd"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(user.Email, "apple_") || !strings.HasSuffix(user.Email, "@appleid.local") {
		t.Errorf("placeholder email = %q", user.Email)
	}
	if strings.ContainsAny(user.Email[:strings.Index(user.Email, "@")], "-.") {
		t.Errorf("unsafe local part: %q", user.Email)
	}

	// A taken placeholder address falls back to the counter form.
	second, err := s.createAppleUser(ctx, &AppleClaims{Subject: "001234/ab.cd"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Email == user.Email {
		t.Errorf("collision not resolved: %q", second.Email)
	}
	if !strings.Contains(second.Email, "_1@") {
		t.Errorf("counter form expected, got %q", second.Email)
	}
}
