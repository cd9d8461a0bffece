package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// AppleClaims is the subset of the Apple identity token the gateway uses.
type AppleClaims struct {
	Subject string
	Email   string
}

// AppleVerifier validates Sign in with Apple identity tokens against Apple's
// published JWKS. Keys are cached; an unknown kid forces one refetch before
// the token is rejected.
type AppleVerifier struct {
	issuer    string
	clientIDs []string
	jwksURL   string
	client    *http.Client
	keys      *otter.Cache[string, *rsa.PublicKey]
	now       func() time.Time
}

// NewAppleVerifier returns a verifier for tokens issued to the given client IDs.
func NewAppleVerifier(issuer string, clientIDs []string, jwksURL string, jwksTTL time.Duration) (*AppleVerifier, error) {
	keys, err := otter.New(&otter.Options[string, *rsa.PublicKey]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, *rsa.PublicKey](jwksTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}
	return &AppleVerifier{
		issuer:    issuer,
		clientIDs: clientIDs,
		jwksURL:   jwksURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		keys:      keys,
		now:       time.Now,
	}, nil
}

// Verify parses and validates an identity token, returning its claims.
// All validation failures read as oyster.ErrUnauthorized.
func (v *AppleVerifier) Verify(ctx context.Context, idToken string) (*AppleClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	var email string
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("identity token missing kid")
		}
		return v.publicKey(ctx, kid)
	}

	if _, err := parser.ParseWithClaims(idToken, claims, keyfunc); err != nil {
		return nil, fmt.Errorf("verify identity token: %w: %w", oyster.ErrUnauthorized, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("identity token missing sub: %w", oyster.ErrUnauthorized)
	}
	if !v.audienceAllowed(claims.Audience) {
		return nil, fmt.Errorf("identity token audience not allowed: %w", oyster.ErrUnauthorized)
	}

	// Email rides in a private claim; re-decode the payload for it.
	email = extractEmail(idToken)
	return &AppleClaims{Subject: claims.Subject, Email: email}, nil
}

func (v *AppleVerifier) audienceAllowed(aud jwt.ClaimStrings) bool {
	for _, a := range aud {
		if slices.Contains(v.clientIDs, a) {
			return true
		}
	}
	return false
}

// publicKey resolves a signing key by kid, refetching the JWKS once when the
// kid is unknown (Apple rotates keys).
func (v *AppleVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := v.keys.GetIfPresent(kid); ok {
		return key, nil
	}
	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}
	if key, ok := v.keys.GetIfPresent(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("no signing key for kid %q", kid)
}

func (v *AppleVerifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("create jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: HTTP %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		v.keys.Set(k.Kid, &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		})
	}
	return nil
}

// extractEmail pulls the private email claim out of an already-verified token.
func extractEmail(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Email
}
