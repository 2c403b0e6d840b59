package usecases

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"svontai_router/internal/entities"
)

const tokenIssuer = "svontai-router"

// CallbackClaims scope a token to one tenant and one run.
type CallbackClaims struct {
	TenantID      string `json:"tid"`
	CorrelationID string `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

func (c *CallbackClaims) RunID() string {
	return c.Subject
}

// SecretLookup returns a tenant's own signing secret, or "" to use the platform secret.
type SecretLookup func(ctx context.Context, tenantID string) (string, error)

// CallbackTokens issues and verifies the scoped bearer tokens embedded in envelopes.
// Signing keys are derived per tenant with HKDF so a leaked key only covers one tenant.
type CallbackTokens struct {
	platformSecrets []string
	now             func() time.Time
}

func NewCallbackTokens(current, previous string) *CallbackTokens {
	t := &CallbackTokens{platformSecrets: []string{current}, now: time.Now}
	if previous != "" && previous != current {
		t.platformSecrets = append(t.platformSecrets, previous)
	}
	return t
}

func (t *CallbackTokens) WithClock(now func() time.Time) *CallbackTokens {
	t.now = now
	return t
}

func audienceFor(tenantID string) string {
	return "tenant:" + tenantID
}

// Issue signs a token for run runID of tenantID valid for ttl.
func (t *CallbackTokens) Issue(tenantID, tenantSecret, runID, correlationID string, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(ttl)

	key, err := deriveKey(t.baseSecret(tenantSecret, 0), tenantID)
	if err != nil {
		return "", time.Time{}, err
	}

	claims := CallbackClaims{
		TenantID:      tenantID,
		CorrelationID: correlationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   runID,
			Audience:  jwt.ClaimStrings{audienceFor(tenantID)},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign callback token: %w", err)
	}
	return signed, expires, nil
}

// Verify validates signature, issuer, audience and expiry. Any failure is ErrTokenInvalid.
func (t *CallbackTokens) Verify(ctx context.Context, tokenString string, lookup SecretLookup) (*CallbackClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing bearer token", entities.ErrTokenInvalid)
	}

	// The tenant id selects the key, so read it before verification and re-check it after.
	unverified := &CallbackClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrTokenInvalid, err)
	}
	tenantID := unverified.TenantID
	if tenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant claim", entities.ErrTokenInvalid)
	}

	tenantSecret := ""
	if lookup != nil {
		s, err := lookup(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", entities.ErrTokenInvalid, err)
		}
		tenantSecret = s
	}

	keys := jwt.VerificationKeySet{}
	for i := range t.platformSecrets {
		key, err := deriveKey(t.baseSecret(tenantSecret, i), tenantID)
		if err != nil {
			return nil, err
		}
		keys.Keys = append(keys.Keys, key)
	}

	claims := &CallbackClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(audienceFor(tenantID)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return keys, nil
	})
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", entities.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("%w: %v", entities.ErrTokenInvalid, err)
	}
	if claims.TenantID != tenantID || claims.Subject == "" {
		return nil, entities.ErrTokenInvalid
	}
	return claims, nil
}

// baseSecret picks the tenant secret when set, otherwise the i-th platform secret.
func (t *CallbackTokens) baseSecret(tenantSecret string, i int) string {
	if tenantSecret != "" {
		return tenantSecret
	}
	return t.platformSecrets[i]
}

func deriveKey(secret, tenantID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("svontai-callback:"+tenantID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive callback key: %w", err)
	}
	return key, nil
}
