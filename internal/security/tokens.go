// Package security verifies device-issued HS256 tokens presented at connection time.
// Only verification is in scope; tokens are minted by the identity provider.
package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	// Decode failures, signature failures, and claim failures all collapse
	// here so callers cannot distinguish them.
	ErrInvalidToken = errors.New("invalid token")
)

// clockSkew is the leeway applied to exp and nbf checks.
const clockSkew = 60 * time.Second

const scopePrefix = "device:"

// DeviceClaims is the verified identity carried by a device token.
type DeviceClaims struct {
	// UserID is the token subject.
	UserID string
	// ClientType is parsed from a scope claim of the form "device:<type>"
	// (e.g. "device:ios_app"). Empty when the scope is absent or malformed.
	ClientType string
}

type deviceTokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Verifier validates HS256 device tokens against a shared secret.
// Signature comparison is constant-time (hmac.Equal inside golang-jwt).
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	nowF     func() time.Time
}

// NewVerifier returns a Verifier for the given shared secret. issuer and
// audience are asserted only when non-empty.
func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		nowF:     time.Now,
	}
}

// Verify parses and validates the token (signature, exp/nbf with 60s skew,
// iss/aud when configured). Returns the device claims or ErrInvalidToken.
// It never panics and never returns partial claims on failure.
func (v *Verifier) Verify(tokenString string) (DeviceClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.nowF),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &deviceTokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return DeviceClaims{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*deviceTokenClaims)
	if !ok || !token.Valid {
		return DeviceClaims{}, ErrInvalidToken
	}

	return DeviceClaims{
		UserID:     claims.Subject,
		ClientType: clientTypeFromScope(claims.Scope),
	}, nil
}

// clientTypeFromScope extracts <type> from a "device:<type>" scope string.
func clientTypeFromScope(scope string) string {
	for _, s := range strings.Fields(scope) {
		if strings.HasPrefix(s, scopePrefix) {
			return strings.TrimPrefix(s, scopePrefix)
		}
	}
	return ""
}
