package security

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MintTestToken signs an HS256 device token with the given secret.
// For unit tests only. Callers must not use in production.
func MintTestToken(secret, userID, scope string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"iat":   now.Unix(),
		"exp":   now.Add(15 * time.Minute).Unix(),
		"scope": scope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
