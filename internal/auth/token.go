// Package auth is the gateway's auth verifier. JWTs are issued by the
// external identity provider, so this package only ever validates tokens a
// client presents in the in-band auth message, never mints them.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access vs refresh tokens; only access tokens are
// accepted over the gateway connection.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the subset of the identity provider's JWT this core understands.
type Claims struct {
	jwt.RegisteredClaims
	UserID    uint64    `json:"uid"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Type      TokenType `json:"type"`
}

var (
	ErrNotAccessToken = errors.New("auth: not an access token")
	ErrInvalidClaims  = errors.New("auth: invalid token claims")
)

// Verifier validates access tokens issued elsewhere and caches successful
// validations for up to an hour, so a chatty client isn't re-parsing and
// re-verifying the same JWT on every reconnect within a session.
type Verifier struct {
	signingKey []byte
	cache      *ttlCache
}

// NewVerifier creates a Verifier. signingKey must match the identity
// provider's HMAC signing secret.
func NewVerifier(signingKey string) (*Verifier, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 characters")
	}
	return &Verifier{
		signingKey: []byte(signingKey),
		cache:      newTTLCache(time.Hour),
	}, nil
}

// Verify parses and validates an access token, consulting the cache first.
// A cache hit still respects the token's own exp: an expired cached entry is
// treated as a miss and re-validated (which will then fail normally).
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if claims, ok := v.cache.get(tokenString); ok {
		return claims, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrNotAccessToken
	}

	v.cache.put(tokenString, claims, claims.ExpiresAt.Time)
	return claims, nil
}
