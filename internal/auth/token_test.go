package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "a-signing-key-that-is-at-least-32-bytes-long"

func signTestToken(t *testing.T, userID uint64, typ TokenType, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "test",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   userID,
		Username: "ana",
		Type:     typ,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err, "failed to sign test token")
	return signed
}

func TestVerifier_VerifyValidToken(t *testing.T) {
	v, err := NewVerifier(testSigningKey)
	require.NoError(t, err)

	tok := signTestToken(t, 42, TokenTypeAccess, time.Hour)
	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), claims.UserID)
}

func TestVerifier_RejectsExpiredToken(t *testing.T) {
	v, err := NewVerifier(testSigningKey)
	require.NoError(t, err)

	tok := signTestToken(t, 1, TokenTypeAccess, -time.Minute)
	_, err = v.Verify(tok)
	assert.Error(t, err, "expired token must fail verification")
}

func TestVerifier_RejectsRefreshToken(t *testing.T) {
	v, err := NewVerifier(testSigningKey)
	require.NoError(t, err)

	tok := signTestToken(t, 1, TokenTypeRefresh, time.Hour)
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrNotAccessToken)
}

func TestVerifier_RejectsWrongSigningKey(t *testing.T) {
	v, err := NewVerifier(testSigningKey)
	require.NoError(t, err)

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		UserID:           1,
		Type:             TokenTypeAccess,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("a-completely-different-signing-key-32b"))
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.Error(t, err, "verification must fail with the wrong signing key")
}

func TestVerifier_CachesValidatedToken(t *testing.T) {
	v, err := NewVerifier(testSigningKey)
	require.NoError(t, err)

	tok := signTestToken(t, 7, TokenTypeAccess, time.Hour)
	_, err = v.Verify(tok)
	require.NoError(t, err)

	cached, ok := v.cache.get(tok)
	require.True(t, ok, "token should be cached after successful verification")
	assert.Equal(t, uint64(7), cached.UserID)
}

func TestVerifier_NewVerifierRejectsShortKey(t *testing.T) {
	_, err := NewVerifier("too-short")
	assert.Error(t, err, "keys shorter than 32 bytes must be rejected")
}

func TestTTLCache_ExpiresEntryAtCacheTTL(t *testing.T) {
	c := newTTLCache(10 * time.Millisecond)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}

	c.put("tok", claims, claims.ExpiresAt.Time)
	_, ok := c.get("tok")
	require.True(t, ok, "immediate get should hit")

	time.Sleep(20 * time.Millisecond)
	_, ok = c.get("tok")
	assert.False(t, ok, "entry should have expired from the cache")
}

func TestTTLCache_HonoursTokenExpiryOverCacheTTL(t *testing.T) {
	c := newTTLCache(time.Hour)
	shortExpiry := time.Now().Add(10 * time.Millisecond)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(shortExpiry)}}

	c.put("tok", claims, shortExpiry)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.get("tok")
	assert.False(t, ok, "cache entry must respect the token's own earlier expiry")
}
