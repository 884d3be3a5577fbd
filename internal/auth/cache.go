package auth

import (
	"sync"
	"time"
)

type cacheEntry struct {
	claims  *Claims
	cacheOK time.Time // entry itself expires here, regardless of claims.ExpiresAt
}

// ttlCache is a small in-process cache of validated token -> Claims. An
// entry expires at the cache TTL or the JWT's exp, whichever comes first, so
// a long-lived token doesn't pin a stale cache entry forever.
type ttlCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cacheEntry
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(token string) (*Claims, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.m[token]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if now.After(entry.cacheOK) || now.After(entry.claims.ExpiresAt.Time) {
		delete(c.m, token)
		return nil, false
	}
	return entry.claims, true
}

func (c *ttlCache) put(token string, claims *Claims, tokenExpiry time.Time) {
	cacheOK := time.Now().Add(c.ttl)
	if tokenExpiry.Before(cacheOK) {
		cacheOK = tokenExpiry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[token] = cacheEntry{claims: claims, cacheOK: cacheOK}
}
