package auth

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL caps how long a successful verification is reused. Entries
// for tokens closer to expiry live only until the token expires.
const DefaultCacheTTL = 60 * time.Second

const cacheSweepInterval = time.Minute

type cacheEntry struct {
	info      *AuthInfo
	expiresAt time.Time
}

// CachingVerifier memoizes successful verifications of an inner verifier.
// Failures are never cached; a rejected token hits the inner verifier every
// time.
type CachingVerifier struct {
	inner TokenVerifier
	ttl   time.Duration

	mu        sync.Mutex
	entries   map[string]cacheEntry
	lastSweep time.Time
}

// NewCachingVerifier wraps inner with a DefaultCacheTTL result cache.
func NewCachingVerifier(inner TokenVerifier) *CachingVerifier {
	return &CachingVerifier{
		inner:     inner,
		ttl:       DefaultCacheTTL,
		entries:   make(map[string]cacheEntry),
		lastSweep: time.Now(),
	}
}

// VerifyToken implements TokenVerifier.
func (c *CachingVerifier) VerifyToken(ctx context.Context, token string) (*AuthInfo, error) {
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.entries[token]; ok && now.Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.info, nil
	}
	c.mu.Unlock()

	info, err := c.inner.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	ttl := c.ttl
	if info.ExpiresAt != 0 {
		if untilExpiry := time.Unix(info.ExpiresAt, 0).Sub(now); untilExpiry < ttl {
			ttl = untilExpiry
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 {
		c.entries[token] = cacheEntry{info: info, expiresAt: now.Add(ttl)}
	}
	c.sweepLocked(now)
	return info, nil
}

// sweepLocked drops expired entries at most once per sweep interval. Callers
// hold c.mu.
func (c *CachingVerifier) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < cacheSweepInterval {
		return
	}
	c.lastSweep = now
	for token, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, token)
		}
	}
}
