package egressproxy

import (
	"strings"
	"sync"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/broker"
)

// tokenRefreshMinFraction is the fraction of its lifetime after which a
// cached token is treated as stale, matching §4.6 step 6d's "proactive refresh triggers at >= 80%
// TTL" against the token's own issued-for lifetime rather than a fixed
// duration, since tokens of wildly different TTLs share one cache.
const tokenRefreshMinFraction = 0.80

type cachedToken struct {
	token    *broker.Token
	issuedAt time.Time
}

func (c *cachedToken) fresh(now time.Time) bool {
	total := c.token.ExpiresAt.Sub(c.issuedAt)
	if total <= 0 {
		return false
	}
	elapsed := now.Sub(c.issuedAt)
	return float64(elapsed)/float64(total) < tokenRefreshMinFraction && now.Before(c.token.ExpiresAt)
}

// tokenCache is the proxy process's shared (host,scopes)->token cache,
// concurrent-safe with atomic insert-if-absent semantics (§5: "Token cache
// and cert cache use concurrent mapping with atomic insert-if-absent"),
// mirroring pkg/ca.Authority's own cache shape.
type tokenCache struct {
	mu    sync.RWMutex
	items map[string]*cachedToken
}

func newTokenCache() *tokenCache {
	return &tokenCache{items: make(map[string]*cachedToken)}
}

func cacheKey(host string, scopes []string) string {
	return strings.ToLower(host) + "|" + strings.Join(scopes, ",")
}

// get returns a still-fresh cached token, or nil.
func (c *tokenCache) get(host string, scopes []string) *broker.Token {
	key := cacheKey(host, scopes)
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || !entry.fresh(time.Now()) {
		return nil
	}
	return entry.token
}

// put inserts tok, returning the winner if another goroutine raced and
// inserted first (both are valid; the cache just avoids a duplicate entry).
func (c *tokenCache) put(host string, scopes []string, tok *broker.Token) *broker.Token {
	key := cacheKey(host, scopes)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[key]; ok && existing.fresh(now) {
		return existing.token
	}
	c.items[key] = &cachedToken{token: tok, issuedAt: now}
	return tok
}

// wasStale reports whether a cache entry exists for (host, scopes) but has
// crossed the refresh threshold — distinguishes a proactive refresh from a
// cold miss for the ProxyTokenCacheHits metric.
func (c *tokenCache) wasStale(host string, scopes []string) bool {
	key := cacheKey(host, scopes)
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[key]
	return ok && !entry.fresh(time.Now())
}

