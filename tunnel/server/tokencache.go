package server

import (
	"math"
	"sync"
	"time"
)

// TokenUseCache enforces single-use semantics for attach token_id values.
//
// It is an in-memory, single-instance cache: replay protection resets on
// restart and is not shared across tunnel server instances. Token replay is
// a defense-in-depth control, not the E2EE boundary — the token only
// authorizes tunnel attachment, never derives session keys.
type TokenUseCache struct {
	mu   sync.Mutex       // Guards used.
	used map[string]int64 // tokenID -> usedUntil (unix seconds).
}

// NewTokenUseCache returns an empty replay cache.
func NewTokenUseCache() *TokenUseCache {
	return &TokenUseCache{used: make(map[string]int64)}
}

// TryUse records tokenID as consumed through usedUntil, unless it is already
// live. An empty tokenID is always rejected.
func (c *TokenUseCache) TryUse(tokenID string, usedUntil int64, now time.Time) bool {
	if tokenID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.used[tokenID]; ok && prev >= now.Unix() {
		return false
	}
	c.used[tokenID] = usedUntil
	return true
}

// Cleanup discards entries whose usedUntil has passed.
func (c *TokenUseCache) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nowUnix := now.Unix()
	for k, until := range c.used {
		if until < nowUnix {
			delete(c.used, k)
		}
	}
}

// skewedDeadline returns ceil(expUnix + skew) as a unix-second count, clamped to
// math.MaxInt64 on overflow. Callers use this to compute the usedUntil bound
// passed to TryUse so a replay attempted inside the skew window still fails.
func skewedDeadline(expUnix int64, skew time.Duration) int64 {
	if skew <= 0 {
		return expUnix
	}
	skewSeconds := skew / time.Second
	if skew%time.Second != 0 {
		skewSeconds++
	}
	if skewSeconds > 0 && expUnix > math.MaxInt64-int64(skewSeconds) {
		return math.MaxInt64
	}
	return expUnix + int64(skewSeconds)
}
