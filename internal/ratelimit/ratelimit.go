// Package ratelimit provides Redis-backed rate limiting for the trigger
// surface in cmd/ingestd-admin. When Redis is unavailable (nil store), all
// rate limits are disabled — requests pass. This ensures the service
// degrades gracefully in dev/test environments without Redis.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Store is the minimal interface required for rate limiting.
// In production this is implemented by go-redis; in tests by an in-memory map.
type Store interface {
	// Incr atomically increments a counter key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL on a key (only if TTL not already set by the incr).
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining time-to-live on a key. Returns 0 or negative if expired/missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Del removes one or more keys.
	Del(ctx context.Context, keys ...string) error
}

// Limiter performs rate limit checks against a Store.
type Limiter struct {
	store Store
}

// New creates a Limiter backed by the given Store.
// If store is nil, the Limiter is a no-op that always allows requests.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// ClientIP extracts the real client IP from a request, handling reverse proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// Allow checks whether the given key is within the rate limit using a
// fixed-window counter backed by Redis INCR + EXPIRE: the window starts
// at the key's first increment and lasts for window.
//
// Returns (true, nil) if the request is allowed.
// Returns (false, nil) if the limit is exceeded.
// Returns (true, err) on Redis error — fail open to avoid blocking legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, key string, rate int, window time.Duration) (bool, error) {
	if l.store == nil {
		return true, nil
	}

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return true, err
	}

	if count == 1 {
		l.store.Expire(ctx, key, window)
	}

	return count <= int64(rate), nil
}

// CheckRefreshTrigger enforces the admin refresh-trigger rate limit: at
// most rate calls per source (or "all") per window. It exists to keep a
// misbehaving caller of POST /sources/{id}/refresh from starving the task
// lock with repeated contended attempts.
func (l *Limiter) CheckRefreshTrigger(ctx context.Context, sourceKey string, rate int, window time.Duration) (bool, int) {
	allowed, err := l.Allow(ctx, fmt.Sprintf("rl:refresh:%s", sourceKey), rate, window)
	if err != nil || allowed {
		return true, 0
	}
	if l.store == nil {
		return true, 0
	}
	ttl, _ := l.store.TTL(ctx, fmt.Sprintf("rl:refresh:%s", sourceKey))
	retry := int(ttl.Seconds())
	if retry < 1 {
		retry = int(window.Seconds())
	}
	return false, retry
}
