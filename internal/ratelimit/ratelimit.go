// Package ratelimit provides a pluggable per-client rate limiter for the
// marketplace API.
//
// The default implementation is an in-memory token bucket (MemoryLimiter),
// sufficient for a single engine instance. Multi-instance deployments can
// substitute a shared store behind the Limiter interface.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque
	// to the limiter; callers construct it (client IP, agent ID).
	// An error signals a limiter malfunction; callers should fail open
	// rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
