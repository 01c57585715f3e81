// Package ratelimit throttles paid work per API client.
//
// Every accepted query spends the buyer's funds, so a runaway client loop is
// costly. Two budgets share one weighted token bucket implementation
// (MemoryLimiter). Middleware charges one token per request to a paid
// endpoint. SpendBudget charges each query its price in units of the
// minimum query price, so a query on a dataset priced at ten times the
// minimum drains ten tokens.
package ratelimit

import "context"

// Limiter decides whether a request identified by key, costing cost tokens,
// should be allowed. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string, cost float64) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string, float64) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
