// Package ctxutil carries the authenticated caller through a context.
//
// The server's auth middleware stores claims here and the MCP tools read
// them back, so neither package imports the other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/himitsu/internal/auth"
)

type contextKey string

const keyClaims contextKey = "claims"

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// ClientID returns the caller's client id, or "" when unauthenticated.
func ClientID(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.ClientID
	}
	return ""
}
