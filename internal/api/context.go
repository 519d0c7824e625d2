package api

import (
	"context"
	"errors"

	"github.com/hyperengineering/lakesync/internal/auth"
)

// claimsContextKey is the context key for the verified token claims.
type claimsContextKey struct{}

// ErrNoClaimsInContext indicates no claims were found in the context.
var ErrNoClaimsInContext = errors.New("no claims in context")

// WithClaims returns a new context with the verified claims attached.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext extracts the verified claims from the context.
// Returns ErrNoClaimsInContext if not present or nil.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, error) {
	c, ok := ctx.Value(claimsContextKey{}).(*auth.Claims)
	if !ok || c == nil {
		return nil, ErrNoClaimsInContext
	}
	return c, nil
}

// MustClaimsFromContext extracts the claims or panics.
// Use only when middleware guarantees claims presence.
func MustClaimsFromContext(ctx context.Context) *auth.Claims {
	c, err := ClaimsFromContext(ctx)
	if err != nil {
		panic("claims not in context: middleware misconfiguration")
	}
	return c
}
