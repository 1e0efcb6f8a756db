package auth

import "context"

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims returns a context carrying the authenticated user's claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the claims set by the auth middleware, or nil
// for unauthenticated requests.
func ClaimsFromContext(ctx context.Context) *Claims {
	v := ctx.Value(claimsKey)
	if v == nil {
		return nil
	}
	c, _ := v.(*Claims)
	return c
}
