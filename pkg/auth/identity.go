// Package auth carries the caller identity established by the outer
// authentication layer. The broker trusts this identity without re-verifying
// it.
package auth

import "context"

// Identity is the authenticated caller: a user id plus the role that selects
// the execution policy.
type Identity struct {
	UserID string
	Role   string
}

type contextKey struct{}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext extracts the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
