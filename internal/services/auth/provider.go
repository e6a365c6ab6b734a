package auth

import (
	"context"
)

// AuthProvider validates a bearer credential and resolves the identity
// behind it. Providers are tried in order by the middleware, so a provider
// must fail fast on tokens it does not recognize.
type AuthProvider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

// Identity is the resolved principal for a request.
type Identity struct {
	UserID string
	Email  string
}
