package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// ErrNoPrincipal is returned when the context carries no authenticated principal.
var ErrNoPrincipal = errors.New("no principal in context")

// WithPrincipal attaches an authenticated principal to the context.
func WithPrincipal(ctx context.Context, p *AuthenticatedPrincipal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the authenticated principal from the context.
func PrincipalFrom(ctx context.Context) (*AuthenticatedPrincipal, error) {
	p, ok := ctx.Value(principalKey).(*AuthenticatedPrincipal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}
