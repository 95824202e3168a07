// Package auth authenticates API callers with EdDSA bearer tokens and
// carries the resulting principal and request id through the context.
package auth

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNoPrincipal is returned when the context carries no authenticated caller.
var ErrNoPrincipal = errors.New("no principal in context")

// Principal is the caller a verified bearer token names.
type Principal struct {
	Subject   string
	Roles     []string
	TokenID   string
	ExpiresAt time.Time
}

// HasRole reports whether the token granted role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

func principalFromClaims(c *AssetClaims) Principal {
	p := Principal{Subject: c.Subject, Roles: slices.Clone(c.Roles), TokenID: c.ID}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal returns the caller authenticated for ctx.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
