// Package authz decides whether a caller may mutate a namespace.
package authz

import (
	"context"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// Action is the kind of access being requested.
type Action string

const (
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// RoleAdmin grants every action on every namespace.
const RoleAdmin = "admin"

// Caller identifies who is making a request.
type Caller struct {
	ID    string
	Roles []string
}

// HasRole reports whether the caller carries role.
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authorizer grants or refuses an action. Refusals wrap assets.ErrPermissionDenied.
// A nil namespace asks about instance-wide actions such as rebuild.
type Authorizer interface {
	Authorize(ctx context.Context, caller Caller, ns *assets.Namespace, action Action) error
}

// AllowAll is an Authorizer for tests and single-user deployments.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Caller, *assets.Namespace, Action) error { return nil }
