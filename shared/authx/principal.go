// Package authx verifies OIDC bearer tokens for the pond API and carries
// the resulting caller through the request context.
package authx

import (
	"context"
	"slices"
	"strings"
)

// Roles recognised by the control API.
const (
	RoleOperator = "pond-operator"
	RoleViewer   = "pond-viewer"
)

// Principal is the verified caller. Subject becomes the actor recorded on
// executions, cancellations and audit rows.
type Principal struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
}

// HasAnyRole matches case-insensitively. No roles means no restriction.
func (p Principal) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	return slices.ContainsFunc(p.Roles, func(have string) bool {
		return slices.ContainsFunc(roles, func(want string) bool { return strings.EqualFold(have, want) })
	})
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
