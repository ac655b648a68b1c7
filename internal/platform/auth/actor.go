package auth

import (
	"context"
	"strings"
)

// Well-known roles carried by actor tokens.
const (
	RoleAdmin   = "admin"
	RoleEditor  = "editor"
	RoleViewer  = "viewer"
	RoleService = "service"
)

// Actor is the authenticated caller of an admin operation, built once at the
// boundary and carried through context. Handlers and services never inspect
// raw tokens.
type Actor struct {
	ID    string
	Email string
	Roles []string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	role = normaliseRole(role)
	for _, candidate := range a.Roles {
		if normaliseRole(candidate) == role {
			return true
		}
	}
	return false
}

// PrimaryRole returns the most privileged role the actor carries. Bulk
// ceilings key off this value.
func (a Actor) PrimaryRole() string {
	order := []string{RoleAdmin, RoleService, RoleEditor, RoleViewer}
	for _, role := range order {
		if a.HasRole(role) {
			return role
		}
	}
	if len(a.Roles) > 0 {
		return normaliseRole(a.Roles[0])
	}
	return ""
}

type contextKey string

const actorContextKey contextKey = "github.com/sitewise/api/internal/platform/auth/actor"

// WithActor stores the actor on the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext retrieves the actor stored by the authentication middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey).(Actor)
	return actor, ok
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
