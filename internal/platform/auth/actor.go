package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Role is an account role.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSupervisor Role = "SUPERVISOR"
	RoleWorker     Role = "WORKER"
	RoleClient     Role = "CLIENT"
)

// ParseRole normalizes s into a Role. ok is false for unknown roles.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleAdmin, RoleSupervisor, RoleWorker, RoleClient:
		return r, true
	}
	return "", false
}

// Actor is the authenticated caller.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// IsPrivileged reports whether the actor holds an administrative role.
func (a Actor) IsPrivileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSupervisor
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor stores a in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor stored in ctx, or the zero Actor.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey).(Actor)
	return a
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	return ActorFromContext(ctx).ID
}
