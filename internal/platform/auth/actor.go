package auth

import "context"

const (
	RoleDoctor = "doctor"
	RoleAdmin  = "admin"
)

// Actor is the authenticated caller passed explicitly through context.
type Actor struct {
	ID          string
	DisplayName string
	Roles       []string
}

type actorKey struct{}

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the caller; ok is false when none is present or
// the identifier is empty.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok || a.ID == "" {
		return Actor{}, false
	}
	return a, true
}

func UserIDFromContext(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.ID
}

func RolesFromContext(ctx context.Context) []string {
	a, _ := ActorFromContext(ctx)
	return a.Roles
}

// HasRole reports whether a holds role; admins hold every role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
