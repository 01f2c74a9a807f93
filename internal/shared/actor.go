package shared

import "context"

// Actor identifies the person executing a request. It is constructed once
// at the request boundary and passed down by value.
type Actor struct {
	ID          int64
	DisplayName string
	BusinessID  int64
	Permissions []string
}

// HasPermission reports whether the actor carries the named permission.
func (a Actor) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. The zero Actor is
// returned when none is present.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
