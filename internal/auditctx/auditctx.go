package auditctx

import "context"

// Actor identifies who initiated a request. Identity is asserted by the gateway
// in front of the API; this package only carries it to the audit trail.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
	RequestID string
}

type actorContextKey struct{}

// WithActor injects actor metadata into the supplied context, returning a derived context that
// callers can pass down into service layers for audit logging.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), actorContextKey{}, actor)
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// FromContext extracts previously stored actor metadata from the context.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// ActorID returns the actor identifier stored in ctx, or fallback when none is present.
func ActorID(ctx context.Context, fallback string) string {
	if actor, ok := FromContext(ctx); ok && actor.ID != "" {
		return actor.ID
	}
	return fallback
}
