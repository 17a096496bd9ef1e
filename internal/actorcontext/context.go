package actorcontext

import (
	"context"
	"strings"
)

// ActorContextKey is the request context key for the acting principal, used
// to stamp created_by on ledger entries.
type ActorContextKey struct{}

// WithActor stores the actor identifier in the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorContextKey{}, actor)
}

// ActorFromContext returns the actor identifier from context, if set.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	value := ctx.Value(ActorContextKey{})
	if value != nil {
		if typed, ok := value.(string); ok {
			trimmed := strings.TrimSpace(typed)
			if trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// ActorOrDefault returns the actor from context or the given fallback.
func ActorOrDefault(ctx context.Context, def string) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor
	}
	return def
}
