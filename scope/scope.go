// Package scope carries caller identity (the agent issuing a command)
// through context.Context. The API layer attaches the agent from the
// request; middleware and handlers read it back for logging and
// attribution without threading an extra parameter everywhere.
package scope

import "context"

type ctxKey struct{}

// WithAgent attaches the calling agent's ID to the context.
// An empty ID is a no-op.
func WithAgent(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, agentID)
}

// Agent extracts the calling agent's ID from the context.
// Returns the empty string when no agent is attached.
func Agent(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
