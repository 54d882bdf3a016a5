// Package middleware provides composable middleware for engine command
// execution. Middleware wraps command handling synchronously and can
// modify execution (recover from panics, log, add tracing and metrics,
// enforce deadlines).
package middleware

import (
	"context"
	"time"

	"github.com/loomworks/loom/id"
)

// Command describes the engine operation being executed, for the benefit
// of cross-cutting middleware. It carries identity, not behavior.
type Command struct {
	// Name is the command verb, e.g. "start" or "complete_step".
	Name string

	// WorkflowID is the target workflow.
	WorkflowID id.WorkflowID

	// StepID is the target step, when the command addresses one.
	StepID string

	// Timeout bounds the command's execution. Zero means no limit.
	Timeout time.Duration
}

// Handler is the terminal function that executes command logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the command being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, cmd *Command, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, cmd, prev)
			}
		}
		return h(ctx)
	}
}
