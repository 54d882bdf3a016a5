package middleware

import (
	"context"
	"log/slog"
)

// Timeout returns middleware that enforces a per-command execution
// deadline. If the command has a non-zero Timeout, a context.WithTimeout
// wraps the handler call. When the deadline is exceeded the context is
// cancelled and the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) error {
		if cmd.Timeout > 0 {
			logger.Debug("command timeout set",
				slog.String("command", cmd.Name),
				slog.Duration("timeout", cmd.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
