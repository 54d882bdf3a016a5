package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/scope"
)

// Logging returns middleware that logs command start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) error {
		attrs := []any{
			slog.String("command", cmd.Name),
			slog.String("workflow_id", cmd.WorkflowID.String()),
		}
		if cmd.StepID != "" {
			attrs = append(attrs, slog.String("step_id", cmd.StepID))
		}
		if agent := scope.Agent(ctx); agent != "" {
			attrs = append(attrs, slog.String("agent_id", agent))
		}
		logger.Debug("command started", attrs...)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("command failed",
				append(attrs,
					slog.Duration("elapsed", elapsed),
					slog.String("error", err.Error()),
				)...,
			)
		} else {
			logger.Info("command completed",
				append(attrs, slog.Duration("elapsed", elapsed))...,
			)
		}

		return err
	}
}
