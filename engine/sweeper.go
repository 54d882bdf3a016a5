package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/syncpoint"
	"github.com/loomworks/loom/workflow"
)

// sweepLoop periodically evaluates sync point deadlines across all
// active workflows. Timeouts are only ever discovered here or lazily on
// the next arrival; no per-sync timer exists.
func (e *Engine) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(e.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce appends timeout failures for every overdue rendezvous. A
// conflict means a concurrent command moved the workflow first; the next
// tick re-evaluates against the new tail.
func (e *Engine) sweepOnce(ctx context.Context) {
	snaps, err := e.store.ListSnapshots(ctx, workflow.ListOpts{State: workflow.StateActive})
	if err != nil {
		e.logger.Warn("sweep list failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, snap := range snaps {
		events := syncpoint.Sweep(snap, now)
		if len(events) == 0 {
			continue
		}
		if _, err := e.commit(ctx, snap, events...); err != nil {
			if errors.Is(err, loom.ErrConflict) {
				continue
			}
			e.logger.Warn("sweep append failed",
				slog.String("workflow_id", snap.WorkflowID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.logger.Info("sync timeout swept",
			slog.String("workflow_id", snap.WorkflowID.String()),
			slog.Int("events", len(events)),
		)
	}
}
