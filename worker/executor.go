// Package worker runs workflow steps in-process. A Pool polls the
// engine for READY steps on active workflows, claims them as local
// agents, and drives each claim through assign → start → complete or
// fail. It is the development and test counterpart of remote agents;
// production agents speak the HTTP API and hold no engine handle.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Handler executes one step and returns its output payload.
type Handler func(ctx context.Context, workflowID id.WorkflowID, step workflow.StepDefinition) (json.RawMessage, error)

// Executor claims a single READY step and drives it through its
// lifecycle. Claims race on the store's optimistic append: losing a
// claim to another agent is a normal outcome, not an error.
type Executor struct {
	eng         *engine.Engine
	handlers    map[string]Handler
	fallback    Handler
	bo          backoff.Strategy
	maxAttempts int
	logger      *slog.Logger
}

// NewExecutor creates an Executor. The backoff strategy paces retries
// of result appends that lose a concurrency race.
func NewExecutor(eng *engine.Engine, handlers map[string]Handler, fallback Handler, bo backoff.Strategy, logger *slog.Logger) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		eng:         eng,
		handlers:    handlers,
		fallback:    fallback,
		bo:          bo,
		maxAttempts: 3,
		logger:      logger,
	}
}

// handlerFor returns the handler for a step, preferring an exact match
// over the fallback.
func (e *Executor) handlerFor(stepID string) (Handler, bool) {
	if h, ok := e.handlers[stepID]; ok {
		return h, true
	}
	if e.fallback != nil {
		return e.fallback, true
	}
	return nil, false
}

// Execute claims the step for the agent and runs it to a settled state.
// Returns true when this executor ran the step, false when the claim
// was lost or the step was no longer claimable.
func (e *Executor) Execute(ctx context.Context, workflowID id.WorkflowID, step workflow.StepDefinition, agentID string) (bool, error) {
	handler, ok := e.handlerFor(step.ID)
	if !ok {
		return false, nil
	}

	if _, err := e.eng.AssignStep(ctx, workflowID, step.ID, agentID); err != nil {
		if errors.Is(err, loom.ErrConflict) || errors.Is(err, loom.ErrIllegalTransition) {
			return false, nil
		}
		return false, err
	}
	if _, err := e.eng.StartStep(ctx, workflowID, step.ID); err != nil {
		if errors.Is(err, loom.ErrConflict) || errors.Is(err, loom.ErrIllegalTransition) {
			return false, nil
		}
		return false, err
	}

	start := time.Now()
	hctx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	output, herr := handler(hctx, workflowID, step)
	elapsed := time.Since(start)

	if herr != nil {
		e.logger.Warn("step handler failed",
			slog.String("workflow_id", workflowID.String()),
			slog.String("step_id", step.ID),
			slog.String("error", herr.Error()),
		)
		return true, e.settle(ctx, func(c context.Context) error {
			_, err := e.eng.FailStep(c, workflowID, step.ID, herr.Error())
			return err
		})
	}

	e.logger.Debug("step handler completed",
		slog.String("workflow_id", workflowID.String()),
		slog.String("step_id", step.ID),
		slog.Duration("elapsed", elapsed),
	)
	return true, e.settle(ctx, func(c context.Context) error {
		_, err := e.eng.CompleteStep(c, workflowID, step.ID, output)
		return err
	})
}

// settle appends the step's result, retrying conflict losses with
// backoff. The step belongs to this agent, so conflicts here come from
// unrelated events on the same workflow and resolve quickly.
func (e *Executor) settle(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !errors.Is(err, loom.ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.bo.Delay(attempt)):
		}
	}
	return err
}
