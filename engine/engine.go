// Package engine wires all loom subsystems together: the event store,
// the state machine fold, sync point coordination, checkpointing, and
// failure recovery. Every command follows the same path — load the
// derived snapshot, guard, append events with the expected sequence,
// fold — so per-workflow serialization comes entirely from the store's
// optimistic append and the engine holds no locks.
//
// This package sits above all subsystem packages and below the API
// layer; the root loom package defines config and errors and cannot
// import the subsystems back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	mw "github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/recovery"
	"github.com/loomworks/loom/state"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/workflow"
)

// PublishFunc receives every durably appended event together with the
// snapshot derived after the batch it belonged to. The stream broker's
// Publish method satisfies it.
type PublishFunc func(ctx context.Context, e *event.Event, snap *workflow.Snapshot)

// Engine executes workflow commands and queries against a store.
type Engine struct {
	store   store.Store
	cfg     loom.Config
	logger  *slog.Logger
	planner *recovery.Planner
	chain   mw.Middleware

	bo         backoff.Strategy
	extraMws   []mw.Middleware
	publishers []PublishFunc

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Sweeper lifecycle.
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithMiddleware adds middleware to the engine's command chain, after
// the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) {
		e.extraMws = append(e.extraMws, m)
	}
}

// WithBackoff sets the retry backoff strategy used by recovery planning.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) {
		e.bo = b
	}
}

// WithPublisher registers a publish hook called for every appended
// event. Hooks must not block: the stream broker drops instead.
func WithPublisher(p PublishFunc) Option {
	return func(e *Engine) {
		e.publishers = append(e.publishers, p)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// New creates an Engine on the given store.
func New(st store.Store, cfg loom.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, loom.ErrNoStore
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}
	e.planner = recovery.NewPlanner(cfg.RecoveryMaxAttempts, e.bo)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracer := e.tracerProvider.Tracer("github.com/loomworks/loom")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		meter := e.meterProvider.Meter("github.com/loomworks/loom")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	all := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	all = append(all, e.extraMws...)
	e.chain = mw.Chain(all...)

	return e, nil
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// execute runs one command through the middleware chain.
func (e *Engine) execute(ctx context.Context, cmd *mw.Command, fn mw.Handler) error {
	return e.chain(ctx, cmd, fn)
}

// mutate is the shared command path: load the snapshot, let the command
// derive its event batch against it, append with the snapshot's sequence
// as the expected tail, and fold. A stale snapshot surfaces as
// loom.ErrConflict from the store; the engine never retries on the
// caller's behalf.
func (e *Engine) mutate(ctx context.Context, name string, workflowID id.WorkflowID, stepID string,
	fn func(snap *workflow.Snapshot) ([]*event.Event, error),
) (*workflow.Snapshot, error) {
	cmd := &mw.Command{Name: name, WorkflowID: workflowID, StepID: stepID}
	var out *workflow.Snapshot
	err := e.execute(ctx, cmd, func(ctx context.Context) error {
		snap, err := e.loadSnapshot(ctx, workflowID)
		if err != nil {
			return err
		}
		events, err := fn(snap)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			out = snap
			return nil
		}
		out, err = e.commit(ctx, snap, events...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// commit appends the batch at the snapshot's tail, folds it, refreshes
// the snapshot cache, and fans the events out to publish hooks.
func (e *Engine) commit(ctx context.Context, snap *workflow.Snapshot, events ...*event.Event) (*workflow.Snapshot, error) {
	expected := snap.LastAppliedSequence
	if _, err := e.store.AppendEvents(ctx, snap.WorkflowID, expected, events...); err != nil {
		return nil, err
	}

	out := snap.Clone()
	for i, ev := range events {
		ev.Sequence = expected + uint64(i) + 1 //nolint:gosec // i is a small batch index
		if err := state.Apply(out, ev); err != nil {
			// The batch is durable; a fold error here means a guard let
			// an invalid event through. Surface it loudly.
			return nil, fmt.Errorf("engine: fold appended event %s: %w", ev.Type, err)
		}
	}

	// The snapshot cache is disposable; a failed save only costs a
	// replay on the next load.
	if err := e.store.SaveSnapshot(ctx, out); err != nil {
		e.logger.Warn("snapshot save failed",
			slog.String("workflow_id", out.WorkflowID.String()),
			slog.String("error", err.Error()),
		)
	}

	for _, ev := range events {
		for _, pub := range e.publishers {
			pub(ctx, ev, out)
		}
	}

	e.maybeCheckpoint(ctx, out, expected)
	return out, nil
}

// maybeCheckpoint persists a cadence checkpoint when the batch crossed a
// CheckpointEvery boundary. Cadence checkpoints skip the log marker:
// they are a cache refresh, not a command.
func (e *Engine) maybeCheckpoint(ctx context.Context, snap *workflow.Snapshot, prevSeq uint64) {
	every := uint64(e.cfg.CheckpointEvery) //nolint:gosec // validated non-negative config
	if every == 0 || snap.LastAppliedSequence/every == prevSeq/every {
		return
	}
	cp, err := checkpoint.FromSnapshot(snap)
	if err == nil {
		err = e.store.SaveCheckpoint(ctx, cp)
	}
	if err != nil {
		e.logger.Warn("cadence checkpoint failed",
			slog.String("workflow_id", snap.WorkflowID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.Debug("checkpoint taken",
		slog.String("workflow_id", snap.WorkflowID.String()),
		slog.Uint64("sequence", cp.Sequence),
	)
}

// loadSnapshot returns the current derived snapshot, preferring the
// cache and folding any events the cache trails behind.
func (e *Engine) loadSnapshot(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, workflowID)
	if err != nil {
		if !errors.Is(err, loom.ErrWorkflowNotFound) {
			return nil, err
		}
		return e.rebuild(ctx, workflowID)
	}

	tail, err := e.store.ReadEvents(ctx, workflowID, snap.LastAppliedSequence+1)
	if err != nil {
		return nil, err
	}
	if len(tail) == 0 {
		return snap, nil
	}
	return state.ReplayFrom(snap, tail)
}

// rebuild reconstructs the snapshot from the latest checkpoint plus the
// log tail, or from sequence one when no checkpoint exists. Identical to
// what the cache would have held: folding is deterministic.
func (e *Engine) rebuild(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	cp, err := e.store.LatestCheckpoint(ctx, workflowID)
	switch {
	case err == nil:
		base, rerr := cp.Restore()
		if rerr != nil {
			return nil, rerr
		}
		tail, rerr := e.store.ReadEvents(ctx, workflowID, base.LastAppliedSequence+1)
		if rerr != nil {
			return nil, rerr
		}
		return state.ReplayFrom(base, tail)

	case errors.Is(err, loom.ErrCheckpointNotFound):
		events, rerr := e.store.ReadEvents(ctx, workflowID, 0)
		if rerr != nil {
			return nil, rerr
		}
		if len(events) == 0 {
			return nil, loom.ErrWorkflowNotFound
		}
		return state.Replay(events)

	default:
		return nil, err
	}
}

// Start launches the background sweeper that evaluates sync point
// timeouts. Safe to skip for purely request-driven use.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already started")
	}
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = loom.DefaultConfig().SweepInterval
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.sweepLoop(sctx, interval)

	e.logger.Info("engine started", slog.Duration("sweep_interval", interval))
	return nil
}

// Close stops the sweeper and waits for it to drain, bounded by the
// configured shutdown timeout.
func (e *Engine) Close(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()

	timeout := e.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = loom.DefaultConfig().ShutdownTimeout
	}
	select {
	case <-e.done:
		e.logger.Info("engine stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("engine: sweeper did not stop within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
