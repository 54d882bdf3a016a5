package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/workflow"
)

// Pool manages a set of local agent goroutines. Each agent polls for
// READY steps on active workflows and claims them through the engine;
// two agents racing for the same step resolve on the store's optimistic
// append, so the pool needs no claim lock of its own.
type Pool struct {
	eng      *engine.Engine
	executor *Executor

	handlers map[string]Handler
	fallback Handler

	concurrency  int
	pollInterval time.Duration
	agentPrefix  string
	bo           backoff.Strategy
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of local agents. Default 1.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often an idle agent re-polls. Default 250ms.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithAgentPrefix sets the agent ID prefix; agents are named
// "<prefix>-1" through "<prefix>-N". Default "local".
func WithAgentPrefix(prefix string) PoolOption {
	return func(p *Pool) { p.agentPrefix = prefix }
}

// WithHandler registers a handler for a specific step ID. A step with
// no handler is left for other agents.
func WithHandler(stepID string, h Handler) PoolOption {
	return func(p *Pool) { p.handlers[stepID] = h }
}

// WithFallbackHandler registers a handler for every step without a
// specific one.
func WithFallbackHandler(h Handler) PoolOption {
	return func(p *Pool) { p.fallback = h }
}

// WithPoolBackoff sets the backoff strategy for result-append retries.
func WithPoolBackoff(bo backoff.Strategy) PoolOption {
	return func(p *Pool) { p.bo = bo }
}

// NewPool creates a Pool around an engine.
func NewPool(eng *engine.Engine, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		eng:          eng,
		handlers:     make(map[string]Handler),
		concurrency:  1,
		pollInterval: 250 * time.Millisecond,
		agentPrefix:  "local",
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.executor = NewExecutor(eng, p.handlers, p.fallback, p.bo, logger)
	return p
}

// Start launches the agent goroutines.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker: pool already started")
	}
	p.running = true
	p.stopCh = make(chan struct{})

	for i := 1; i <= p.concurrency; i++ {
		agentID := fmt.Sprintf("%s-%d", p.agentPrefix, i)
		p.wg.Add(1)
		go p.run(ctx, agentID)
	}

	p.logger.Info("worker pool started",
		slog.Int("concurrency", p.concurrency),
		slog.String("agent_prefix", p.agentPrefix),
	)
	return nil
}

// Stop signals all agents and waits for in-flight steps to settle.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// run is one agent's loop: poll, claim, execute, repeat. After working
// a step the agent re-polls immediately; only an idle poll sleeps.
func (p *Pool) run(ctx context.Context, agentID string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		worked, err := p.pollOnce(ctx, agentID)
		if err != nil {
			p.logger.Warn("poll failed",
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()),
			)
		}
		if worked {
			continue
		}

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// pollOnce scans active workflows for one claimable step and executes
// it. Sync-gated steps are skipped: their release is the rendezvous,
// not an assignment.
func (p *Pool) pollOnce(ctx context.Context, agentID string) (bool, error) {
	snaps, err := p.eng.ListWorkflows(ctx, workflow.ListOpts{State: workflow.StateActive})
	if err != nil {
		return false, err
	}

	for _, snap := range snaps {
		for _, stepID := range readyStepIDs(snap) {
			if snap.Definition.SyncPointForStep(stepID) != nil {
				continue
			}
			step := snap.Definition.Step(stepID)
			if step == nil {
				continue
			}
			worked, err := p.executor.Execute(ctx, snap.WorkflowID, *step, agentID)
			if err != nil {
				return false, err
			}
			if worked {
				return true, nil
			}
		}
	}
	return false, nil
}

// readyStepIDs returns the snapshot's READY steps in sorted order so
// agents scan deterministically.
func readyStepIDs(snap *workflow.Snapshot) []string {
	var ids []string
	for stepID, st := range snap.StepStates {
		if st == workflow.StepReady {
			ids = append(ids, stepID)
		}
	}
	sort.Strings(ids)
	return ids
}
