package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(memory.New(), loom.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func startedPipeline(t *testing.T, eng *engine.Engine) id.WorkflowID {
	t.Helper()
	ctx := context.Background()
	snap, err := eng.CreateWorkflow(ctx, &workflow.Definition{
		Name: "pipeline",
		Steps: []workflow.StepDefinition{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if _, err := eng.StartWorkflow(ctx, snap.WorkflowID); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	return snap.WorkflowID
}

func waitForState(t *testing.T, eng *engine.Engine, wfID id.WorkflowID, want workflow.State) *workflow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := eng.GetWorkflow(context.Background(), wfID)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if snap.CurrentState == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	last := workflow.State("unknown")
	if snap, err := eng.GetWorkflow(context.Background(), wfID); err == nil {
		last = snap.CurrentState
	}
	t.Fatalf("workflow never reached %q, last state %q", want, last)
	return nil
}

func TestPoolRunsPipelineToCompletion(t *testing.T) {
	eng := newTestEngine(t)
	wfID := startedPipeline(t, eng)

	pool := NewPool(eng, testLogger(),
		WithConcurrency(2),
		WithPollInterval(10*time.Millisecond),
		WithFallbackHandler(func(_ context.Context, _ id.WorkflowID, step workflow.StepDefinition) (json.RawMessage, error) {
			return json.RawMessage(`{"step":"` + step.ID + `"}`), nil
		}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	snap := waitForState(t, eng, wfID, workflow.StateCompleted)
	for _, stepID := range []string{"A", "B"} {
		if snap.StepStates[stepID] != workflow.StepCompleted {
			t.Errorf("step %s = %q, want COMPLETED", stepID, snap.StepStates[stepID])
		}
	}
	// Dependency order: B may not run before A, so its assigning agent
	// recorded in the snapshot must exist.
	if snap.AssignedAgents["B"] == "" {
		t.Error("step B has no assigned agent")
	}
}

func TestPoolHandlerFailureFailsWorkflow(t *testing.T) {
	eng := newTestEngine(t)
	wfID := startedPipeline(t, eng)

	pool := NewPool(eng, testLogger(),
		WithPollInterval(10*time.Millisecond),
		WithHandler("A", func(_ context.Context, _ id.WorkflowID, _ workflow.StepDefinition) (json.RawMessage, error) {
			return nil, errors.New("disk full")
		}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	snap := waitForState(t, eng, wfID, workflow.StateFailed)
	if snap.StepStates["A"] != workflow.StepFailed {
		t.Errorf("step A = %q, want FAILED", snap.StepStates["A"])
	}
	if snap.StepStates["B"] != workflow.StepPending {
		t.Errorf("step B = %q, want PENDING", snap.StepStates["B"])
	}
}

func TestPoolDoubleStartRejected(t *testing.T) {
	eng := newTestEngine(t)
	pool := NewPool(eng, testLogger())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestExecutorLosesClaimToAssignedStep(t *testing.T) {
	eng := newTestEngine(t)
	wfID := startedPipeline(t, eng)
	ctx := context.Background()

	// Another agent already holds the step.
	if _, err := eng.AssignStep(ctx, wfID, "A", "remote-1"); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}

	ex := NewExecutor(eng, nil, func(_ context.Context, _ id.WorkflowID, _ workflow.StepDefinition) (json.RawMessage, error) {
		t.Fatal("handler ran for a lost claim")
		return nil, nil
	}, backoff.NewConstant(time.Millisecond), testLogger())

	worked, err := ex.Execute(ctx, wfID, workflow.StepDefinition{ID: "A"}, "local-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if worked {
		t.Fatal("Execute reported work on a lost claim")
	}

	snap, err := eng.GetWorkflow(ctx, wfID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got := snap.AssignedAgents["A"]; got != "remote-1" {
		t.Errorf("step A assigned to %q, want remote-1", got)
	}
}

func TestExecutorSkipsStepWithoutHandler(t *testing.T) {
	eng := newTestEngine(t)
	wfID := startedPipeline(t, eng)

	ex := NewExecutor(eng, map[string]Handler{}, nil, nil, testLogger())
	worked, err := ex.Execute(context.Background(), wfID, workflow.StepDefinition{ID: "A"}, "local-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if worked {
		t.Fatal("Execute claimed a step it has no handler for")
	}
}
