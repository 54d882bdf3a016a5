package syncpoint_test

import (
	"errors"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/state"
	"github.com/loomworks/loom/syncpoint"
	"github.com/loomworks/loom/workflow"
)

// gatedSnapshot returns an active workflow whose only step is gated by a
// two-agent sync point with a one-minute timeout.
func gatedSnapshot(t *testing.T) *workflow.Snapshot {
	t.Helper()

	def := &workflow.Definition{
		Name:  "rendezvous",
		Steps: []workflow.StepDefinition{{ID: "step-c"}},
		SyncPoints: []workflow.SyncPointDefinition{
			{ID: "gate", StepID: "step-c", RequiredAgents: []string{"u1", "u2"}, Timeout: time.Minute},
		},
	}
	wfID := id.NewWorkflowID()

	created := event.NewCreated(wfID, def)
	created.Sequence = 1
	started := event.NewStarted(wfID)
	started.Sequence = 2

	snap, err := state.Replay([]*event.Event{created, started})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return snap
}

// fold applies the arrival's events to the snapshot, mimicking the
// engine's append-then-fold commit.
func fold(t *testing.T, snap *workflow.Snapshot, events []*event.Event) {
	t.Helper()
	for _, e := range events {
		e.Sequence = snap.LastAppliedSequence + 1
		if err := state.Apply(snap, e); err != nil {
			t.Fatalf("Apply %s: %v", e.Type, err)
		}
	}
}

func TestArrive_FirstAgentHolds(t *testing.T) {
	snap := gatedSnapshot(t)

	arr, err := syncpoint.Arrive(snap, "gate", "u1", time.Now().UTC())
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if !arr.Accepted || arr.Released || arr.TimedOut {
		t.Fatalf("arrival = %+v, want accepted only", arr)
	}
	if len(arr.Events) != 1 || arr.Events[0].Type != event.TypeSyncArrived {
		t.Fatalf("events = %v, want one sync_arrived", arr.Events)
	}
	if len(arr.Arrived) != 1 || arr.Arrived[0] != "u1" {
		t.Fatalf("Arrived = %v, want [u1]", arr.Arrived)
	}
}

func TestArrive_LastAgentReleases(t *testing.T) {
	snap := gatedSnapshot(t)
	now := time.Now().UTC()

	arr, err := syncpoint.Arrive(snap, "gate", "u1", now)
	if err != nil {
		t.Fatalf("Arrive u1: %v", err)
	}
	fold(t, snap, arr.Events)

	arr, err = syncpoint.Arrive(snap, "gate", "u2", now)
	if err != nil {
		t.Fatalf("Arrive u2: %v", err)
	}
	if !arr.Accepted || !arr.Released {
		t.Fatalf("arrival = %+v, want accepted and released", arr)
	}
	// Arrival and release land in one atomic batch.
	if len(arr.Events) != 2 ||
		arr.Events[0].Type != event.TypeSyncArrived ||
		arr.Events[1].Type != event.TypeSyncReleased {
		t.Fatalf("events = %v, want [sync_arrived sync_released]", arr.Events)
	}

	fold(t, snap, arr.Events)
	if snap.StepStates["step-c"] != workflow.StepRunning {
		t.Fatalf("gated step = %s, want %s", snap.StepStates["step-c"], workflow.StepRunning)
	}
}

func TestArrive_Idempotence(t *testing.T) {
	snap := gatedSnapshot(t)
	now := time.Now().UTC()

	arr, err := syncpoint.Arrive(snap, "gate", "u1", now)
	if err != nil {
		t.Fatalf("Arrive u1: %v", err)
	}
	fold(t, snap, arr.Events)

	// Repeat arrival by the same agent.
	arr, err = syncpoint.Arrive(snap, "gate", "u1", now)
	if err != nil {
		t.Fatalf("repeat Arrive: %v", err)
	}
	if arr.Accepted || len(arr.Events) != 0 {
		t.Fatalf("repeat arrival = %+v, want no-op", arr)
	}

	// Arrival by an agent that is not on the required list.
	arr, err = syncpoint.Arrive(snap, "gate", "intruder", now)
	if err != nil {
		t.Fatalf("intruder Arrive: %v", err)
	}
	if arr.Accepted || len(arr.Events) != 0 {
		t.Fatalf("intruder arrival = %+v, want no-op", arr)
	}
	if len(arr.Arrived) != 1 {
		t.Fatalf("Arrived = %v, want [u1]", arr.Arrived)
	}
}

func TestArrive_AfterReleaseIsNoop(t *testing.T) {
	snap := gatedSnapshot(t)
	now := time.Now().UTC()

	for _, agent := range []string{"u1", "u2"} {
		arr, err := syncpoint.Arrive(snap, "gate", agent, now)
		if err != nil {
			t.Fatalf("Arrive %s: %v", agent, err)
		}
		fold(t, snap, arr.Events)
	}

	arr, err := syncpoint.Arrive(snap, "gate", "u1", now)
	if err != nil {
		t.Fatalf("late Arrive: %v", err)
	}
	if arr.Accepted || !arr.Released || len(arr.Events) != 0 {
		t.Fatalf("late arrival = %+v, want released no-op", arr)
	}
}

func TestArrive_Rejections(t *testing.T) {
	snap := gatedSnapshot(t)
	now := time.Now().UTC()

	if _, err := syncpoint.Arrive(snap, "ghost", "u1", now); !errors.Is(err, loom.ErrSyncPointNotFound) {
		t.Fatalf("unknown sync: %v, want ErrSyncPointNotFound", err)
	}

	snap.CurrentState = workflow.StatePaused
	if _, err := syncpoint.Arrive(snap, "gate", "u1", now); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("paused workflow: %v, want ErrIllegalTransition", err)
	}

	// A gated step with unsatisfied dependencies cannot accept arrivals.
	snap.CurrentState = workflow.StateActive
	snap.StepStates["step-c"] = workflow.StepPending
	if _, err := syncpoint.Arrive(snap, "gate", "u1", now); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Fatalf("blocked step: %v, want ErrIllegalTransition", err)
	}
}

func TestArrive_LazyTimeout(t *testing.T) {
	snap := gatedSnapshot(t)

	// First arrival long ago arms the one-minute deadline.
	old := time.Now().UTC().Add(-time.Hour)
	arrive := event.NewSyncArrived(snap.WorkflowID, "gate", "u1")
	arrive.Timestamp = old
	fold(t, snap, []*event.Event{arrive})

	arr, err := syncpoint.Arrive(snap, "gate", "u2", time.Now().UTC())
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if arr.Accepted || !arr.TimedOut {
		t.Fatalf("arrival = %+v, want timed out", arr)
	}
	if len(arr.Events) != 1 || arr.Events[0].Type != event.TypeStepFailed {
		t.Fatalf("events = %v, want one step_failed", arr.Events)
	}

	fold(t, snap, arr.Events)
	if snap.CurrentState != workflow.StateFailed {
		t.Fatalf("CurrentState = %s, want %s", snap.CurrentState, workflow.StateFailed)
	}
	if !snap.SyncStates["gate"].TimedOut {
		t.Fatal("sync state not marked timed out")
	}
}

func TestSweep(t *testing.T) {
	now := time.Now().UTC()

	t.Run("no deadline armed", func(t *testing.T) {
		snap := gatedSnapshot(t)
		if evs := syncpoint.Sweep(snap, now); evs != nil {
			t.Fatalf("Sweep = %v, want none", evs)
		}
	})

	t.Run("elapsed deadline produces step failure", func(t *testing.T) {
		snap := gatedSnapshot(t)
		arrive := event.NewSyncArrived(snap.WorkflowID, "gate", "u1")
		arrive.Timestamp = now.Add(-time.Hour)
		fold(t, snap, []*event.Event{arrive})

		evs := syncpoint.Sweep(snap, now)
		if len(evs) != 1 || evs[0].Type != event.TypeStepFailed {
			t.Fatalf("Sweep = %v, want one step_failed", evs)
		}
	})

	t.Run("deadline in the future", func(t *testing.T) {
		snap := gatedSnapshot(t)
		arrive := event.NewSyncArrived(snap.WorkflowID, "gate", "u1")
		fold(t, snap, []*event.Event{arrive})

		if evs := syncpoint.Sweep(snap, now); evs != nil {
			t.Fatalf("Sweep = %v, want none", evs)
		}
	})

	t.Run("released sync is skipped", func(t *testing.T) {
		snap := gatedSnapshot(t)
		arrive := event.NewSyncArrived(snap.WorkflowID, "gate", "u1")
		arrive.Timestamp = now.Add(-time.Hour)
		fold(t, snap, []*event.Event{arrive})
		snap.SyncStates["gate"].Released = true

		if evs := syncpoint.Sweep(snap, now); evs != nil {
			t.Fatalf("Sweep = %v, want none", evs)
		}
	})

	t.Run("inactive workflow is skipped", func(t *testing.T) {
		snap := gatedSnapshot(t)
		arrive := event.NewSyncArrived(snap.WorkflowID, "gate", "u1")
		arrive.Timestamp = now.Add(-time.Hour)
		fold(t, snap, []*event.Event{arrive})
		snap.CurrentState = workflow.StatePaused

		if evs := syncpoint.Sweep(snap, now); evs != nil {
			t.Fatalf("Sweep = %v, want none", evs)
		}
	})
}
