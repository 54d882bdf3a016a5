package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/sqlite"
	"github.com/loomworks/loom/workflow"
)

func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A fresh pooled connection would see a fresh empty :memory: database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := sqlite.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: "deploy",
		Steps: []workflow.StepDefinition{
			{ID: "build"},
			{ID: "release", DependsOn: []string{"build"}},
		},
	}
}

func TestAppendAndReadEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	seq, err := s.AppendEvents(ctx, wfID, 0,
		event.NewCreated(wfID, testDefinition()),
		event.NewStarted(wfID),
	)
	if err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}
	if seq != 2 {
		t.Fatalf("AppendEvents() seq = %d, want 2", seq)
	}

	events, err := s.ReadEvents(ctx, wfID, 0)
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ReadEvents() len = %d, want 2", len(events))
	}
	if events[0].Type != event.TypeCreated || events[0].Sequence != 1 {
		t.Errorf("events[0] = %s seq %d, want %s seq 1", events[0].Type, events[0].Sequence, event.TypeCreated)
	}
	if events[1].Type != event.TypeStarted || events[1].Sequence != 2 {
		t.Errorf("events[1] = %s seq %d, want %s seq 2", events[1].Type, events[1].Sequence, event.TypeStarted)
	}
}

func TestAppendEvents_StaleSequenceConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	if _, err := s.AppendEvents(ctx, wfID, 0, event.NewCreated(wfID, testDefinition())); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}

	if _, err := s.AppendEvents(ctx, wfID, 0, event.NewStarted(wfID)); !errors.Is(err, loom.ErrConflict) {
		t.Fatalf("AppendEvents(stale) error = %v, want ErrConflict", err)
	}

	tail, err := s.TailSequence(ctx, wfID)
	if err != nil {
		t.Fatalf("TailSequence() error = %v", err)
	}
	if tail != 1 {
		t.Fatalf("TailSequence() = %d, want 1", tail)
	}
}

func TestCompactEvents_TailSurvives(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	_, err := s.AppendEvents(ctx, wfID, 0,
		event.NewCreated(wfID, testDefinition()),
		event.NewStarted(wfID),
		event.NewStepAssigned(wfID, "build", "agent-1"),
	)
	if err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}

	removed, err := s.CompactEvents(ctx, wfID, 3)
	if err != nil {
		t.Fatalf("CompactEvents() error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("CompactEvents() removed = %d, want 3", removed)
	}

	tail, _ := s.TailSequence(ctx, wfID)
	if tail != 3 {
		t.Fatalf("TailSequence() after compaction = %d, want 3", tail)
	}

	// Appends continue from the preserved tail.
	seq, err := s.AppendEvents(ctx, wfID, 3, event.NewStepStarted(wfID, "build"))
	if err != nil {
		t.Fatalf("AppendEvents() after compaction error = %v", err)
	}
	if seq != 4 {
		t.Fatalf("AppendEvents() seq = %d, want 4", seq)
	}
}

func TestReadEvents_UnknownWorkflow(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.ReadEvents(context.Background(), id.NewWorkflowID(), 0)
	if !errors.Is(err, loom.ErrWorkflowNotFound) {
		t.Fatalf("ReadEvents() error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestSnapshotRoundTripAndFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	snap := &workflow.Snapshot{
		WorkflowID:          id.NewWorkflowID(),
		Name:                "deploy",
		Definition:          testDefinition(),
		CurrentState:        workflow.StateActive,
		StepStates:          map[string]workflow.StepStatus{"build": workflow.StepRunning, "release": workflow.StepPending},
		AssignedAgents:      map[string]string{"build": "agent-1"},
		LastAppliedSequence: 3,
		Version:             3,
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := s.GetSnapshot(ctx, snap.WorkflowID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if got.CurrentState != workflow.StateActive || got.LastAppliedSequence != 3 {
		t.Errorf("GetSnapshot() = %s seq %d, want %s seq 3", got.CurrentState, got.LastAppliedSequence, workflow.StateActive)
	}

	// Upsert replaces in place.
	snap.CurrentState = workflow.StateCompleted
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot(again) error = %v", err)
	}

	active, err := s.ListSnapshots(ctx, workflow.ListOpts{State: workflow.StateActive})
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("ListSnapshots(active) len = %d, want 0 after state change", len(active))
	}

	byAgent, err := s.ListSnapshots(ctx, workflow.ListOpts{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(byAgent) != 1 {
		t.Fatalf("ListSnapshots(agent-1) len = %d, want 1", len(byAgent))
	}
}

func TestCheckpointLatest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	snap := &workflow.Snapshot{
		WorkflowID:   wfID,
		Name:         "deploy",
		Definition:   testDefinition(),
		CurrentState: workflow.StateActive,
		StepStates:   map[string]workflow.StepStatus{"build": workflow.StepReady},
	}
	for _, seq := range []uint64{2, 6} {
		snap.LastAppliedSequence = seq
		cp, err := checkpoint.FromSnapshot(snap)
		if err != nil {
			t.Fatalf("FromSnapshot() error = %v", err)
		}
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
	}

	latest, err := s.LatestCheckpoint(ctx, wfID)
	if err != nil {
		t.Fatalf("LatestCheckpoint() error = %v", err)
	}
	if latest.Sequence != 6 {
		t.Fatalf("LatestCheckpoint().Sequence = %d, want 6", latest.Sequence)
	}

	restored, err := latest.Restore()
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.LastAppliedSequence != 6 {
		t.Errorf("Restore().LastAppliedSequence = %d, want 6", restored.LastAppliedSequence)
	}

	list, err := s.ListCheckpoints(ctx, wfID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(list) != 2 || list[0].Sequence != 2 || list[1].Sequence != 6 {
		t.Fatalf("ListCheckpoints() = %+v, want sequences [2 6]", list)
	}

	if _, err := s.LatestCheckpoint(ctx, id.NewWorkflowID()); !errors.Is(err, loom.ErrCheckpointNotFound) {
		t.Fatalf("LatestCheckpoint(unknown) error = %v, want ErrCheckpointNotFound", err)
	}
}
