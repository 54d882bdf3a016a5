package workflow_test

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

func sampleSnapshot() *workflow.Snapshot {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &workflow.Snapshot{
		WorkflowID:   id.NewWorkflowID(),
		Name:         "etl",
		Definition:   validDef(),
		CurrentState: workflow.StateActive,
		StepStates: map[string]workflow.StepStatus{
			"extract":   workflow.StepCompleted,
			"transform": workflow.StepRunning,
			"load":      workflow.StepPending,
		},
		AssignedAgents: map[string]string{"transform": "agent-1"},
		SyncStates: map[string]*workflow.SyncState{
			"review": {
				Required: []string{"u1", "u2"},
				Arrived:  []string{"u1"},
				Deadline: &deadline,
			},
		},
		RetryCounts:         map[string]int{"transform": 1},
		LastAppliedSequence: 6,
		Version:             6,
	}
}

func TestSnapshotEncodeRoundTrip(t *testing.T) {
	snap := sampleSnapshot()

	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := workflow.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if !reflect.DeepEqual(snap, decoded) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, snap)
	}

	// Canonical form: re-encoding the decoded snapshot is byte-identical.
	again, err := decoded.Encode()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("encoding is not canonical")
	}
}

func TestSnapshotClone(t *testing.T) {
	snap := sampleSnapshot()
	cp := snap.Clone()

	cp.StepStates["extract"] = workflow.StepFailed
	cp.AssignedAgents["transform"] = "other"
	cp.SyncStates["review"].Arrived = append(cp.SyncStates["review"].Arrived, "u2")
	cp.RetryCounts["transform"] = 9
	cp.Definition.Steps[0].ID = "mutated"

	if snap.StepStates["extract"] != workflow.StepCompleted {
		t.Fatal("Clone shares StepStates")
	}
	if snap.AssignedAgents["transform"] != "agent-1" {
		t.Fatal("Clone shares AssignedAgents")
	}
	if len(snap.SyncStates["review"].Arrived) != 1 {
		t.Fatal("Clone shares SyncStates arrived set")
	}
	if snap.RetryCounts["transform"] != 1 {
		t.Fatal("Clone shares RetryCounts")
	}
	if snap.Definition.Steps[0].ID != "extract" {
		t.Fatal("Clone shares Definition")
	}
}

func TestSnapshotSettlement(t *testing.T) {
	snap := sampleSnapshot()
	if snap.AllStepsSettled() {
		t.Fatal("AllStepsSettled() = true with a running step")
	}

	snap.StepStates["transform"] = workflow.StepCompleted
	snap.StepStates["load"] = workflow.StepSkipped
	if !snap.AllStepsSettled() {
		t.Fatal("AllStepsSettled() = false with all steps settled")
	}

	snap.StepStates["load"] = workflow.StepFailed
	if snap.AllStepsSettled() {
		t.Fatal("AllStepsSettled() = true with a failed step")
	}
	if !snap.HasFailedStep() {
		t.Fatal("HasFailedStep() = false")
	}
	if got := snap.FailedSteps(); !reflect.DeepEqual(got, []string{"load"}) {
		t.Fatalf("FailedSteps() = %v, want [load]", got)
	}
}

func TestSnapshotAgentSteps(t *testing.T) {
	snap := sampleSnapshot()
	snap.AssignedAgents["load"] = "agent-1"

	if got := snap.AgentSteps("agent-1"); !reflect.DeepEqual(got, []string{"transform", "load"}) {
		t.Fatalf("AgentSteps(agent-1) = %v", got)
	}
	if got := snap.AgentSteps("stranger"); got != nil {
		t.Fatalf("AgentSteps(stranger) = %v, want none", got)
	}
}

func TestSyncStateCoverage(t *testing.T) {
	ss := &workflow.SyncState{Required: []string{"u1", "u2"}}

	if ss.Covered() {
		t.Fatal("Covered() = true with no arrivals")
	}
	ss.Arrived = []string{"u1"}
	if !ss.HasArrived("u1") || ss.HasArrived("u2") {
		t.Fatal("HasArrived wrong")
	}
	if ss.Covered() {
		t.Fatal("Covered() = true with one arrival")
	}
	ss.Arrived = []string{"u1", "u2"}
	if !ss.Covered() {
		t.Fatal("Covered() = false with all arrivals")
	}
}
