package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// ── Event model ───────────────────────────────────────────────────

type eventModel struct {
	WorkflowID string    `bson:"workflow_id"`
	Sequence   uint64    `bson:"sequence"`
	EventID    string    `bson:"event_id"`
	Type       string    `bson:"type"`
	Payload    []byte    `bson:"payload,omitempty"`
	Timestamp  time.Time `bson:"timestamp"`
}

func toEventModel(e *event.Event) *eventModel {
	return &eventModel{
		WorkflowID: e.WorkflowID.String(),
		Sequence:   e.Sequence,
		EventID:    e.ID.String(),
		Type:       string(e.Type),
		Payload:    []byte(e.Payload),
		Timestamp:  e.Timestamp.UTC(),
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	eventID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: event id: %w", err)
	}
	workflowID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: workflow id: %w", err)
	}
	return &event.Event{
		ID:         eventID,
		WorkflowID: workflowID,
		Sequence:   m.Sequence,
		Type:       event.Type(m.Type),
		Payload:    json.RawMessage(m.Payload),
		Timestamp:  m.Timestamp,
	}, nil
}

// ── Tail model ────────────────────────────────────────────────────

type tailModel struct {
	WorkflowID string `bson:"_id"`
	Tail       uint64 `bson:"tail"`
}

// ── Snapshot model ────────────────────────────────────────────────

// snapshotModel wraps the canonical snapshot encoding with the columns
// list queries filter on.
type snapshotModel struct {
	WorkflowID string    `bson:"_id"`
	State      string    `bson:"state"`
	Agents     []string  `bson:"agents"`
	Snapshot   []byte    `bson:"snapshot"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func toSnapshotModel(snap *workflow.Snapshot) (*snapshotModel, error) {
	data, err := snap.Encode()
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: encode snapshot: %w", err)
	}

	seen := make(map[string]struct{}, len(snap.AssignedAgents))
	agents := make([]string, 0, len(snap.AssignedAgents))
	for _, a := range snap.AssignedAgents {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		agents = append(agents, a)
	}

	return &snapshotModel{
		WorkflowID: snap.WorkflowID.String(),
		State:      string(snap.CurrentState),
		Agents:     agents,
		Snapshot:   data,
		UpdatedAt:  now(),
	}, nil
}

func fromSnapshotModel(m *snapshotModel) (*workflow.Snapshot, error) {
	snap, err := workflow.DecodeSnapshot(m.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: decode snapshot: %w", err)
	}
	return snap, nil
}

// ── Checkpoint model ──────────────────────────────────────────────

type checkpointModel struct {
	WorkflowID   string    `bson:"workflow_id"`
	Sequence     uint64    `bson:"sequence"`
	CheckpointID string    `bson:"checkpoint_id"`
	Snapshot     []byte    `bson:"snapshot"`
	CreatedAt    time.Time `bson:"created_at"`
}

func toCheckpointModel(cp *checkpoint.Checkpoint) *checkpointModel {
	return &checkpointModel{
		WorkflowID:   cp.WorkflowID.String(),
		Sequence:     cp.Sequence,
		CheckpointID: cp.ID.String(),
		Snapshot:     cp.Snapshot,
		CreatedAt:    cp.CreatedAt.UTC(),
	}
}

func fromCheckpointModel(m *checkpointModel) (*checkpoint.Checkpoint, error) {
	cpID, err := id.ParseCheckpointID(m.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: checkpoint id: %w", err)
	}
	workflowID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: workflow id: %w", err)
	}
	return &checkpoint.Checkpoint{
		ID:         cpID,
		WorkflowID: workflowID,
		Sequence:   m.Sequence,
		Snapshot:   m.Snapshot,
		CreatedAt:  m.CreatedAt,
	}, nil
}
