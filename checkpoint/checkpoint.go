// Package checkpoint persists point-in-time snapshots keyed by event
// sequence. Checkpoints are a performance optimization, never a
// correctness requirement: deleting every checkpoint changes recovery
// cost, not observable behavior, because replay from sequence zero
// yields the identical snapshot.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Checkpoint is a serialized snapshot at a given sequence. Events at or
// below Sequence may be compacted once the checkpoint is durable.
type Checkpoint struct {
	ID         id.CheckpointID `json:"id"`
	WorkflowID id.WorkflowID   `json:"workflow_id"`
	Sequence   uint64          `json:"sequence"`
	Snapshot   []byte          `json:"snapshot"`
	CreatedAt  time.Time       `json:"created_at"`
}

// FromSnapshot serializes a derived snapshot into a checkpoint.
func FromSnapshot(snap *workflow.Snapshot) (*Checkpoint, error) {
	data, err := snap.Encode()
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ID:         id.NewCheckpointID(),
		WorkflowID: snap.WorkflowID,
		Sequence:   snap.LastAppliedSequence,
		Snapshot:   data,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Restore deserializes the checkpointed snapshot.
func (c *Checkpoint) Restore() (*workflow.Snapshot, error) {
	snap, err := workflow.DecodeSnapshot(c.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", c.ID, err)
	}
	return snap, nil
}

// Store is the persistence contract for checkpoints.
type Store interface {
	// SaveCheckpoint persists a checkpoint. Saving the same workflow
	// and sequence twice replaces the earlier copy.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the highest-sequence checkpoint for a
	// workflow, or loom.ErrCheckpointNotFound when none exists.
	LatestCheckpoint(ctx context.Context, workflowID id.WorkflowID) (*Checkpoint, error)

	// ListCheckpoints returns all checkpoints for a workflow in
	// ascending sequence order.
	ListCheckpoints(ctx context.Context, workflowID id.WorkflowID) ([]*Checkpoint, error)
}
