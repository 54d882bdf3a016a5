package event

import (
	"context"

	"github.com/loomworks/loom/id"
)

// Store is the persistence contract for the append-only event log.
//
// Appends are serialized per workflow by optimistic concurrency: callers
// pass the sequence they derived their snapshot from, and the store
// rejects the batch with loom.ErrConflict when the log has moved on. This
// is the sole mutual-exclusion mechanism — there is no global lock, and
// different workflows proceed fully in parallel.
type Store interface {
	// AppendEvents durably appends a batch to a workflow's log and
	// returns the sequence of the last event written. The batch is
	// all-or-nothing. Sequences are assigned contiguously starting at
	// expectedSeq+1; a tail mismatch returns loom.ErrConflict and
	// writes nothing. Once AppendEvents returns, the events are
	// permanently visible to every future read.
	AppendEvents(ctx context.Context, workflowID id.WorkflowID, expectedSeq uint64, events ...*Event) (uint64, error)

	// ReadEvents returns the workflow's events with Sequence >= fromSeq
	// in sequence order. A fromSeq of 0 or 1 reads from the start of
	// the retained log. Returns loom.ErrWorkflowNotFound for an unknown
	// workflow.
	ReadEvents(ctx context.Context, workflowID id.WorkflowID, fromSeq uint64) ([]*Event, error)

	// TailSequence returns the sequence of the last event in the
	// workflow's log, or 0 when the log is empty or unknown.
	TailSequence(ctx context.Context, workflowID id.WorkflowID) (uint64, error)

	// CompactEvents removes events with Sequence <= throughSeq and
	// returns how many were removed. Callers must only compact up to a
	// persisted checkpoint; the store does not verify that.
	CompactEvents(ctx context.Context, workflowID id.WorkflowID, throughSeq uint64) (int64, error)
}
