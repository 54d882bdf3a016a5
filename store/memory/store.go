package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ event.Store            = (*Store)(nil)
	_ workflow.SnapshotStore = (*Store)(nil)
	_ checkpoint.Store       = (*Store)(nil)
)

// wfLog is the per-workflow event log. Events are kept in sequence
// order; index i holds the event with Sequence == compactedThrough+i+1.
type wfLog struct {
	events           []*event.Event
	tail             uint64
	compactedThrough uint64
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	logs        map[string]*wfLog
	snapshots   map[string]*workflow.Snapshot
	checkpoints map[string][]*checkpoint.Checkpoint // ascending by Sequence
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		logs:        make(map[string]*wfLog),
		snapshots:   make(map[string]*workflow.Snapshot),
		checkpoints: make(map[string][]*checkpoint.Checkpoint),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// AppendEvents appends a batch to a workflow's log, assigning contiguous
// sequences starting at expectedSeq+1. A tail mismatch returns
// loom.ErrConflict and writes nothing.
func (m *Store) AppendEvents(_ context.Context, workflowID id.WorkflowID, expectedSeq uint64, events ...*event.Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workflowID.String()
	log, ok := m.logs[key]
	if !ok {
		log = &wfLog{}
		m.logs[key] = log
	}

	if log.tail != expectedSeq {
		return log.tail, loom.ErrConflict
	}

	seq := expectedSeq
	for _, e := range events {
		seq++
		// Copy so callers can't mutate the stored event afterwards.
		cp := *e
		cp.Sequence = seq
		log.events = append(log.events, &cp)
	}
	log.tail = seq
	return seq, nil
}

// ReadEvents returns events with Sequence >= fromSeq in sequence order.
func (m *Store) ReadEvents(_ context.Context, workflowID id.WorkflowID, fromSeq uint64) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.logs[workflowID.String()]
	if !ok {
		return nil, loom.ErrWorkflowNotFound
	}

	result := make([]*event.Event, 0, len(log.events))
	for _, e := range log.events {
		if e.Sequence < fromSeq {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// TailSequence returns the sequence of the last appended event, or 0.
func (m *Store) TailSequence(_ context.Context, workflowID id.WorkflowID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.logs[workflowID.String()]
	if !ok {
		return 0, nil
	}
	return log.tail, nil
}

// CompactEvents drops events with Sequence <= throughSeq.
func (m *Store) CompactEvents(_ context.Context, workflowID id.WorkflowID, throughSeq uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[workflowID.String()]
	if !ok {
		return 0, loom.ErrWorkflowNotFound
	}

	var removed int64
	kept := log.events[:0]
	for _, e := range log.events {
		if e.Sequence <= throughSeq {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	log.events = kept
	if throughSeq > log.compactedThrough {
		log.compactedThrough = throughSeq
	}
	return removed, nil
}

// ──────────────────────────────────────────────────
// Snapshot Store
// ──────────────────────────────────────────────────

// SaveSnapshot stores a deep copy of the snapshot, replacing any
// previous one for the workflow.
func (m *Store) SaveSnapshot(_ context.Context, snap *workflow.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[snap.WorkflowID.String()] = snap.Clone()
	return nil
}

// GetSnapshot returns a copy of the cached snapshot.
func (m *Store) GetSnapshot(_ context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[workflowID.String()]
	if !ok {
		return nil, loom.ErrWorkflowNotFound
	}
	return snap.Clone(), nil
}

// ListSnapshots returns cached snapshots matching the options, ordered
// by workflow ID (TypeIDs are K-sortable, so this is creation order).
func (m *Store) ListSnapshots(_ context.Context, opts workflow.ListOpts) ([]*workflow.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		if opts.State != "" && snap.CurrentState != opts.State {
			continue
		}
		if opts.AgentID != "" && !assignedTo(snap, opts.AgentID) {
			continue
		}
		result = append(result, snap.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].WorkflowID.String() < result[k].WorkflowID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

func assignedTo(snap *workflow.Snapshot, agentID string) bool {
	for _, a := range snap.AssignedAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────
// Checkpoint Store
// ──────────────────────────────────────────────────

// SaveCheckpoint persists a checkpoint, keeping the per-workflow list
// in ascending sequence order. Same workflow and sequence replaces.
func (m *Store) SaveCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cp.WorkflowID.String()
	copied := *cp
	copied.Snapshot = append([]byte(nil), cp.Snapshot...)

	list := m.checkpoints[key]
	for i, existing := range list {
		if existing.Sequence == copied.Sequence {
			list[i] = &copied
			return nil
		}
	}
	list = append(list, &copied)
	sort.Slice(list, func(i, k int) bool {
		return list[i].Sequence < list[k].Sequence
	})
	m.checkpoints[key] = list
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a workflow.
func (m *Store) LatestCheckpoint(_ context.Context, workflowID id.WorkflowID) (*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.checkpoints[workflowID.String()]
	if len(list) == 0 {
		return nil, loom.ErrCheckpointNotFound
	}
	cp := *list[len(list)-1]
	cp.Snapshot = append([]byte(nil), cp.Snapshot...)
	return &cp, nil
}

// ListCheckpoints returns all checkpoints for a workflow in ascending
// sequence order.
func (m *Store) ListCheckpoints(_ context.Context, workflowID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.checkpoints[workflowID.String()]
	result := make([]*checkpoint.Checkpoint, 0, len(list))
	for _, cp := range list {
		copied := *cp
		copied.Snapshot = append([]byte(nil), cp.Snapshot...)
		result = append(result, &copied)
	}
	return result, nil
}
