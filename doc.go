// Package loom provides an event-sourced state service for multi-step,
// multi-agent workflows. State is never mutated directly: every change is
// an immutable event appended to a per-workflow ordered log, and snapshots
// are derived by folding that log.
//
// Loom is designed as a library with a thin service shell. Import it,
// configure a store, and drive workflows through the engine:
//
//	eng, err := engine.New(memory.New(), loom.DefaultConfig(), logger)
//	snap, err := eng.CreateWorkflow(ctx, def)
//
// # Architecture
//
// Each subsystem (event log, snapshot cache, checkpoints) defines its own
// store interface; a single backend (memory, sqlite, postgres, redis,
// mongo) implements all of them. Per-workflow writes are serialized by
// optimistic concurrency on the event log — there is no global lock, and
// conflicting writers receive ErrConflict to retry against a fresh
// snapshot.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package loom
