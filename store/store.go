// Package store defines the aggregate persistence interface. Each subsystem
// (event, workflow, checkpoint) defines its own store interface and the
// composite Store composes them all. Backends: Memory, SQLite, Postgres,
// Redis, and Mongo.
package store

import (
	"context"

	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// Store is the aggregate persistence interface. A single backend implements
// the event log, the snapshot registry, and the checkpoint archive so that
// appends and snapshot saves observe the same storage.
type Store interface {
	event.Store
	workflow.SnapshotStore
	checkpoint.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
