// Package workflow defines workflow definitions, the dependency graph
// resolver, state enums, and derived state snapshots.
//
// A Definition is immutable once a workflow is created from it; the only
// sanctioned mutations (adding a dependency edge, registering a sync
// point) happen through events and are re-validated against the same
// rules as creation. Snapshots are disposable caches: they are always
// reconstructable by folding the event log (see the state package).
package workflow
