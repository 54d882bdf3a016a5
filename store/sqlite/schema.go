package sqlite

// schema holds the idempotent DDL for the loom tables. SQLite has no
// migration orchestrator here; the tables are small enough that
// CREATE IF NOT EXISTS covers every upgrade so far.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS loom_events (
		workflow_id  TEXT    NOT NULL,
		sequence     INTEGER NOT NULL,
		id           TEXT    NOT NULL,
		type         TEXT    NOT NULL,
		payload      BLOB,
		timestamp    TEXT    NOT NULL,
		PRIMARY KEY (workflow_id, sequence)
	)`,

	// The tail survives compaction, so MAX(sequence) over loom_events
	// is not authoritative and the tail is tracked separately.
	`CREATE TABLE IF NOT EXISTS loom_event_tails (
		workflow_id  TEXT PRIMARY KEY,
		tail         INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS loom_snapshots (
		workflow_id  TEXT PRIMARY KEY,
		state        TEXT NOT NULL,
		agents       TEXT NOT NULL DEFAULT '',
		snapshot     BLOB NOT NULL,
		updated_at   TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_loom_snapshots_state
		ON loom_snapshots (state)`,

	`CREATE TABLE IF NOT EXISTS loom_checkpoints (
		workflow_id  TEXT    NOT NULL,
		sequence     INTEGER NOT NULL,
		id           TEXT    NOT NULL,
		snapshot     BLOB    NOT NULL,
		created_at   TEXT    NOT NULL,
		PRIMARY KEY (workflow_id, sequence)
	)`,
}
