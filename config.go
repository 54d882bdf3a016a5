package loom

import "time"

// Config holds tunables for the workflow engine.
type Config struct {
	// CheckpointEvery is the number of applied events between automatic
	// checkpoints. Zero disables cadence checkpoints (explicit requests
	// still work).
	CheckpointEvery int

	// SweepInterval is how often the background sweeper evaluates sync
	// point timeouts and cadence checkpoints.
	SweepInterval time.Duration

	// RecoveryMaxAttempts bounds per-step recovery retries for
	// step-execution failures. Definitions may override it.
	RecoveryMaxAttempts int

	// DefaultSyncTimeout applies to sync points registered without an
	// explicit timeout. Zero means no timeout.
	DefaultSyncTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointEvery:     32,
		SweepInterval:       1 * time.Second,
		RecoveryMaxAttempts: 3,
		DefaultSyncTimeout:  0,
		ShutdownTimeout:     30 * time.Second,
	}
}
