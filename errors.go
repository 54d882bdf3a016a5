package loom

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("loom: no store configured")
	ErrStoreClosed = errors.New("loom: store closed")

	// Not found errors.
	ErrWorkflowNotFound   = errors.New("loom: workflow not found")
	ErrStepNotFound       = errors.New("loom: step not found")
	ErrSyncPointNotFound  = errors.New("loom: sync point not found")
	ErrCheckpointNotFound = errors.New("loom: checkpoint not found")

	// ErrValidation rejects a malformed or cyclic workflow definition
	// before any event is written.
	ErrValidation = errors.New("loom: invalid workflow definition")

	// ErrIllegalTransition rejects a command that is not valid for the
	// current derived state. No event is written.
	ErrIllegalTransition = errors.New("loom: illegal state transition")

	// ErrConflict signals an optimistic-concurrency loss on append.
	// The caller must re-read the snapshot and retry.
	ErrConflict = errors.New("loom: sequence conflict")

	// ErrRecoveryExhausted signals that no recovery strategy could return
	// the workflow to ACTIVE. The workflow remains FAILED.
	ErrRecoveryExhausted = errors.New("loom: recovery exhausted")
)
