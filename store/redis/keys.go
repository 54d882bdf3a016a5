package redis

// Redis key naming conventions for loom data.
// All keys are prefixed with "loom:" to avoid collisions.

const keyPrefix = "loom:"

// eventsKey returns the Sorted Set key holding a workflow's event log,
// scored by sequence: loom:events:{workflowID}
func eventsKey(workflowID string) string { return keyPrefix + "events:" + workflowID }

// tailKey returns the key holding a workflow's last assigned sequence:
// loom:tail:{workflowID}
func tailKey(workflowID string) string { return keyPrefix + "tail:" + workflowID }

// snapshotKey returns the key for a workflow's cached snapshot:
// loom:snapshot:{workflowID}
func snapshotKey(workflowID string) string { return keyPrefix + "snapshot:" + workflowID }

// checkpointsKey returns the Sorted Set key holding a workflow's
// checkpoints, scored by sequence: loom:checkpoints:{workflowID}
func checkpointsKey(workflowID string) string { return keyPrefix + "checkpoints:" + workflowID }

// workflowIDsKey is the Set tracking all workflow IDs for enumeration.
const workflowIDsKey = keyPrefix + "workflow_ids"
