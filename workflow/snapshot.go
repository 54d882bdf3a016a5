package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/id"
)

// SyncState is the runtime state of one sync point. Required and Arrived
// are kept sorted so snapshot encoding is canonical.
type SyncState struct {
	// Required is the set of agent IDs that must arrive.
	Required []string `json:"required"`

	// Arrived grows monotonically until release or timeout. A set, never
	// a counter: repeated arrivals do not double-count.
	Arrived []string `json:"arrived,omitempty"`

	// Released is set once Arrived covers Required.
	Released bool `json:"released,omitempty"`

	// TimedOut is set when the rendezvous deadline elapsed before
	// release. Late arrivals against a timed-out sync are no-ops.
	TimedOut bool `json:"timed_out,omitempty"`

	// Deadline is first arrival time plus the sync timeout. Nil until
	// the first arrival, or when the sync point has no timeout.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// HasArrived reports whether the agent is already in the arrived set.
func (s *SyncState) HasArrived(agentID string) bool {
	for _, a := range s.Arrived {
		if a == agentID {
			return true
		}
	}
	return false
}

// Covered reports whether every required agent has arrived.
func (s *SyncState) Covered() bool {
	for _, r := range s.Required {
		if !s.HasArrived(r) {
			return false
		}
	}
	return true
}

// Snapshot is the derived state of a workflow at a given event sequence.
// It is never hand-mutated: the state package folds events into it. Two
// snapshots for the same workflow and sequence encode identically.
type Snapshot struct {
	WorkflowID id.WorkflowID `json:"workflow_id"`
	Name       string        `json:"name"`

	// Definition is the immutable definition the workflow was created
	// from, plus any dependency edges and sync points added by events.
	Definition *Definition `json:"definition"`

	CurrentState State `json:"current_state"`

	// StepStates maps step ID to its persisted status. READY entries are
	// derived, recomputed after every fold, and never stored as events.
	StepStates map[string]StepStatus `json:"step_states"`

	// AssignedAgents maps step ID to the agent working it.
	AssignedAgents map[string]string `json:"assigned_agents,omitempty"`

	// SyncStates maps sync point ID to its rendezvous state.
	SyncStates map[string]*SyncState `json:"sync_states,omitempty"`

	// RetryCounts tracks recovery attempts per step.
	RetryCounts map[string]int `json:"retry_counts,omitempty"`

	// LastAppliedSequence is the sequence of the last folded event.
	LastAppliedSequence uint64 `json:"last_applied_sequence"`

	// Version counts applied events. Equal to LastAppliedSequence as
	// long as the log has no gaps, which the store guarantees.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	if s.Definition != nil {
		cp.Definition = s.Definition.Clone()
	}
	cp.StepStates = make(map[string]StepStatus, len(s.StepStates))
	for k, v := range s.StepStates {
		cp.StepStates[k] = v
	}
	cp.AssignedAgents = make(map[string]string, len(s.AssignedAgents))
	for k, v := range s.AssignedAgents {
		cp.AssignedAgents[k] = v
	}
	cp.SyncStates = make(map[string]*SyncState, len(s.SyncStates))
	for k, v := range s.SyncStates {
		sc := *v
		sc.Required = append([]string(nil), v.Required...)
		sc.Arrived = append([]string(nil), v.Arrived...)
		if v.Deadline != nil {
			d := *v.Deadline
			sc.Deadline = &d
		}
		cp.SyncStates[k] = &sc
	}
	cp.RetryCounts = make(map[string]int, len(s.RetryCounts))
	for k, v := range s.RetryCounts {
		cp.RetryCounts[k] = v
	}
	return &cp
}

// Encode serializes the snapshot to canonical JSON. encoding/json emits
// map keys in sorted order and all slices are kept sorted, so equal
// snapshots encode byte-identically.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode snapshot %s: %w", s.WorkflowID, err)
	}
	return data, nil
}

// DecodeSnapshot deserializes a snapshot from its canonical JSON form.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("workflow: decode snapshot: %w", err)
	}
	return &s, nil
}

// AllStepsSettled reports whether every step is COMPLETED or SKIPPED and
// none is FAILED — the condition for the workflow to complete.
func (s *Snapshot) AllStepsSettled() bool {
	for _, st := range s.StepStates {
		switch st {
		case StepCompleted, StepSkipped:
		default:
			return false
		}
	}
	return true
}

// HasFailedStep reports whether any step is currently FAILED.
func (s *Snapshot) HasFailedStep() bool {
	for _, st := range s.StepStates {
		if st == StepFailed {
			return true
		}
	}
	return false
}

// FailedSteps returns the IDs of FAILED steps in definition order.
func (s *Snapshot) FailedSteps() []string {
	var out []string
	for _, sd := range s.Definition.Steps {
		if s.StepStates[sd.ID] == StepFailed {
			out = append(out, sd.ID)
		}
	}
	return out
}

// AgentSteps returns the IDs of steps assigned to the agent, in
// definition order.
func (s *Snapshot) AgentSteps(agentID string) []string {
	var out []string
	for _, sd := range s.Definition.Steps {
		if s.AssignedAgents[sd.ID] == agentID {
			out = append(out, sd.ID)
		}
	}
	return out
}
