package workflow

import (
	"fmt"
	"time"

	"github.com/loomworks/loom"
)

// Definition describes a workflow: its steps, their dependency relation,
// and optional multi-agent sync points.
type Definition struct {
	// Name labels the workflow. Not required to be unique.
	Name string `json:"name"`

	// Steps is the ordered set of step definitions.
	Steps []StepDefinition `json:"steps"`

	// SyncPoints are multi-agent rendezvous barriers gating steps.
	// More may be registered at runtime through SyncRegistered events.
	SyncPoints []SyncPointDefinition `json:"sync_points,omitempty"`

	// Timeout bounds the whole workflow. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`

	// SkipPropagation, when true, lets SKIPPED dependencies satisfy
	// downstream steps. When false (the default), a SKIPPED dependency
	// blocks its dependents until explicitly resolved.
	SkipPropagation bool `json:"skip_propagation,omitempty"`

	// ReArmSync, when true, allows recovery to reset a timed-out sync
	// point so agents can rendezvous again. When false a sync timeout
	// is a permanent step failure.
	ReArmSync bool `json:"re_arm_sync,omitempty"`

	// MaxRecoveryAttempts overrides the engine default retry bound for
	// step-execution failures. Zero means use the engine default.
	MaxRecoveryAttempts int `json:"max_recovery_attempts,omitempty"`
}

// StepDefinition describes a single step within a workflow.
type StepDefinition struct {
	// ID is unique within the workflow.
	ID string `json:"id"`

	// DependsOn lists step IDs that must be COMPLETED before this step
	// becomes READY.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout bounds the step's execution. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// SyncPointDefinition describes a rendezvous barrier: the gated step
// cannot start running until every required agent has arrived.
type SyncPointDefinition struct {
	// ID is unique within the workflow.
	ID string `json:"id"`

	// StepID names the step gated by this barrier.
	StepID string `json:"step_id"`

	// RequiredAgents is the set of agent IDs that must arrive before
	// the barrier releases. Arrivals from unlisted agents are no-ops.
	RequiredAgents []string `json:"required_agents"`

	// Timeout bounds the rendezvous, measured from the first arrival.
	// Zero means the engine default (possibly unlimited).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Step returns the step definition with the given ID, or nil.
func (d *Definition) Step(stepID string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// SyncPoint returns the sync point definition with the given ID, or nil.
func (d *Definition) SyncPoint(syncID string) *SyncPointDefinition {
	for i := range d.SyncPoints {
		if d.SyncPoints[i].ID == syncID {
			return &d.SyncPoints[i]
		}
	}
	return nil
}

// SyncPointForStep returns the sync point gating the given step, or nil.
func (d *Definition) SyncPointForStep(stepID string) *SyncPointDefinition {
	for i := range d.SyncPoints {
		if d.SyncPoints[i].StepID == stepID {
			return &d.SyncPoints[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	cp := *d
	cp.Steps = make([]StepDefinition, len(d.Steps))
	for i, s := range d.Steps {
		cp.Steps[i] = s
		cp.Steps[i].DependsOn = append([]string(nil), s.DependsOn...)
	}
	cp.SyncPoints = make([]SyncPointDefinition, len(d.SyncPoints))
	for i, sp := range d.SyncPoints {
		cp.SyncPoints[i] = sp
		cp.SyncPoints[i].RequiredAgents = append([]string(nil), sp.RequiredAgents...)
	}
	return &cp
}

// Validate checks structural rules: a non-empty name, at least one step,
// unique step IDs, resolvable dependencies, an acyclic dependency graph,
// and well-formed sync points. It fails fast — a workflow is never
// partially created from an invalid definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: missing name", loom.ErrValidation)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: no steps", loom.ErrValidation)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step with empty id", loom.ErrValidation)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", loom.ErrValidation, s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", loom.ErrValidation, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("%w: step %q depends on itself", loom.ErrValidation, s.ID)
			}
		}
	}

	if err := detectCycle(d); err != nil {
		return err
	}

	return d.validateSyncPoints()
}

func (d *Definition) validateSyncPoints() error {
	seen := make(map[string]struct{}, len(d.SyncPoints))
	gated := make(map[string]struct{}, len(d.SyncPoints))
	for _, sp := range d.SyncPoints {
		if sp.ID == "" {
			return fmt.Errorf("%w: sync point with empty id", loom.ErrValidation)
		}
		if _, dup := seen[sp.ID]; dup {
			return fmt.Errorf("%w: duplicate sync point id %q", loom.ErrValidation, sp.ID)
		}
		seen[sp.ID] = struct{}{}

		if d.Step(sp.StepID) == nil {
			return fmt.Errorf("%w: sync point %q gates unknown step %q", loom.ErrValidation, sp.ID, sp.StepID)
		}
		if _, dup := gated[sp.StepID]; dup {
			return fmt.Errorf("%w: step %q gated by multiple sync points", loom.ErrValidation, sp.StepID)
		}
		gated[sp.StepID] = struct{}{}

		if len(sp.RequiredAgents) == 0 {
			return fmt.Errorf("%w: sync point %q requires no agents", loom.ErrValidation, sp.ID)
		}
		agents := make(map[string]struct{}, len(sp.RequiredAgents))
		for _, a := range sp.RequiredAgents {
			if a == "" {
				return fmt.Errorf("%w: sync point %q lists an empty agent id", loom.ErrValidation, sp.ID)
			}
			if _, dup := agents[a]; dup {
				return fmt.Errorf("%w: sync point %q lists agent %q twice", loom.ErrValidation, sp.ID, a)
			}
			agents[a] = struct{}{}
		}
	}
	return nil
}
