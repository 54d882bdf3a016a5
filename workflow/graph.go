package workflow

import (
	"fmt"
	"sort"

	"github.com/loomworks/loom"
)

// detectCycle runs a depth-first search over the dependency relation and
// returns ErrValidation if any cycle exists. Assumes step IDs and
// dependency references have already been checked.
func detectCycle(d *Definition) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	deps := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		deps[s.ID] = s.DependsOn
	}

	color := make(map[string]int, len(d.Steps))

	var visit func(stepID string) error
	visit = func(stepID string) error {
		switch color[stepID] {
		case gray:
			return fmt.Errorf("%w: dependency cycle through step %q", loom.ErrValidation, stepID)
		case black:
			return nil
		}
		color[stepID] = gray
		for _, dep := range deps[stepID] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[stepID] = black
		return nil
	}

	// Iterate in definition order so the reported cycle is stable.
	for _, s := range d.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReadySteps returns the IDs of steps that are ready to be assigned:
// currently PENDING with every dependency COMPLETED (or SKIPPED, when the
// definition enables skip propagation). The result is sorted, making the
// function pure and order-independent for a given snapshot.
func ReadySteps(def *Definition, stepStates map[string]StepStatus) []string {
	var ready []string
	for _, s := range def.Steps {
		if stepStates[s.ID] != StepPending {
			continue
		}
		if depsSatisfied(def, s.DependsOn, stepStates) {
			ready = append(ready, s.ID)
		}
	}
	sort.Strings(ready)
	return ready
}

func depsSatisfied(def *Definition, deps []string, stepStates map[string]StepStatus) bool {
	for _, dep := range deps {
		switch stepStates[dep] {
		case StepCompleted:
		case StepSkipped:
			if !def.SkipPropagation {
				return false
			}
		default:
			return false
		}
	}
	return true
}
