package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/coordinator/internal/config"
)

// Decomposer turns a goal description into a workflow using an injected phase
// catalog. Decomposition is deterministic for identical inputs apart from
// generated identifiers and timestamps.
type Decomposer struct {
	catalog config.PhaseCatalog
	clock   func() time.Time
	newID   func() string
}

// NewDecomposer creates a Decomposer over the given catalog.
func NewDecomposer(catalog config.PhaseCatalog) *Decomposer {
	return &Decomposer{
		catalog: catalog,
		clock:   time.Now,
		newID:   uuid.NewString,
	}
}

// SetClock overrides the time source. Tests only.
func (d *Decomposer) SetClock(clock func() time.Time) { d.clock = clock }

// SetIDSource overrides identifier generation. Tests only.
func (d *Decomposer) SetIDSource(newID func() string) { d.newID = newID }

// Decompose produces a workflow for the goal under the given project category.
// Unknown categories fall back to the default catalog entry. Each task depends
// on its immediate predecessor unless its phase template names explicit
// dependencies (richer graphs).
func (d *Decomposer) Decompose(requesterID, goal, category string) (*Workflow, error) {
	if goal == "" {
		return nil, fmt.Errorf("%w: empty goal description", ErrValidation)
	}

	phases, ok := d.catalog[category]
	if !ok {
		category = config.DefaultCategory
		phases, ok = d.catalog[category]
	}
	if !ok || len(phases) == 0 {
		return nil, fmt.Errorf("%w: no phase catalog for category %q", ErrValidation, category)
	}

	now := d.clock()
	wf := &Workflow{
		ID:          d.newID(),
		RequesterID: requesterID,
		Description: goal,
		Category:    category,
		Status:      WorkflowCreated,
		CreatedAt:   now,
	}

	// Phase name -> generated task ID, for explicit dependency resolution
	idByPhase := make(map[string]string, len(phases))

	for i, phase := range phases {
		task := &Task{
			ID:                d.newID(),
			Type:              phase.Name,
			Description:       fmt.Sprintf("%s: %s", phase.Name, goal),
			Priority:          phase.Priority,
			Complexity:        Complexity(phase.Complexity),
			RequiredCaps:      append([]string(nil), phase.RequiredCaps...),
			PreferredRole:     phase.PreferredRole,
			Status:            TaskPending,
			CreatedAt:         now,
			EstimatedDuration: time.Duration(phase.EstimatedHours * float64(time.Hour)),
		}

		// A template with a present-but-empty depends_on list ([] in YAML or
		// JSON) explicitly declares a root task; a missing list means "chain
		// to the previous phase".
		switch {
		case len(phase.DependsOn) > 0:
			for _, depPhase := range phase.DependsOn {
				depID, ok := idByPhase[depPhase]
				if !ok {
					return nil, fmt.Errorf("%w: phase %q depends on unknown phase %q", ErrValidation, phase.Name, depPhase)
				}
				task.DependsOn = append(task.DependsOn, depID)
			}
		case phase.DependsOn == nil && i > 0:
			// Linear chain by default
			task.DependsOn = []string{wf.Tasks[i-1].ID}
		}

		if task.Complexity.rank() > wf.Complexity.rank() {
			wf.Complexity = task.Complexity
		}

		idByPhase[phase.Name] = task.ID
		wf.Tasks = append(wf.Tasks, task)
	}

	return wf, nil
}
