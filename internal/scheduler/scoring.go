package scheduler

import (
	"github.com/agentforge/coordinator/internal/worker"
)

// Scoring weights: role match dominates, then capability coverage, then how
// idle the candidate is.
const (
	weightRole = 0.5
	weightCaps = 0.3
	weightLoad = 0.2
)

// Score rates how well a candidate worker fits a task, in [0, 1].
// Offline candidates always score zero. A task with no required capabilities
// treats the capability component as fully covered.
func Score(task *Task, cand worker.Descriptor) float64 {
	if cand.Status == worker.StatusOffline {
		return 0
	}

	var role float64
	if task.PreferredRole != "" && cand.Role == task.PreferredRole {
		role = 1
	}

	caps := 1.0
	if len(task.RequiredCaps) > 0 {
		matched := 0
		for _, required := range task.RequiredCaps {
			if cand.HasCapability(required) {
				matched++
			}
		}
		caps = float64(matched) / float64(len(task.RequiredCaps))
	}

	load := cand.CurrentLoad
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	idle := float64(100-load) / 100

	return weightRole*role + weightCaps*caps + weightLoad*idle
}

// SelectWorker picks the best-scoring candidate for a task. Ties break in
// first-seen order. ok is false when no candidate scores above zero; such a
// task stays unassigned until the next scheduling tick.
func SelectWorker(task *Task, candidates []worker.Descriptor) (best worker.Descriptor, score float64, ok bool) {
	for _, cand := range candidates {
		s := Score(task, cand)
		// Strict > keeps the first-seen candidate on ties
		if s > score {
			best, score, ok = cand, s, true
		}
	}
	return best, score, ok
}
