package scheduler

import (
	"math"
	"testing"

	"github.com/agentforge/coordinator/internal/worker"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore(t *testing.T) {
	task := &Task{
		ID:            "t",
		Type:          "implementation",
		Priority:      4,
		Complexity:    ComplexityHigh,
		PreferredRole: "coder",
		RequiredCaps:  []string{"coding", "testing"},
	}

	tests := []struct {
		name string
		cand worker.Descriptor
		want float64
	}{
		{
			name: "perfect idle match",
			cand: worker.Descriptor{ID: "w", Role: "coder", Capabilities: []string{"coding", "testing"}, CurrentLoad: 0, Status: worker.StatusIdle},
			want: 0.5 + 0.3 + 0.2,
		},
		{
			name: "role mismatch half caps full load",
			cand: worker.Descriptor{ID: "w", Role: "reviewer", Capabilities: []string{"coding"}, CurrentLoad: 100, Status: worker.StatusIdle},
			want: 0.3 * 0.5,
		},
		{
			name: "offline scores zero regardless",
			cand: worker.Descriptor{ID: "w", Role: "coder", Capabilities: []string{"coding", "testing"}, CurrentLoad: 0, Status: worker.StatusOffline},
			want: 0,
		},
		{
			name: "busy at half load",
			cand: worker.Descriptor{ID: "w", Role: "coder", Capabilities: []string{"coding", "testing"}, CurrentLoad: 50, Status: worker.StatusBusy},
			want: 0.5 + 0.3 + 0.2*0.5,
		},
		{
			name: "load clamped above 100",
			cand: worker.Descriptor{ID: "w", Role: "coder", Capabilities: []string{"coding", "testing"}, CurrentLoad: 250, Status: worker.StatusIdle},
			want: 0.5 + 0.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(task, tt.cand); !almostEqual(got, tt.want) {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreNoRequiredCaps(t *testing.T) {
	task := &Task{ID: "t", Type: "planning", Priority: 5, Complexity: ComplexityLow, PreferredRole: "leader"}
	cand := worker.Descriptor{ID: "w", Role: "leader", CurrentLoad: 0, Status: worker.StatusIdle}

	// A task with no required capabilities counts the overlap component as full
	if got := Score(task, cand); !almostEqual(got, 1.0) {
		t.Errorf("Score = %v, want 1.0", got)
	}
}

func TestSelectWorker(t *testing.T) {
	task := &Task{ID: "t", Type: "work", Priority: 3, Complexity: ComplexityMedium, PreferredRole: "coder", RequiredCaps: []string{"coding"}}

	t.Run("picks highest scorer", func(t *testing.T) {
		candidates := []worker.Descriptor{
			{ID: "partial", Role: "tester", Capabilities: []string{"coding"}, CurrentLoad: 0, Status: worker.StatusIdle},
			{ID: "full", Role: "coder", Capabilities: []string{"coding"}, CurrentLoad: 0, Status: worker.StatusIdle},
		}
		best, score, ok := SelectWorker(task, candidates)
		if !ok || best.ID != "full" {
			t.Fatalf("SelectWorker = (%s, %v, %v), want full", best.ID, score, ok)
		}
	})

	t.Run("ties break first-seen", func(t *testing.T) {
		candidates := []worker.Descriptor{
			{ID: "first", Role: "coder", Capabilities: []string{"coding"}, CurrentLoad: 20, Status: worker.StatusIdle},
			{ID: "twin", Role: "coder", Capabilities: []string{"coding"}, CurrentLoad: 20, Status: worker.StatusIdle},
		}
		best, _, ok := SelectWorker(task, candidates)
		if !ok || best.ID != "first" {
			t.Fatalf("SelectWorker = %s, want first", best.ID)
		}
	})

	t.Run("no candidate above zero", func(t *testing.T) {
		candidates := []worker.Descriptor{
			{ID: "down", Role: "coder", Capabilities: []string{"coding"}, Status: worker.StatusOffline},
		}
		if _, _, ok := SelectWorker(task, candidates); ok {
			t.Fatal("SelectWorker reported ok with only an offline candidate")
		}
	})

	t.Run("empty roster", func(t *testing.T) {
		if _, _, ok := SelectWorker(task, nil); ok {
			t.Fatal("SelectWorker reported ok with no candidates")
		}
	})
}
