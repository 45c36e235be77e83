package config

import "time"

// DefaultCategory is used when a goal cannot be matched to a catalog entry.
const DefaultCategory = "general"

// DefaultConfig returns the default configuration with a built-in phase catalog
// and conservative bus/state/scheduler tuning.
func DefaultConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Catalog: PhaseCatalog{
			"software": {
				{Name: "planning", Priority: 5, Complexity: "high", PreferredRole: "leader", RequiredCaps: []string{"planning"}, EstimatedHours: 2},
				{Name: "research", Priority: 4, Complexity: "medium", PreferredRole: "researcher", RequiredCaps: []string{"research"}, EstimatedHours: 3},
				{Name: "implementation", Priority: 4, Complexity: "high", PreferredRole: "coder", RequiredCaps: []string{"coding"}, EstimatedHours: 8, DependsOn: []string{"planning", "research"}},
				{Name: "testing", Priority: 3, Complexity: "medium", PreferredRole: "tester", RequiredCaps: []string{"testing"}, EstimatedHours: 4},
				{Name: "review", Priority: 2, Complexity: "low", PreferredRole: "reviewer", RequiredCaps: []string{"review"}, EstimatedHours: 2},
			},
			DefaultCategory: {
				{Name: "planning", Priority: 5, Complexity: "high", PreferredRole: "leader", EstimatedHours: 1},
				{Name: "execution", Priority: 3, Complexity: "medium", PreferredRole: "worker", EstimatedHours: 4},
				{Name: "review", Priority: 2, Complexity: "low", PreferredRole: "reviewer", EstimatedHours: 1},
			},
		},
		Bus: BusConfig{
			RetryLimit:     3,
			BaseRetryDelay: 500 * time.Millisecond,
			HistoryMaxAge:  24 * time.Hour,
			DeliverEvery:   100 * time.Millisecond,
		},
		State: StateConfig{
			LockTimeout:          10 * time.Second,
			ManualResolveTimeout: 30 * time.Second,
			ReconcileEvery:       5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickEvery: 250 * time.Millisecond,
			Retention: time.Hour,
		},
	}
}
