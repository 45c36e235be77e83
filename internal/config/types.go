package config

import "time"

// PhaseTemplate describes one phase of a project category's execution plan.
// Templates are supplied by an external classifier/analyzer; the scheduler
// treats them as opaque configuration so its decomposition and scoring logic
// stays pure and independently testable.
type PhaseTemplate struct {
	Name           string   `json:"name" yaml:"name"`
	Priority       int      `json:"priority" yaml:"priority"`             // 1 (lowest) to 5 (highest)
	Complexity     string   `json:"complexity" yaml:"complexity"`         // "low", "medium", "high"
	PreferredRole  string   `json:"preferred_role" yaml:"preferred_role"` // Role scored at full weight during assignment
	RequiredCaps   []string `json:"required_caps,omitempty" yaml:"required_caps,omitempty"`
	EstimatedHours float64  `json:"estimated_hours,omitempty" yaml:"estimated_hours,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"` // Phase names; empty means "previous phase"
}

// PhaseCatalog maps a project category to its ordered phase templates.
type PhaseCatalog map[string][]PhaseTemplate

// BusConfig tunes message delivery.
type BusConfig struct {
	RetryLimit     int           `json:"retry_limit"`      // Delivery attempts beyond the first before dead-lettering
	BaseRetryDelay time.Duration `json:"base_retry_delay"` // Back-off unit: delay = retryCount * BaseRetryDelay
	HistoryMaxAge  time.Duration `json:"history_max_age"`  // Rolling cutoff for message history
	DeliverEvery   time.Duration `json:"deliver_every"`    // Delivery tick interval
}

// StateConfig tunes the state synchronizer.
type StateConfig struct {
	LockTimeout          time.Duration `json:"lock_timeout"`           // Per-key advisory lock wait ceiling
	ManualResolveTimeout time.Duration `json:"manual_resolve_timeout"` // Bound on the manual conflict strategy
	ReconcileEvery       time.Duration `json:"reconcile_every"`        // Reconciliation pass interval
}

// SchedulerConfig tunes task scheduling.
type SchedulerConfig struct {
	TickEvery time.Duration `json:"tick_every"` // Scheduling tick interval
	Retention time.Duration `json:"retention"`  // How long terminal tasks and completed workflows are kept
}

// CoordinatorConfig is the top-level configuration.
type CoordinatorConfig struct {
	Catalog   PhaseCatalog    `json:"catalog"`
	Bus       BusConfig       `json:"bus"`
	State     StateConfig     `json:"state"`
	Scheduler SchedulerConfig `json:"scheduler"`
}
