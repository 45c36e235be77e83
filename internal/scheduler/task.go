package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Waiting for dependencies or assignment
	TaskInProgress                   // Assigned to a worker and running
	TaskCompleted                    // Finished successfully
	TaskFailed                       // Finished with error (includes cancellation)
	TaskBlocked                      // A dependency failed; unrunnable until reassigned
)

// String returns a human-readable status name.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether a status admits no further transitions except
// Blocked, which a reassign can return to Pending.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Complexity classifies how demanding a task is expected to be.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// rank orders complexities for aggregation (workflow complexity is the max of
// its tasks').
func (c Complexity) rank() int {
	switch c {
	case ComplexityLow:
		return 1
	case ComplexityMedium:
		return 2
	case ComplexityHigh:
		return 3
	default:
		return 0
	}
}

// ErrorKind classifies task and coordination failures.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindExecution         ErrorKind = "execution"
	KindCancelled         ErrorKind = "cancelled"
	KindDependencyBlocked ErrorKind = "dependency_blocked"
)

// ErrorInfo records why a task failed.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface so an ErrorInfo can flow through
// error-returning call sites.
func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Sentinel errors surfaced by the scheduler.
var (
	ErrValidation       = errors.New("validation failed")
	ErrTaskNotFound     = errors.New("task not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrAlreadyCompleted = errors.New("task already completed")
)

// Task represents a single unit of work with dependencies and a lifecycle.
// Tasks are created by decomposition and mutated only through the DAG that
// owns them; callers always see clones.
type Task struct {
	ID                string        `json:"id"`
	Type              string        `json:"type"` // Phase name from the catalog
	Description       string        `json:"description"`
	Priority          int           `json:"priority"` // 1 (lowest) to 5 (highest)
	Complexity        Complexity    `json:"complexity"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	RequiredCaps      []string      `json:"required_caps,omitempty"`
	PreferredRole     string        `json:"preferred_role,omitempty"`
	AssignedWorker    string        `json:"assigned_worker,omitempty"`
	Status            TaskStatus    `json:"status"`
	Progress          int           `json:"progress"` // 0-100, non-decreasing while in progress
	Result            any           `json:"result,omitempty"`
	Err               *ErrorInfo    `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         time.Time     `json:"started_at,omitzero"`
	CompletedAt       time.Time     `json:"completed_at,omitzero"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// Validate checks structural invariants before a task enters the DAG.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task has no id", ErrValidation)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: task %s has no type", ErrValidation, t.ID)
	}
	if t.Priority < 1 || t.Priority > 5 {
		return fmt.Errorf("%w: task %s priority %d out of range 1-5", ErrValidation, t.ID, t.Priority)
	}
	switch t.Complexity {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
	default:
		return fmt.Errorf("%w: task %s has unknown complexity %q", ErrValidation, t.ID, t.Complexity)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("%w: task %s depends on itself", ErrValidation, t.ID)
		}
	}
	return nil
}

// WorkflowStatus represents the lifecycle of a workflow.
type WorkflowStatus int

const (
	WorkflowCreated WorkflowStatus = iota
	WorkflowInProgress
	WorkflowCompleted
)

// String returns a human-readable status name.
func (s WorkflowStatus) String() string {
	switch s {
	case WorkflowCreated:
		return "created"
	case WorkflowInProgress:
		return "in_progress"
	case WorkflowCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Workflow is one goal's execution plan. It owns its tasks exclusively.
type Workflow struct {
	ID          string         `json:"id"`
	RequesterID string         `json:"requester_id"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Complexity  Complexity     `json:"complexity"`
	Tasks       []*Task        `json:"tasks"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
}

// cloneTask returns a deep-enough copy: slices are duplicated, Result and Err
// are shared (treated as immutable once set).
func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.RequiredCaps != nil {
		cp.RequiredCaps = append([]string(nil), task.RequiredCaps...)
	}
	return &cp
}

// cloneWorkflow copies a workflow and its tasks.
func cloneWorkflow(wf *Workflow) *Workflow {
	if wf == nil {
		return nil
	}

	cp := *wf
	cp.Tasks = make([]*Task, len(wf.Tasks))
	for i, t := range wf.Tasks {
		cp.Tasks[i] = cloneTask(t)
	}
	return &cp
}
