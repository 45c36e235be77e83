package events

import (
	"time"
)

// Event is the base interface for all coordination events.
type Event interface {
	EventType() string
	Subject() string // Task ID, message ID or state key the event is about
}

// Topic constants
const (
	TopicTask     = "task"
	TopicWorkflow = "workflow"
	TopicMessage  = "message"
	TopicState    = "state"
)

// Event type constants
const (
	EventTypeTaskReady         = "task.ready"
	EventTypeTaskAssigned      = "task.assigned"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskBlocked       = "task.blocked"
	EventTypeWorkflowProgress  = "workflow.progress"
	EventTypeWorkflowCompleted = "workflow.completed"
	EventTypeMessageDeadLetter = "message.deadletter"
	EventTypeStateUpdated      = "state.updated"
	EventTypeStateConflict     = "state.conflict"
)

// TaskReadyEvent is published when all of a task's dependencies complete.
type TaskReadyEvent struct {
	ID        string
	Type      string
	Priority  int
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) Subject() string   { return e.ID }

// TaskAssignedEvent is published when a task is handed to a worker.
type TaskAssignedEvent struct {
	ID        string
	WorkerID  string
	Score     float64
	Timestamp time.Time
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) Subject() string   { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	WorkerID  string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Subject() string   { return e.ID }

// TaskFailedEvent is published when a task fails, including cancellation.
type TaskFailedEvent struct {
	ID        string
	WorkerID  string
	Kind      string // Error kind from the task's ErrorInfo
	Message   string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Subject() string   { return e.ID }

// TaskBlockedEvent is published when a task's dependency fails, leaving the
// task unrunnable until it is reassigned.
type TaskBlockedEvent struct {
	ID           string
	DependencyID string // The failed dependency that caused the block
	Timestamp    time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) Subject() string   { return e.ID }

// WorkflowProgressEvent is published when aggregate workflow progress changes.
type WorkflowProgressEvent struct {
	WorkflowID string
	Total      int
	Completed  int
	InProgress int
	Failed     int
	Blocked    int
	Pending    int
	Timestamp  time.Time
}

func (e WorkflowProgressEvent) EventType() string { return EventTypeWorkflowProgress }
func (e WorkflowProgressEvent) Subject() string   { return e.WorkflowID }

// WorkflowCompletedEvent is published when every task in a workflow is terminal.
type WorkflowCompletedEvent struct {
	WorkflowID string
	Succeeded  bool // False when any task failed or stayed blocked
	Timestamp  time.Time
}

func (e WorkflowCompletedEvent) EventType() string { return EventTypeWorkflowCompleted }
func (e WorkflowCompletedEvent) Subject() string   { return e.WorkflowID }

// MessageDeadLetterEvent is published exactly once when a message exhausts its
// retry budget. It carries enough context for a caller to compensate.
type MessageDeadLetterEvent struct {
	MessageID  string
	Type       string
	From       string
	To         string
	RetryCount int
	Reason     string
	Timestamp  time.Time
}

func (e MessageDeadLetterEvent) EventType() string { return EventTypeMessageDeadLetter }
func (e MessageDeadLetterEvent) Subject() string   { return e.MessageID }

// StateUpdatedEvent is published after an accepted state write.
type StateUpdatedEvent struct {
	Key       string
	Version   int64
	Writer    string
	Timestamp time.Time
}

func (e StateUpdatedEvent) EventType() string { return EventTypeStateUpdated }
func (e StateUpdatedEvent) Subject() string   { return e.Key }

// StateConflictEvent is published when divergent writes are detected for a key.
// Resolved reports whether a strategy produced a value; Fallback is set when
// the manual strategy timed out and the latest rule decided instead.
type StateConflictEvent struct {
	Key       string
	Strategy  string
	Resolved  bool
	Fallback  bool
	Timestamp time.Time
}

func (e StateConflictEvent) EventType() string { return EventTypeStateConflict }
func (e StateConflictEvent) Subject() string   { return e.Key }
