// Package bus implements the typed inter-agent message bus: subscription-based
// delivery decoupled from publishing, bounded retry with linear back-off,
// dead-lettering, and queryable history with aggregate statistics.
package bus

import (
	"errors"
	"fmt"
	"time"
)

// Reserved addresses.
const (
	// System is the sender/recipient identity of the orchestration core itself.
	System = "system"

	// Broadcast is the special "to" value for messages fanned out to all
	// known workers.
	Broadcast = "broadcast"
)

// Well-known message types exchanged between the core and workers. The bus
// itself treats types as opaque strings; these constants name the coordination
// protocol.
const (
	TypeAssignment = "assignment" // Core -> worker: run this task
	TypeResult     = "result"     // Worker -> core: task outcome
	TypeStatus     = "status"     // Worker -> anyone: progress update
	TypeStateSync  = "state_sync" // Core -> workers: shared state changed
	TypeControl    = "control"    // Roster/worker lifecycle requests
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Message is the envelope for inter-agent communication. The bus owns a
// message from publish until it reaches a terminal status.
type Message struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Payload    any           `json:"payload,omitempty"`
	Priority   int           `json:"priority,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     MessageStatus `json:"status"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"` // Reason of the most recent delivery failure
}

// AssignmentPayload carries a task assignment to a worker.
type AssignmentPayload struct {
	TaskID            string        `json:"task_id"`
	TaskType          string        `json:"task_type"`
	Description       string        `json:"description"`
	Priority          int           `json:"priority"`
	Complexity        string        `json:"complexity"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// ResultPayload carries a worker's task outcome back to the core.
type ResultPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Success  bool   `json:"success"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Sentinel errors surfaced by the bus.
var (
	ErrValidation        = errors.New("invalid message")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrTypeNotSubscribed = errors.New("type not subscribed")
	ErrRetryExhausted    = errors.New("retry budget exhausted")
)

// Validate checks the minimum envelope fields required before a message is
// accepted for delivery. Structural errors are rejected synchronously and
// never retried.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: message has no type", ErrValidation)
	}
	if m.To == "" {
		return fmt.Errorf("%w: message has no recipient", ErrValidation)
	}
	return nil
}
