package bus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/coordinator/internal/config"
	"github.com/agentforge/coordinator/internal/events"
	"github.com/agentforge/coordinator/internal/logging"
)

// Handler receives a delivered message. Handlers run outside the bus lock, so
// they may publish from within the callback.
type Handler func(Message)

// RosterFunc supplies the broadcast recipient list from the team-management
// collaborator. When nil, broadcasts fan out to the live subscriber set.
type RosterFunc func() []string

// subscription registers a worker's interest in a set of message types.
type subscription struct {
	workerID string
	types    map[string]bool // Empty means all types
	handler  Handler
}

func (s *subscription) accepts(msgType string) bool {
	return len(s.types) == 0 || s.types[msgType]
}

// queued is a pending delivery. notBefore implements the retry back-off.
type queued struct {
	msg       *Message
	notBefore time.Time
}

// MessageBus delivers typed messages between workers. Publishing enqueues and
// returns immediately; actual delivery happens on DeliverTick so publishers
// never block on slow or missing recipients.
type MessageBus struct {
	mu         sync.Mutex
	cfg        config.BusConfig
	events     *events.EventBus
	log        *logging.Logger
	roster     RosterFunc
	subs       map[string]*subscription
	queue      []*queued
	history    []*Message
	deadLetter []*Message
	clock      func() time.Time
	newID      func() string
}

// New creates a MessageBus. ev may be nil when no observer cares about
// terminal failure events.
func New(cfg config.BusConfig, ev *events.EventBus, log *logging.Logger) *MessageBus {
	if log == nil {
		log = logging.Discard()
	}
	return &MessageBus{
		cfg:    cfg,
		events: ev,
		log:    log.WithSubsystem("bus"),
		subs:   make(map[string]*subscription),
		clock:  time.Now,
		newID:  uuid.NewString,
	}
}

// SetRoster injects the team-management roster used for broadcast fan-out.
func (b *MessageBus) SetRoster(roster RosterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roster = roster
}

// SetClock overrides the time source. Tests only.
func (b *MessageBus) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// Subscribe registers interest in the given message types for a worker. An
// empty type list subscribes to everything. A second subscription for the same
// worker replaces the first.
func (b *MessageBus) Subscribe(workerID string, msgTypes []string, handler Handler) error {
	if workerID == "" {
		return fmt.Errorf("%w: subscriber has no id", ErrValidation)
	}
	if handler == nil {
		return fmt.Errorf("%w: subscriber %q has no handler", ErrValidation, workerID)
	}

	types := make(map[string]bool, len(msgTypes))
	for _, t := range msgTypes {
		types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[workerID] = &subscription{workerID: workerID, types: types, handler: handler}
	return nil
}

// Unsubscribe removes a worker's subscription. Pending messages to the worker
// will fail delivery and follow the retry policy.
func (b *MessageBus) Unsubscribe(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, workerID)
}

// Publish enqueues a message for asynchronous delivery and returns the stored
// copy. ID, From, CreatedAt and Status are populated when empty. Validation
// failures are rejected synchronously and never retried.
func (b *MessageBus) Publish(msg Message) (Message, error) {
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stored := b.prepare(msg)
	b.history = append(b.history, stored)
	b.queue = append(b.queue, &queued{msg: stored})
	return *stored, nil
}

// Broadcast fans out a copy of the message (fresh id, same type and payload)
// to every known recipient except the sender. Recipients come from the
// injected roster when one is set, otherwise from the live subscriber set.
// Every copy is recorded in history regardless of whether a matching
// subscription exists, so late joiners can query it.
func (b *MessageBus) Broadcast(msg Message) ([]Message, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: message has no type", ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var recipients []string
	if b.roster != nil {
		recipients = b.roster()
	} else {
		recipients = make([]string, 0, len(b.subs))
		for id := range b.subs {
			recipients = append(recipients, id)
		}
		sort.Strings(recipients)
	}

	var out []Message
	for _, to := range recipients {
		if to == msg.From {
			continue
		}
		cp := msg
		cp.ID = "" // Each copy gets a fresh id
		cp.To = to
		stored := b.prepare(cp)
		b.history = append(b.history, stored)
		b.queue = append(b.queue, &queued{msg: stored})
		out = append(out, *stored)
	}
	return out, nil
}

// prepare fills bookkeeping fields on an accepted message.
// Caller must hold the lock.
func (b *MessageBus) prepare(msg Message) *Message {
	stored := msg
	if stored.ID == "" {
		stored.ID = b.newID()
	}
	if stored.From == "" {
		stored.From = System
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = b.clock()
	}
	stored.Status = StatusPending
	stored.RetryCount = 0
	return &stored
}

// DeliverTick drains due messages from the pending queue, applying the retry
// and dead-letter policy, and prunes expired history. Within one bus, messages
// to the same recipient deliver in publish order.
func (b *MessageBus) DeliverTick() {
	type delivery struct {
		handler Handler
		msg     Message
	}

	b.mu.Lock()
	now := b.clock()

	var deliveries []delivery
	var remaining []*queued
	for _, q := range b.queue {
		if q.notBefore.After(now) {
			remaining = append(remaining, q)
			continue
		}

		sub, ok := b.subs[q.msg.To]
		switch {
		case !ok:
			b.retryOrDeadLetter(q, now, ErrRecipientNotFound)
			if q.msg.Status == StatusPending {
				remaining = append(remaining, q)
			}
		case !sub.accepts(q.msg.Type):
			b.retryOrDeadLetter(q, now, ErrTypeNotSubscribed)
			if q.msg.Status == StatusPending {
				remaining = append(remaining, q)
			}
		default:
			q.msg.Status = StatusDelivered
			q.msg.LastError = ""
			deliveries = append(deliveries, delivery{handler: sub.handler, msg: *q.msg})
		}
	}
	b.queue = remaining
	b.pruneHistory(now)
	b.mu.Unlock()

	// Handlers run outside the lock so they can publish follow-up messages
	for _, d := range deliveries {
		d.handler(d.msg)
	}
}

// retryOrDeadLetter applies the retry policy to a failed delivery attempt.
// Caller must hold the lock.
func (b *MessageBus) retryOrDeadLetter(q *queued, now time.Time, cause error) {
	q.msg.RetryCount++
	q.msg.LastError = cause.Error()

	// Re-queue while retryCount < bound; at the bound the message is terminal
	if q.msg.RetryCount >= b.cfg.RetryLimit {
		q.msg.Status = StatusFailed
		q.msg.LastError = fmt.Sprintf("%s: %s", ErrRetryExhausted, cause)
		b.deadLetter = append(b.deadLetter, q.msg)

		b.log.Warn("message dead-lettered",
			"message_id", q.msg.ID,
			"type", q.msg.Type,
			"to", q.msg.To,
			"retries", q.msg.RetryCount,
			"cause", cause.Error(),
		)
		if b.events != nil {
			b.events.Publish(events.TopicMessage, events.MessageDeadLetterEvent{
				MessageID:  q.msg.ID,
				Type:       q.msg.Type,
				From:       q.msg.From,
				To:         q.msg.To,
				RetryCount: q.msg.RetryCount,
				Reason:     cause.Error(),
				Timestamp:  now,
			})
		}
		return
	}

	// Linear back-off: delay grows with each failed attempt
	q.notBefore = now.Add(time.Duration(q.msg.RetryCount) * b.cfg.BaseRetryDelay)
}

// pruneHistory drops history entries past the rolling age cutoff.
// Caller must hold the lock.
func (b *MessageBus) pruneHistory(now time.Time) {
	if b.cfg.HistoryMaxAge <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.HistoryMaxAge)

	kept := b.history[:0]
	for _, msg := range b.history {
		if !msg.CreatedAt.Before(cutoff) {
			kept = append(kept, msg)
		}
	}
	b.history = kept
}

// GetHistory returns every retained message where the worker is sender or
// recipient, ordered by creation time.
func (b *MessageBus) GetHistory(workerID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, msg := range b.history {
		if msg.From == workerID || msg.To == workerID {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeadLetters returns the messages that exhausted their retry budget. They are
// queryable but never auto-retried.
func (b *MessageBus) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.deadLetter))
	for i, msg := range b.deadLetter {
		out[i] = *msg
	}
	return out
}

// Stats counts retained messages by type and status.
func (b *MessageBus) Stats() map[string]map[MessageStatus]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(map[string]map[MessageStatus]int)
	for _, msg := range b.history {
		byStatus, ok := stats[msg.Type]
		if !ok {
			byStatus = make(map[MessageStatus]int)
			stats[msg.Type] = byStatus
		}
		byStatus[msg.Status]++
	}
	return stats
}

// QueueStatus reports the pending queue depth and dead-letter count.
func (b *MessageBus) QueueStatus() (pending, deadLettered int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue), len(b.deadLetter)
}
