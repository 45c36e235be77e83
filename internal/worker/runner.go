package worker

import (
	"context"
	"sync"

	"github.com/agentforge/coordinator/internal/bus"
	"github.com/agentforge/coordinator/internal/logging"
)

// ExecuteFunc performs one assigned task and returns its output. The worker's
// reasoning lives behind this function; the runner only handles the protocol.
type ExecuteFunc func(ctx context.Context, assignment bus.AssignmentPayload) (any, error)

// LocalWorker is a bus-driven runner for a worker hosted in the coordinating
// process. It subscribes to assignment messages, executes them through an
// injected function and reports outcomes back to the core as result messages.
type LocalWorker struct {
	desc Descriptor
	bus  *bus.MessageBus
	exec ExecuteFunc
	log  *logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewLocalWorker creates a runner for the described worker. log may be nil.
func NewLocalWorker(desc Descriptor, mb *bus.MessageBus, exec ExecuteFunc, log *logging.Logger) *LocalWorker {
	if log == nil {
		log = logging.Discard()
	}
	return &LocalWorker{
		desc: desc,
		bus:  mb,
		exec: exec,
		log:  log.WithSubsystem("worker").With("worker_id", desc.ID),
	}
}

// ID returns the worker's identifier.
func (w *LocalWorker) ID() string { return w.desc.ID }

// Start subscribes the worker to assignment messages. Each assignment executes
// in its own goroutine so a slow task never stalls the delivery tick.
func (w *LocalWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	return w.bus.Subscribe(w.desc.ID, []string{bus.TypeAssignment}, w.handleAssignment)
}

// Stop unsubscribes the worker, cancels running tasks and waits for them.
func (w *LocalWorker) Stop() {
	w.bus.Unsubscribe(w.desc.ID)

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	w.running.Wait()
}

func (w *LocalWorker) handleAssignment(msg bus.Message) {
	assignment, ok := msg.Payload.(bus.AssignmentPayload)
	if !ok {
		w.log.Warn("assignment with unexpected payload", "message_id", msg.ID)
		return
	}

	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	w.running.Add(1)
	go func() {
		defer w.running.Done()
		w.run(ctx, assignment)
	}()
}

// run executes one assignment and publishes the outcome.
func (w *LocalWorker) run(ctx context.Context, assignment bus.AssignmentPayload) {
	w.log.Info("task started", "task_id", assignment.TaskID, "type", assignment.TaskType)

	output, err := w.exec(ctx, assignment)

	result := bus.ResultPayload{
		TaskID:   assignment.TaskID,
		WorkerID: w.desc.ID,
		Success:  err == nil,
		Output:   output,
	}
	if err != nil {
		result.Error = err.Error()
		w.log.Warn("task failed", "task_id", assignment.TaskID, "error", err.Error())
	} else {
		w.log.Info("task finished", "task_id", assignment.TaskID)
	}

	if _, pubErr := w.bus.Publish(bus.Message{
		Type:    bus.TypeResult,
		From:    w.desc.ID,
		To:      bus.System,
		Payload: result,
	}); pubErr != nil {
		w.log.Error("failed to report result", "task_id", assignment.TaskID, "error", pubErr.Error())
	}
}
