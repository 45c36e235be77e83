// Package orchestrator wires the scheduler, message bus, state synchronizer
// and persistence into one Coordinator with errgroup-managed tick loops.
// A Coordinator owns one instance of each subsystem; multiple independent
// coordinators can coexist in a process.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentforge/coordinator/internal/bus"
	"github.com/agentforge/coordinator/internal/config"
	"github.com/agentforge/coordinator/internal/events"
	"github.com/agentforge/coordinator/internal/logging"
	"github.com/agentforge/coordinator/internal/persistence"
	"github.com/agentforge/coordinator/internal/scheduler"
	"github.com/agentforge/coordinator/internal/state"
	"github.com/agentforge/coordinator/internal/worker"
)

// Classifier maps a goal description to a phase-catalog category. Project-type
// classification is an external concern; the default classifier places every
// goal in the catalog's general category.
type Classifier func(goal string) string

// Options carries the Coordinator's injectable collaborators. Zero values get
// sensible defaults except Roster, which is required for assignment.
type Options struct {
	Store      persistence.Store // Wrapped in the resilience layer when set
	Roster     worker.Roster
	Logger     *logging.Logger
	Events     *events.EventBus
	Classifier Classifier
	RetryCfg   *RetryConfig // Store retry tuning; nil uses defaults
}

// Coordinator is the orchestration core facade.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	log        *logging.Logger
	events     *events.EventBus
	bus        *bus.MessageBus
	sched      *scheduler.Scheduler
	state      *state.Synchronizer
	store      persistence.Store
	roster     worker.Roster
	classifier Classifier
	ownsEvents bool
}

// New assembles a Coordinator from configuration and collaborators.
func New(cfg config.CoordinatorConfig, opts Options) (*Coordinator, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	ev := opts.Events
	ownsEvents := false
	if ev == nil {
		ev = events.NewEventBus()
		ownsEvents = true
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = func(string) string { return config.DefaultCategory }
	}

	var store persistence.Store
	if opts.Store != nil {
		retryCfg := DefaultRetryConfig()
		if opts.RetryCfg != nil {
			retryCfg = *opts.RetryCfg
		}
		store = NewResilientStore(opts.Store, retryCfg, log)
	}

	mb := bus.New(cfg.Bus, ev, log)
	if roster, ok := opts.Roster.(*worker.StaticRoster); ok {
		mb.SetRoster(roster.IDs)
	}

	syn := state.New(cfg.State, store, ev, log)
	sched := scheduler.New(cfg.Scheduler, cfg.Catalog, mb, ev, opts.Roster, log)

	c := &Coordinator{
		cfg:        cfg,
		log:        log.WithSubsystem("coordinator"),
		events:     ev,
		bus:        mb,
		sched:      sched,
		state:      syn,
		store:      store,
		roster:     opts.Roster,
		classifier: classifier,
		ownsEvents: ownsEvents,
	}
	sched.SetProgressPublisher(c)

	// Task outcomes come back as result messages addressed to the core
	if err := mb.Subscribe(bus.System, []string{bus.TypeResult}, c.handleResult); err != nil {
		return nil, fmt.Errorf("registering result subscriber: %w", err)
	}
	return c, nil
}

// Events exposes the event bus for observers.
func (c *Coordinator) Events() *events.EventBus { return c.events }

// Bus exposes the message bus for direct worker wiring.
func (c *Coordinator) Bus() *bus.MessageBus { return c.bus }

// Scheduler exposes the task scheduler, mainly for tests and introspection.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.sched }

// Resolutions exposes manual conflict-resolution requests.
func (c *Coordinator) Resolutions() <-chan state.ResolutionRequest {
	return c.state.Requests()
}

// CreateExecutionPlan classifies the goal, decomposes it into a workflow and
// persists the plan. Tasks enter the scheduling graph only on DistributeTasks.
func (c *Coordinator) CreateExecutionPlan(ctx context.Context, requesterID, goal string) (*scheduler.Workflow, error) {
	category := c.classifier(goal)
	wf, err := c.sched.CreateExecutionPlan(requesterID, goal, category)
	if err != nil {
		return nil, err
	}

	c.saveWorkflow(ctx, wf, 1)
	return wf, nil
}

// DistributeTasks moves a workflow's tasks into the scheduling graph.
func (c *Coordinator) DistributeTasks(ctx context.Context, workflowID string) ([]*scheduler.Task, error) {
	tasks, err := c.sched.DistributeTasks(workflowID)
	if err != nil {
		return nil, err
	}

	if len(tasks) > 0 {
		if wf, ok := c.sched.WorkflowForTask(tasks[0].ID); ok {
			c.saveWorkflow(ctx, wf, 2)
		}
	}
	return tasks, nil
}

// GetNextTask returns the highest-priority ready task, or nil.
func (c *Coordinator) GetNextTask() *scheduler.Task {
	return c.sched.NextReadyTask()
}

// MarkTaskCompleted records a successful result and persists it.
func (c *Coordinator) MarkTaskCompleted(ctx context.Context, taskID string, result any) error {
	if err := c.sched.MarkTaskCompleted(ctx, taskID, result); err != nil {
		return err
	}
	c.saveResult(ctx, taskID, result)
	return nil
}

// MarkTaskFailed records a task failure; dependents block transitively.
func (c *Coordinator) MarkTaskFailed(ctx context.Context, taskID string, errInfo *scheduler.ErrorInfo) error {
	return c.sched.MarkTaskFailed(ctx, taskID, errInfo)
}

// Publish enqueues a message for asynchronous delivery.
func (c *Coordinator) Publish(msg bus.Message) (bus.Message, error) {
	return c.bus.Publish(msg)
}

// Broadcast fans a message out to every rostered worker except the sender.
func (c *Coordinator) Broadcast(msg bus.Message) ([]bus.Message, error) {
	return c.bus.Broadcast(msg)
}

// Subscribe registers a worker's message handler. The system identity is
// reserved for the core's own result subscriber.
func (c *Coordinator) Subscribe(workerID string, msgTypes []string, handler bus.Handler) error {
	if workerID == bus.System {
		return fmt.Errorf("%w: %q is a reserved subscriber", bus.ErrValidation, bus.System)
	}
	return c.bus.Subscribe(workerID, msgTypes, handler)
}

// SetState writes a shared-state value under the key's advisory lock.
func (c *Coordinator) SetState(ctx context.Context, key string, value any, writerID string) (state.Record, error) {
	return c.state.SetState(ctx, key, value, writerID)
}

// CompareAndSet writes a shared-state value guarded by a base version, with
// optional conflict resolution on divergence.
func (c *Coordinator) CompareAndSet(ctx context.Context, key string, value any, baseVersion int64, writerID string, strategy state.ConflictStrategy) (state.Record, error) {
	return c.state.CompareAndSet(ctx, key, value, baseVersion, writerID, strategy)
}

// GetState returns the most recently observed record for a key.
func (c *Coordinator) GetState(ctx context.Context, key string) (state.Record, error) {
	return c.state.GetState(ctx, key)
}

// GetStateList returns all known shared-state records sorted by key.
func (c *Coordinator) GetStateList() []state.Record {
	return c.state.List()
}

// GetWorkflowStatus summarizes all known workflows in creation order.
func (c *Coordinator) GetWorkflowStatus() []scheduler.WorkflowSnapshot {
	return c.sched.WorkflowStatus()
}

// GetQueueStatus tallies distributed tasks by scheduling state.
func (c *Coordinator) GetQueueStatus() scheduler.QueueSnapshot {
	return c.sched.QueueStatus()
}

// GetMessageStats counts retained messages by type and status.
func (c *Coordinator) GetMessageStats() map[string]map[bus.MessageStatus]int {
	return c.bus.Stats()
}

// GetMessageHistory returns retained messages involving the given worker.
func (c *Coordinator) GetMessageHistory(workerID string) []bus.Message {
	return c.bus.GetHistory(workerID)
}

// GetDeadLetters returns messages that exhausted their retry budget.
func (c *Coordinator) GetDeadLetters() []bus.Message {
	return c.bus.DeadLetters()
}

// PublishProgress implements scheduler.ProgressPublisher: aggregate workflow
// progress lands in shared state so every worker converges on the same view.
func (c *Coordinator) PublishProgress(ctx context.Context, workflowID string, progress scheduler.WorkflowProgress) error {
	key := "workflow/" + workflowID + "/progress"
	_, err := c.state.SetState(ctx, key, progress, bus.System)
	return err
}

// Run drives the three tick loops until the context is cancelled: scheduling,
// message delivery and state reconciliation. Each tick body runs to
// completion; a cancelled context is a clean stop, not an error.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.loop(gctx, orDefault(c.cfg.Scheduler.TickEvery, 250*time.Millisecond), func() {
			c.sched.Tick(gctx)
		})
	})
	g.Go(func() error {
		return c.loop(gctx, orDefault(c.cfg.Bus.DeliverEvery, 100*time.Millisecond), func() {
			c.bus.DeliverTick()
		})
	})
	g.Go(func() error {
		return c.loop(gctx, orDefault(c.cfg.State.ReconcileEvery, 5*time.Second), func() {
			c.state.ReconcileTick(gctx)
		})
	})

	c.log.Info("coordinator running")
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	c.log.Info("coordinator stopped")
	return err
}

// loop runs fn on a fixed interval until the context is cancelled.
func (c *Coordinator) loop(ctx context.Context, every time.Duration, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// Close releases resources the Coordinator owns. The injected store is closed
// here since the resilience wrapper took ownership of it.
func (c *Coordinator) Close() error {
	if c.ownsEvents {
		c.events.Close()
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// handleResult routes a worker's result message into the task graph.
func (c *Coordinator) handleResult(msg bus.Message) {
	payload, ok := msg.Payload.(bus.ResultPayload)
	if !ok {
		c.log.Warn("result message with unexpected payload", "message_id", msg.ID, "from", msg.From)
		return
	}

	ctx := context.Background()
	if payload.Success {
		if err := c.MarkTaskCompleted(ctx, payload.TaskID, payload.Output); err != nil {
			c.log.Warn("failed to record completion", "task_id", payload.TaskID, "error", err.Error())
		}
		return
	}

	errInfo := &scheduler.ErrorInfo{Kind: scheduler.KindExecution, Message: payload.Error}
	if err := c.MarkTaskFailed(ctx, payload.TaskID, errInfo); err != nil {
		c.log.Warn("failed to record failure", "task_id", payload.TaskID, "error", err.Error())
	}
}

// saveWorkflow persists a workflow snapshot. Persistence is best-effort; a
// store failure is logged and does not fail the scheduling operation.
func (c *Coordinator) saveWorkflow(ctx context.Context, wf *scheduler.Workflow, version int64) {
	if c.store == nil {
		return
	}
	err := c.store.SaveWorkflow(ctx, persistence.WorkflowRecord{
		ID:        wf.ID,
		Data:      wf,
		Version:   version,
		Timestamp: time.Now(),
	})
	if err != nil {
		c.log.Warn("failed to persist workflow", "workflow_id", wf.ID, "error", err.Error())
	}
}

// saveResult persists a task result record.
func (c *Coordinator) saveResult(ctx context.Context, taskID string, result any) {
	if c.store == nil {
		return
	}

	workerID := ""
	if task, ok := c.sched.GetTask(taskID); ok {
		workerID = task.AssignedWorker
	}
	err := c.store.SaveResult(ctx, persistence.ResultRecord{
		WorkerID:  workerID,
		TaskID:    taskID,
		Result:    result,
		Timestamp: time.Now(),
	})
	if err != nil {
		c.log.Warn("failed to persist result", "task_id", taskID, "error", err.Error())
	}
}

// orDefault substitutes a fallback for unset durations.
func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
