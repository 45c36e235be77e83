package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentforge/coordinator/internal/bus"
	"github.com/agentforge/coordinator/internal/config"
	"github.com/agentforge/coordinator/internal/events"
	"github.com/agentforge/coordinator/internal/logging"
	"github.com/agentforge/coordinator/internal/worker"
)

// WorkflowProgress is the aggregate view of one workflow's tasks.
type WorkflowProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
	Pending    int `json:"pending"`
	Percent    int `json:"percent"`
}

// ProgressPublisher receives aggregate progress after every task transition.
// The coordinator implements it on top of the state synchronizer so all
// subscribed workers converge on the same view.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, workflowID string, progress WorkflowProgress) error
}

// WorkflowSnapshot summarizes one workflow for introspection.
type WorkflowSnapshot struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	Status      WorkflowStatus   `json:"status"`
	Progress    WorkflowProgress `json:"progress"`
}

// QueueSnapshot tallies distributed tasks by scheduling state.
type QueueSnapshot struct {
	Ready      int `json:"ready"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

// Scheduler decomposes goals into task graphs, assigns ready tasks to capable
// workers over the message bus, and propagates completion and failure through
// the graph. One Scheduler owns one task graph; multiple independent instances
// can coexist in a process.
type Scheduler struct {
	mu        sync.Mutex
	cfg       config.SchedulerConfig
	dec       *Decomposer
	dag       *DAG
	bus       *bus.MessageBus
	events    *events.EventBus
	roster    worker.Roster
	progress  ProgressPublisher
	log       *logging.Logger
	clock     func() time.Time
	workflows map[string]*Workflow
	wfOrder   []string
	taskToWF  map[string]string
}

// New creates a Scheduler. ev and progress may be nil; mb and roster are
// required for assignment to happen.
func New(cfg config.SchedulerConfig, catalog config.PhaseCatalog, mb *bus.MessageBus, ev *events.EventBus, roster worker.Roster, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Discard()
	}
	return &Scheduler{
		cfg:       cfg,
		dec:       NewDecomposer(catalog),
		dag:       NewDAG(),
		bus:       mb,
		events:    ev,
		roster:    roster,
		log:       log.WithSubsystem("scheduler"),
		clock:     time.Now,
		workflows: make(map[string]*Workflow),
		taskToWF:  make(map[string]string),
	}
}

// SetProgressPublisher wires the aggregate progress sink.
func (s *Scheduler) SetProgressPublisher(p ProgressPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = p
}

// SetClock overrides the time source for the scheduler and its graph. Tests only.
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	s.dag.SetClock(clock)
	s.dec.SetClock(clock)
}

// Decomposer exposes the underlying decomposer for ID/clock injection in tests.
func (s *Scheduler) Decomposer() *Decomposer { return s.dec }

// CreateExecutionPlan decomposes a goal into a workflow. The workflow is
// retained but its tasks enter the graph only on DistributeTasks.
func (s *Scheduler) CreateExecutionPlan(requesterID, goal, category string) (*Workflow, error) {
	wf, err := s.dec.Decompose(requesterID, goal, category)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = wf
	s.wfOrder = append(s.wfOrder, wf.ID)

	s.log.Info("execution plan created",
		"workflow_id", wf.ID,
		"requester", requesterID,
		"category", wf.Category,
		"tasks", len(wf.Tasks),
	)
	return cloneWorkflow(wf), nil
}

// DistributeTasks moves a created workflow's tasks into the task graph, making
// them eligible for scheduling. Returns the distributed tasks in plan order.
func (s *Scheduler) DistributeTasks(workflowID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if wf.Status != WorkflowCreated {
		return nil, fmt.Errorf("workflow %q is %s, already distributed", workflowID, wf.Status)
	}

	for _, task := range wf.Tasks {
		if err := s.dag.AddTask(task); err != nil {
			return nil, fmt.Errorf("distributing workflow %q: %w", workflowID, err)
		}
		s.taskToWF[task.ID] = workflowID
	}
	if _, err := s.dag.Validate(); err != nil {
		return nil, fmt.Errorf("distributing workflow %q: %w", workflowID, err)
	}

	wf.Status = WorkflowInProgress
	wf.StartedAt = s.clock()

	// Root tasks are ready immediately
	for _, task := range wf.Tasks {
		if len(task.DependsOn) == 0 {
			s.emitReady(task)
		}
	}

	out := make([]*Task, len(wf.Tasks))
	for i, task := range wf.Tasks {
		out[i] = cloneTask(task)
	}
	return out, nil
}

// NextReadyTask returns the highest-priority task whose dependencies are all
// completed, or nil. Priority ties break in insertion (FIFO) order.
func (s *Scheduler) NextReadyTask() *Task {
	return s.dag.NextReady()
}

// Tick runs one scheduling pass: purge expired records, then assign every
// ready task that has a scoring candidate. Never blocks on delivery; the bus
// tick does the actual handoff.
func (s *Scheduler) Tick(ctx context.Context) {
	s.purgeExpired()
	s.assignReady(ctx)
}

// assignReady assigns ready tasks to the best-scoring workers and announces
// each assignment on the bus. Tasks with no candidate above zero stay pending
// for the next tick.
func (s *Scheduler) assignReady(ctx context.Context) {
	if s.bus == nil || s.roster == nil {
		return
	}

	ready := s.dag.Ready()
	// Highest priority first; stable sort keeps FIFO order inside a priority
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})

	candidates := s.roster.Workers()
	for _, task := range ready {
		if ctx.Err() != nil {
			return
		}

		cand, score, ok := SelectWorker(task, candidates)
		if !ok {
			s.log.Debug("no candidate for task", "task_id", task.ID, "type", task.Type)
			continue
		}

		if err := s.dag.MarkInProgress(task.ID, cand.ID); err != nil {
			s.log.Warn("failed to start task", "task_id", task.ID, "error", err.Error())
			continue
		}

		if _, err := s.bus.Publish(bus.Message{
			Type:     bus.TypeAssignment,
			From:     bus.System,
			To:       cand.ID,
			Priority: task.Priority,
			Payload: bus.AssignmentPayload{
				TaskID:            task.ID,
				TaskType:          task.Type,
				Description:       task.Description,
				Priority:          task.Priority,
				Complexity:        string(task.Complexity),
				EstimatedDuration: task.EstimatedDuration,
			},
		}); err != nil {
			// Assignment could not even enqueue; put the task back
			_ = s.dag.Reassign(task.ID)
			s.log.Error("failed to announce assignment", "task_id", task.ID, "error", err.Error())
			continue
		}

		s.log.Info("task assigned", "task_id", task.ID, "worker_id", cand.ID, "score", score)
		if s.events != nil {
			s.events.Publish(events.TopicTask, events.TaskAssignedEvent{
				ID:        task.ID,
				WorkerID:  cand.ID,
				Score:     score,
				Timestamp: s.now(),
			})
		}
	}
}

// MarkTaskCompleted records a successful result, unblocks dependents and
// publishes updated aggregate progress. A second completion of the same task
// returns ErrAlreadyCompleted and has no effect on aggregates.
func (s *Scheduler) MarkTaskCompleted(ctx context.Context, taskID string, result any) error {
	newlyReady, err := s.dag.MarkCompleted(taskID, result)
	if err != nil {
		return err
	}

	task, _ := s.dag.Get(taskID)
	s.log.Info("task completed", "task_id", taskID, "worker_id", task.AssignedWorker)
	if s.events != nil {
		duration := task.CompletedAt.Sub(task.StartedAt)
		if task.StartedAt.IsZero() {
			duration = 0
		}
		s.events.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        taskID,
			WorkerID:  task.AssignedWorker,
			Duration:  duration,
			Timestamp: task.CompletedAt,
		})
	}

	for _, id := range newlyReady {
		if ready, ok := s.dag.Get(id); ok {
			s.emitReady(ready)
		}
	}

	s.afterTransition(ctx, taskID)
	return nil
}

// MarkTaskFailed records a task failure and blocks dependents transitively.
// Dependents surface as Blocked status, never as errors, so independent
// branches keep making progress. The scheduler does not retry failed tasks.
func (s *Scheduler) MarkTaskFailed(ctx context.Context, taskID string, errInfo *ErrorInfo) error {
	if errInfo == nil {
		errInfo = &ErrorInfo{Kind: KindExecution, Message: "unspecified failure"}
	}

	blocked, err := s.dag.MarkFailed(taskID, errInfo)
	if err != nil {
		return err
	}

	task, _ := s.dag.Get(taskID)
	s.log.Warn("task failed", "task_id", taskID, "kind", string(errInfo.Kind), "message", errInfo.Message)
	if s.events != nil {
		s.events.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        taskID,
			WorkerID:  task.AssignedWorker,
			Kind:      string(errInfo.Kind),
			Message:   errInfo.Message,
			Timestamp: task.CompletedAt,
		})
		for _, id := range blocked {
			s.events.Publish(events.TopicTask, events.TaskBlockedEvent{
				ID:           id,
				DependencyID: taskID,
				Timestamp:    s.now(),
			})
		}
	}

	s.afterTransition(ctx, taskID)
	return nil
}

// Cancel cooperatively cancels a task: it is marked Failed with a Cancelled
// error kind and its dependents block as for any failure.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	return s.MarkTaskFailed(ctx, taskID, &ErrorInfo{Kind: KindCancelled, Message: "cancelled by caller"})
}

// Reassign returns a blocked or assigned task to the pending pool so the next
// tick can pick a new worker. Used when a worker is reported offline.
func (s *Scheduler) Reassign(taskID string) error {
	if err := s.dag.Reassign(taskID); err != nil {
		return err
	}
	s.log.Info("task queued for reassignment", "task_id", taskID)
	return nil
}

// SetTaskProgress relays a worker progress report into the graph.
func (s *Scheduler) SetTaskProgress(taskID string, progress int) error {
	return s.dag.SetProgress(taskID, progress)
}

// GetTask returns a clone of the task with the given ID.
func (s *Scheduler) GetTask(taskID string) (*Task, bool) {
	return s.dag.Get(taskID)
}

// WorkflowForTask returns a snapshot of the workflow owning the given task.
func (s *Scheduler) WorkflowForTask(taskID string) (*Workflow, bool) {
	s.mu.Lock()
	wfID, ok := s.taskToWF[taskID]
	wf := s.workflows[wfID]
	s.mu.Unlock()

	if !ok || wf == nil {
		return nil, false
	}

	// Task state lives in the graph once distributed; snapshot through it so
	// each copy is taken under the graph's lock.
	snap := *wf
	snap.Tasks = make([]*Task, len(wf.Tasks))
	for i, t := range wf.Tasks {
		if current, ok := s.dag.Get(t.ID); ok {
			snap.Tasks[i] = current
		} else {
			snap.Tasks[i] = cloneTask(t)
		}
	}
	return &snap, true
}

// WorkflowStatus summarizes all known workflows in creation order.
func (s *Scheduler) WorkflowStatus() []WorkflowSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkflowSnapshot, 0, len(s.wfOrder))
	for _, id := range s.wfOrder {
		wf := s.workflows[id]
		out = append(out, WorkflowSnapshot{
			ID:          wf.ID,
			Description: wf.Description,
			Status:      wf.Status,
			Progress:    s.workflowProgress(wf),
		})
	}
	return out
}

// QueueStatus tallies all distributed tasks by scheduling state.
func (s *Scheduler) QueueStatus() QueueSnapshot {
	counts := s.dag.Counts()
	ready := len(s.dag.Ready())
	return QueueSnapshot{
		Ready:      ready,
		Pending:    counts[TaskPending],
		InProgress: counts[TaskInProgress],
		Completed:  counts[TaskCompleted],
		Failed:     counts[TaskFailed],
		Blocked:    counts[TaskBlocked],
	}
}

// afterTransition updates workflow bookkeeping and publishes aggregate
// progress after a task reached a terminal state.
func (s *Scheduler) afterTransition(ctx context.Context, taskID string) {
	s.mu.Lock()
	wfID, ok := s.taskToWF[taskID]
	wf := s.workflows[wfID]
	if !ok || wf == nil {
		s.mu.Unlock()
		return
	}

	progress := s.workflowProgress(wf)
	settled := progress.Completed+progress.Failed+progress.Blocked == progress.Total

	var completedEvent *events.WorkflowCompletedEvent
	if settled && wf.Status != WorkflowCompleted {
		wf.Status = WorkflowCompleted
		wf.CompletedAt = s.clock()
		completedEvent = &events.WorkflowCompletedEvent{
			WorkflowID: wf.ID,
			Succeeded:  progress.Completed == progress.Total,
			Timestamp:  wf.CompletedAt,
		}
	}
	progressPub := s.progress
	s.mu.Unlock()

	if s.events != nil {
		s.events.Publish(events.TopicWorkflow, events.WorkflowProgressEvent{
			WorkflowID: wfID,
			Total:      progress.Total,
			Completed:  progress.Completed,
			InProgress: progress.InProgress,
			Failed:     progress.Failed,
			Blocked:    progress.Blocked,
			Pending:    progress.Pending,
			Timestamp:  s.now(),
		})
		if completedEvent != nil {
			s.events.Publish(events.TopicWorkflow, *completedEvent)
		}
	}

	if progressPub != nil {
		if err := progressPub.PublishProgress(ctx, wfID, progress); err != nil {
			s.log.Warn("failed to publish aggregate progress", "workflow_id", wfID, "error", err.Error())
		}
	}
}

// workflowProgress computes aggregate progress from the live graph.
// Caller must hold s.mu.
func (s *Scheduler) workflowProgress(wf *Workflow) WorkflowProgress {
	p := WorkflowProgress{Total: len(wf.Tasks)}
	for _, t := range wf.Tasks {
		current, ok := s.dag.Get(t.ID)
		if !ok {
			current = t // Not yet distributed or already purged
		}
		switch current.Status {
		case TaskCompleted:
			p.Completed++
		case TaskInProgress:
			p.InProgress++
		case TaskFailed:
			p.Failed++
		case TaskBlocked:
			p.Blocked++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percent = p.Completed * 100 / p.Total
	}
	return p
}

// purgeExpired removes terminal tasks and completed workflows past the
// retention window.
func (s *Scheduler) purgeExpired() {
	if s.cfg.Retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.cfg.Retention)

	for _, task := range s.dag.Tasks() {
		if task.Status.Terminal() && !task.CompletedAt.IsZero() && task.CompletedAt.Before(cutoff) {
			if err := s.dag.Remove(task.ID); err == nil {
				s.mu.Lock()
				delete(s.taskToWF, task.ID)
				s.mu.Unlock()
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.wfOrder[:0]
	for _, id := range s.wfOrder {
		wf := s.workflows[id]
		if wf.Status == WorkflowCompleted && !wf.CompletedAt.IsZero() && wf.CompletedAt.Before(cutoff) {
			delete(s.workflows, id)
			continue
		}
		kept = append(kept, id)
	}
	s.wfOrder = kept
}

// emitReady publishes a task-ready event.
func (s *Scheduler) emitReady(task *Task) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.TopicTask, events.TaskReadyEvent{
		ID:        task.ID,
		Type:      task.Type,
		Priority:  task.Priority,
		Timestamp: s.now(),
	})
}

// now reads the clock without assuming the caller holds s.mu.
func (s *Scheduler) now() time.Time {
	return s.clock()
}
