package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentforge/coordinator/internal/bus"
	"github.com/agentforge/coordinator/internal/config"
	"github.com/agentforge/coordinator/internal/events"
	"github.com/agentforge/coordinator/internal/worker"
)

type recordingPublisher struct {
	mu    sync.Mutex
	calls []WorkflowProgress
}

func (r *recordingPublisher) PublishProgress(_ context.Context, _ string, p WorkflowProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
	return nil
}

func (r *recordingPublisher) last() (WorkflowProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return WorkflowProgress{}, false
	}
	return r.calls[len(r.calls)-1], true
}

type harness struct {
	sched    *Scheduler
	bus      *bus.MessageBus
	roster   *worker.StaticRoster
	progress *recordingPublisher

	mu          sync.Mutex
	assignments map[string][]bus.AssignmentPayload // workerID -> delivered assignments
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	roster := worker.NewStaticRoster(
		worker.Descriptor{ID: "w-leader", Role: "leader", Status: worker.StatusIdle},
		worker.Descriptor{ID: "w-researcher", Role: "researcher", Status: worker.StatusIdle},
		worker.Descriptor{ID: "w-coder", Role: "coder", Status: worker.StatusIdle},
		worker.Descriptor{ID: "w-reviewer", Role: "reviewer", Status: worker.StatusIdle},
	)

	mb := bus.New(config.BusConfig{
		RetryLimit:     3,
		BaseRetryDelay: time.Millisecond,
		HistoryMaxAge:  time.Hour,
	}, nil, nil)

	h := &harness{
		bus:         mb,
		roster:      roster,
		progress:    &recordingPublisher{},
		assignments: make(map[string][]bus.AssignmentPayload),
	}

	for _, id := range roster.IDs() {
		workerID := id
		err := mb.Subscribe(workerID, []string{bus.TypeAssignment}, func(msg bus.Message) {
			payload, ok := msg.Payload.(bus.AssignmentPayload)
			if !ok {
				t.Errorf("worker %s got non-assignment payload %T", workerID, msg.Payload)
				return
			}
			h.mu.Lock()
			h.assignments[workerID] = append(h.assignments[workerID], payload)
			h.mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe(%s): %v", workerID, err)
		}
	}

	h.sched = New(config.SchedulerConfig{Retention: time.Hour}, testCatalog(), mb, events.NewEventBus(), roster, nil)
	h.sched.SetProgressPublisher(h.progress)
	return h
}

// step runs one scheduling pass followed by one delivery pass.
func (h *harness) step(ctx context.Context) {
	h.sched.Tick(ctx)
	h.bus.DeliverTick()
}

func (h *harness) delivered(workerID string) []bus.AssignmentPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bus.AssignmentPayload(nil), h.assignments[workerID]...)
}

// TestSchedulerRunsWorkflowToCompletion drives a software workflow through
// assignment and completion: both roots assign in the first pass, the join
// task only after both roots complete, and the workflow settles at 100%.
func TestSchedulerRunsWorkflowToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	wf, err := h.sched.CreateExecutionPlan("requester", "ship it", "software")
	if err != nil {
		t.Fatalf("CreateExecutionPlan: %v", err)
	}
	tasks, err := h.sched.DistributeTasks(wf.ID)
	if err != nil {
		t.Fatalf("DistributeTasks: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("distributed %d tasks, want 4", len(tasks))
	}
	planning, research, impl, review := tasks[0], tasks[1], tasks[2], tasks[3]

	h.step(ctx)

	// Both roots went to their preferred-role workers
	if got := h.delivered("w-leader"); len(got) != 1 || got[0].TaskID != planning.ID {
		t.Fatalf("leader assignments = %v, want [%s]", got, planning.ID)
	}
	if got := h.delivered("w-researcher"); len(got) != 1 || got[0].TaskID != research.ID {
		t.Fatalf("researcher assignments = %v, want [%s]", got, research.ID)
	}
	// The join task must not be assigned yet
	if got := h.delivered("w-coder"); len(got) != 0 {
		t.Fatalf("coder assigned before dependencies completed: %v", got)
	}

	if err := h.sched.MarkTaskCompleted(ctx, planning.ID, "plan"); err != nil {
		t.Fatal(err)
	}
	h.step(ctx)
	if got := h.delivered("w-coder"); len(got) != 0 {
		t.Fatalf("coder assigned with research incomplete: %v", got)
	}

	if err := h.sched.MarkTaskCompleted(ctx, research.ID, "notes"); err != nil {
		t.Fatal(err)
	}
	h.step(ctx)
	if got := h.delivered("w-coder"); len(got) != 1 || got[0].TaskID != impl.ID {
		t.Fatalf("coder assignments = %v, want [%s]", got, impl.ID)
	}

	if err := h.sched.MarkTaskCompleted(ctx, impl.ID, "code"); err != nil {
		t.Fatal(err)
	}
	h.step(ctx)
	if got := h.delivered("w-reviewer"); len(got) != 1 || got[0].TaskID != review.ID {
		t.Fatalf("reviewer assignments = %v, want [%s]", got, review.ID)
	}

	if err := h.sched.MarkTaskCompleted(ctx, review.ID, "lgtm"); err != nil {
		t.Fatal(err)
	}

	snaps := h.sched.WorkflowStatus()
	if len(snaps) != 1 {
		t.Fatalf("workflow snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].Status != WorkflowCompleted {
		t.Errorf("workflow status = %s, want completed", snaps[0].Status)
	}
	if snaps[0].Progress.Percent != 100 {
		t.Errorf("workflow percent = %d, want 100", snaps[0].Progress.Percent)
	}

	if last, ok := h.progress.last(); !ok || last.Completed != 4 {
		t.Errorf("last published progress = %+v, want 4 completed", last)
	}
}

func TestSchedulerFailureBlocksAndSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	wf, err := h.sched.CreateExecutionPlan("requester", "doomed goal", "software")
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := h.sched.DistributeTasks(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	planning, research := tasks[0], tasks[1]

	h.step(ctx)

	if err := h.sched.MarkTaskCompleted(ctx, research.ID, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.MarkTaskFailed(ctx, planning.ID, &ErrorInfo{Kind: KindExecution, Message: "tool crash"}); err != nil {
		t.Fatal(err)
	}

	// implementation and review block transitively; workflow settles
	queue := h.sched.QueueStatus()
	if queue.Blocked != 2 || queue.Failed != 1 || queue.Completed != 1 {
		t.Errorf("queue = %+v, want 2 blocked, 1 failed, 1 completed", queue)
	}

	snaps := h.sched.WorkflowStatus()
	if snaps[0].Status != WorkflowCompleted {
		t.Errorf("workflow status = %s, want completed (settled)", snaps[0].Status)
	}
}

func TestSchedulerCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	wf, _ := h.sched.CreateExecutionPlan("requester", "goal", "general")
	tasks, err := h.sched.DistributeTasks(wf.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.sched.Cancel(ctx, tasks[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	task, _ := h.sched.GetTask(tasks[0].ID)
	if task.Status != TaskFailed || task.Err == nil || task.Err.Kind != KindCancelled {
		t.Errorf("cancelled task = %+v, want failed with cancelled kind", task)
	}
}

func TestSchedulerReassignAfterOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	wf, _ := h.sched.CreateExecutionPlan("requester", "goal", "general")
	tasks, err := h.sched.DistributeTasks(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	root := tasks[0]

	h.step(ctx)
	assigned, _ := h.sched.GetTask(root.ID)
	if assigned.Status != TaskInProgress || assigned.AssignedWorker != "w-leader" {
		t.Fatalf("root = %+v, want in_progress on w-leader", assigned)
	}

	// The worker goes away; the task returns to the pool and a new candidate
	// picks it up on the next pass
	h.roster.SetStatus("w-leader", worker.StatusOffline)
	if err := h.sched.Reassign(root.ID); err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	h.step(ctx)
	reassigned, _ := h.sched.GetTask(root.ID)
	if reassigned.Status != TaskInProgress {
		t.Fatalf("root status = %s, want in_progress", reassigned.Status)
	}
	if reassigned.AssignedWorker == "w-leader" || reassigned.AssignedWorker == "" {
		t.Errorf("reassigned worker = %q, want a different online worker", reassigned.AssignedWorker)
	}
}

func TestSchedulerNoCandidateLeavesTaskPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, id := range h.roster.IDs() {
		h.roster.SetStatus(id, worker.StatusOffline)
	}

	wf, _ := h.sched.CreateExecutionPlan("requester", "goal", "general")
	tasks, err := h.sched.DistributeTasks(wf.ID)
	if err != nil {
		t.Fatal(err)
	}

	h.step(ctx)
	task, _ := h.sched.GetTask(tasks[0].ID)
	if task.Status != TaskPending {
		t.Errorf("task status = %s, want pending while no candidate scores above zero", task.Status)
	}
}

func TestDistributeTasksTwice(t *testing.T) {
	h := newHarness(t)

	wf, _ := h.sched.CreateExecutionPlan("requester", "goal", "general")
	if _, err := h.sched.DistributeTasks(wf.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sched.DistributeTasks(wf.ID); err == nil {
		t.Error("second DistributeTasks succeeded, want error")
	}

	if _, err := h.sched.DistributeTasks("no-such-workflow"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("unknown workflow: got %v, want ErrWorkflowNotFound", err)
	}
}

func TestSchedulerPurgesExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	now := time.Now()
	h.sched.SetClock(func() time.Time { return now })

	wf, _ := h.sched.CreateExecutionPlan("requester", "goal", "general")
	tasks, err := h.sched.DistributeTasks(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if err := h.sched.MarkTaskCompleted(ctx, task.ID, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Jump past the retention window; the next tick purges
	now = now.Add(2 * time.Hour)
	h.sched.Tick(ctx)

	if snaps := h.sched.WorkflowStatus(); len(snaps) != 0 {
		t.Errorf("workflows after purge = %d, want 0", len(snaps))
	}
	if queue := h.sched.QueueStatus(); queue.Completed != 0 {
		t.Errorf("completed tasks after purge = %d, want 0", queue.Completed)
	}
}
