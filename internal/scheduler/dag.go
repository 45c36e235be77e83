package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// DAG is the dependency graph of distributed tasks. It is the single owner of
// task mutation: callers receive clones and request transitions by ID.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	order      []string            // Insertion order, used for FIFO tie-breaks
	dependents map[string][]string // taskID -> tasks that depend on it
	clock      func() time.Time
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		clock:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (d *DAG) SetClock(clock func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = clock
}

// AddTask adds a task to the DAG. Returns an error if validation fails or the
// task ID already exists.
func (d *DAG) AddTask(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %q already exists", ErrValidation, task.ID)
	}

	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)

	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	return nil
}

// Validate verifies all dependency references exist and runs a topological
// sort. Returns ordered task IDs or an error if a cycle is detected.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for taskID, task := range d.tasks {
		for _, depID := range task.DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, task := range d.tasks {
		if len(task.DependsOn) == 0 {
			// Edge from nil keeps dependency-free tasks in the sort
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range task.DependsOn {
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for taskID := range d.tasks {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// ready reports whether every dependency of task is Completed.
// Caller must hold at least a read lock.
func (d *DAG) ready(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := d.tasks[depID]
		if !exists || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Ready returns all Pending tasks whose dependencies are all Completed, in
// insertion order.
func (d *DAG) Ready() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Task
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status == TaskPending && d.ready(task) {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

// NextReady returns the highest-priority ready task, breaking priority ties by
// insertion order. Returns nil when nothing is ready.
func (d *DAG) NextReady() *Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best *Task
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status != TaskPending || !d.ready(task) {
			continue
		}
		// Strict > keeps the first-seen task on ties
		if best == nil || task.Priority > best.Priority {
			best = task
		}
	}
	return cloneTask(best)
}

// MarkInProgress records assignment of a task to a worker and starts it.
func (d *DAG) MarkInProgress(taskID, workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskPending {
		return fmt.Errorf("task %q is %s, cannot start", taskID, task.Status)
	}

	task.Status = TaskInProgress
	task.AssignedWorker = workerID
	task.StartedAt = d.clock()
	return nil
}

// SetProgress updates an in-progress task's progress. Progress is clamped to
// 0-100 and never moves backwards.
func (d *DAG) SetProgress(taskID string, progress int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskInProgress {
		return fmt.Errorf("task %q is %s, cannot report progress", taskID, task.Status)
	}

	if progress > 100 {
		progress = 100
	}
	if progress > task.Progress {
		task.Progress = progress
	}
	return nil
}

// MarkCompleted sets a task to Completed and returns the IDs of dependents
// that became ready as a result, in insertion order. Completing an already
// Completed task returns ErrAlreadyCompleted so callers never double-count.
// A Pending task may complete directly (results can arrive for work the
// scheduler never formally started).
func (d *DAG) MarkCompleted(taskID string, result any) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch task.Status {
	case TaskCompleted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, taskID)
	case TaskFailed, TaskBlocked:
		return nil, fmt.Errorf("task %q is %s, cannot complete", taskID, task.Status)
	}

	task.Status = TaskCompleted
	task.Progress = 100
	task.Result = result
	task.CompletedAt = d.clock()

	// Collect dependents that this completion unblocked
	var newlyReady []string
	for _, id := range d.order {
		dep := d.tasks[id]
		if dep.Status != TaskPending || !dependsOn(dep, taskID) {
			continue
		}
		if d.ready(dep) {
			newlyReady = append(newlyReady, id)
		}
	}
	return newlyReady, nil
}

// MarkFailed sets a task to Failed and blocks its dependents transitively.
// Returns the IDs of tasks that became Blocked, in insertion order.
func (d *DAG) MarkFailed(taskID string, errInfo *ErrorInfo) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status == TaskCompleted {
		return nil, fmt.Errorf("task %q already completed, cannot fail", taskID)
	}
	if task.Status == TaskFailed {
		return nil, nil // Idempotent
	}

	task.Status = TaskFailed
	task.Err = errInfo
	task.CompletedAt = d.clock()

	return d.blockDependents(taskID), nil
}

// blockDependents marks every transitive dependent of taskID as Blocked.
// Caller must hold the write lock. Returns blocked IDs in insertion order.
func (d *DAG) blockDependents(taskID string) []string {
	blocked := make(map[string]bool)
	frontier := []string{taskID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, depID := range d.dependents[id] {
			dep := d.tasks[depID]
			if blocked[depID] || dep.Status.Terminal() || dep.Status == TaskBlocked {
				continue
			}
			dep.Status = TaskBlocked
			dep.Err = &ErrorInfo{Kind: KindDependencyBlocked, Message: fmt.Sprintf("dependency %s failed", taskID)}
			blocked[depID] = true
			frontier = append(frontier, depID)
		}
	}

	var out []string
	for _, id := range d.order {
		if blocked[id] {
			out = append(out, id)
		}
	}
	return out
}

// Reassign returns a Blocked, Pending or InProgress task to Pending with no
// assigned worker, so the next scheduling tick can pick a new candidate.
func (d *DAG) Reassign(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %q is %s, cannot reassign", taskID, task.Status)
	}

	task.Status = TaskPending
	task.AssignedWorker = ""
	task.Progress = 0
	task.StartedAt = time.Time{}
	task.Err = nil
	return nil
}

// Remove purges a task from the graph. Only terminal tasks may be removed.
func (d *DAG) Remove(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("task %q is %s, cannot purge", taskID, task.Status)
	}

	delete(d.tasks, taskID)
	for i, id := range d.order {
		if id == taskID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	delete(d.dependents, taskID)
	return nil
}

// Get returns a task clone by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns clones of all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// Counts tallies tasks by status.
func (d *DAG) Counts() map[TaskStatus]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, task := range d.tasks {
		counts[task.Status]++
	}
	return counts
}

func dependsOn(task *Task, depID string) bool {
	for _, id := range task.DependsOn {
		if id == depID {
			return true
		}
	}
	return false
}
