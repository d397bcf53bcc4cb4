package docker

import (
	"batchbridge/internal/batch"
	"context"
	"sync"
	"time"
)

type taskStatus string

const (
	taskPending   taskStatus = "pending"
	taskRunning   taskStatus = "running"
	taskCompleted taskStatus = "completed"
)

// taskState is one task and the container that runs it.
type taskState struct {
	spec        batch.TaskSpec
	containerID string
	status      taskStatus
	exitCode    int
}

// jobState holds the runtime state for a single job. Fields below mu are
// guarded by it.
type jobState struct {
	spec        batch.JobSpec
	created     time.Time
	cancelWatch context.CancelFunc

	mu          sync.Mutex
	state       batch.JobState
	completedAt time.Time
	tasks       map[string]*taskState
	order       []string
}

func newJobState(spec batch.JobSpec, created time.Time) *jobState {
	return &jobState{
		spec:    spec,
		created: created,
		state:   batch.JobActive,
		tasks:   make(map[string]*taskState),
	}
}

// add registers tasks without containers. It fails without changes when a
// task id is already taken or the job no longer accepts tasks.
func (js *jobState) add(specs []batch.TaskSpec) error {
	if js.state != batch.JobActive {
		return batch.NewError(batch.CodeJobCompleted, "job %s is %s", js.spec.ID, js.state)
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if _, ok := js.tasks[s.ID]; ok || seen[s.ID] {
			return batch.NewError(batch.CodeTaskExists, "task %s already exists in job %s", s.ID, js.spec.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range specs {
		js.tasks[s.ID] = &taskState{spec: s, status: taskPending}
		js.order = append(js.order, s.ID)
	}
	return nil
}

// remove drops tasks registered by a failed add.
func (js *jobState) remove(ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(js.tasks, id)
		drop[id] = true
	}
	kept := js.order[:0]
	for _, id := range js.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	js.order = kept
}

// runnable returns pending tasks whose dependencies are satisfied, in
// submission order, and marks them running.
func (js *jobState) runnable() []*taskState {
	var ready []*taskState
	for _, id := range js.order {
		t := js.tasks[id]
		if t.status != taskPending || t.containerID == "" || !js.satisfied(t) {
			continue
		}
		t.status = taskRunning
		ready = append(ready, t)
	}
	return ready
}

// satisfied reports whether every dependency of t finished successfully or
// is marked to release its dependents on failure.
func (js *jobState) satisfied(t *taskState) bool {
	for _, dep := range t.spec.DependsOn {
		d, ok := js.tasks[dep]
		if !ok || d.status != taskCompleted {
			return false
		}
		if d.exitCode != 0 && !d.spec.SatisfyDependentsOnFailure {
			return false
		}
	}
	return true
}

// exited records the exit of a task. It returns false for unknown or
// already completed tasks.
func (js *jobState) exited(taskID string, exitCode int) bool {
	t, ok := js.tasks[taskID]
	if !ok || t.status == taskCompleted {
		return false
	}
	t.status = taskCompleted
	t.exitCode = exitCode
	return true
}

// completeIfDone terminates the job when it asked for it and every task
// finished. It reports whether the job transitioned.
func (js *jobState) completeIfDone(now time.Time) bool {
	if js.state != batch.JobActive || js.spec.OnAllTasksComplete != batch.TerminateJob || len(js.tasks) == 0 {
		return false
	}
	for _, t := range js.tasks {
		if t.status != taskCompleted {
			return false
		}
	}
	js.state = batch.JobCompleted
	js.completedAt = now
	return true
}

func (js *jobState) task(taskID string) (taskState, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	t, ok := js.tasks[taskID]
	if !ok {
		return taskState{}, false
	}
	return *t, true
}

func (js *jobState) snapshot() (batch.JobState, time.Time) {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.state, js.completedAt
}

func (js *jobState) containerIDs() []string {
	js.mu.Lock()
	defer js.mu.Unlock()
	ids := make([]string, 0, len(js.tasks))
	for _, id := range js.order {
		if c := js.tasks[id].containerID; c != "" {
			ids = append(ids, c)
		}
	}
	return ids
}

// stateRepo manages job state with thread-safe access.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]*jobState
}

// newStateRepo creates a new state repository.
func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[string]*jobState),
	}
}

// reserve attempts to reserve a job ID slot. Returns a JobExists or
// JobCompleted service error if the id is taken.
// The slot is reserved with nil until commit is called.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, exists := r.jobs[jobID]
	if !exists {
		r.jobs[jobID] = nil
		return nil
	}
	if js != nil {
		if state, _ := js.snapshot(); state.Terminal() {
			return batch.NewError(batch.CodeJobCompleted, "job %s already exists and is completed", jobID)
		}
	}
	return batch.NewError(batch.CodeJobExists, "job %s already exists", jobID)
}

// commit fills in a reserved slot with the actual job state.
func (r *stateRepo) commit(jobID string, js *jobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = js
}

// release removes a job from the repository. Returns the state if it existed.
func (r *stateRepo) release(jobID string) (*jobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, exists := r.jobs[jobID]
	if exists {
		delete(r.jobs, jobID)
	}
	return js, exists
}

// get retrieves a job's state. Returns (nil, true) if reserved but not yet committed.
func (r *stateRepo) get(jobID string) (*jobState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	js, exists := r.jobs[jobID]
	return js, exists
}

// list returns all job IDs and their states.
func (r *stateRepo) list() map[string]*jobState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*jobState, len(r.jobs))
	for id, js := range r.jobs {
		result[id] = js
	}
	return result
}
