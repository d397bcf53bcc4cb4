// Package batchtest provides an in-memory batch.Client for tests.
package batchtest

import (
	"batchbridge/internal/batch"
	"context"
	"maps"
	"slices"
	"sync"
)

// Op names accepted by FailNext and Calls.
const (
	OpCreateJob   = "CreateJob"
	OpCreatePool  = "CreatePool"
	OpAddTasks    = "AddTasks"
	OpGetJob      = "GetJob"
	OpGetTaskFile = "GetTaskFile"
	OpDeletePool  = "DeletePool"
	OpPing        = "Ping"
)

// Job is the fake's record of a created job.
type Job struct {
	Spec  batch.JobSpec
	State batch.JobState
	Tasks []batch.TaskSpec
	files map[string]map[string]string
}

// Fake records calls and enforces the service's uniqueness rules.
type Fake struct {
	// OnAddTasks runs after a successful AddTasks, outside the fake's lock.
	OnAddTasks func(jobID string, tasks []batch.TaskSpec)

	mu     sync.Mutex
	jobs   map[string]*Job
	pools  map[string]batch.PoolSpec
	calls  map[string]int
	fail   map[string][]error
	closed int
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		jobs:  make(map[string]*Job),
		pools: make(map[string]batch.PoolSpec),
		calls: make(map[string]int),
		fail:  make(map[string][]error),
	}
}

// FailNext makes the next call of op return err. Multiple calls queue up.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], err)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// CloseCount returns how many times Close was invoked.
func (f *Fake) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Job returns a copy of the recorded job.
func (f *Fake) Job(jobID string) (Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return Job{Spec: j.Spec, State: j.State, Tasks: slices.Clone(j.Tasks)}, true
}

// JobIDs returns the ids of all recorded jobs, sorted.
func (f *Fake) JobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.jobs))
}

// Pool returns the recorded pool.
func (f *Fake) Pool(poolID string) (batch.PoolSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[poolID]
	return p, ok
}

// SetJobState overrides the state of an existing job.
func (f *Fake) SetJobState(jobID string, state batch.JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.State = state
	}
}

// SetTaskFile stores a file as if the task had written it.
func (f *Fake) SetTaskFile(jobID, taskID, name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return
	}
	if j.files[taskID] == nil {
		j.files[taskID] = make(map[string]string)
	}
	j.files[taskID][name] = content
}

// begin counts the call and pops an injected failure. Caller holds f.mu.
func (f *Fake) begin(op string) error {
	f.calls[op]++
	if q := f.fail[op]; len(q) > 0 {
		f.fail[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) CreateJob(ctx context.Context, spec batch.JobSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateJob); err != nil {
		return err
	}
	if j, ok := f.jobs[spec.ID]; ok {
		if j.State == batch.JobCompleted {
			return batch.NewError(batch.CodeJobCompleted, "job %s has completed", spec.ID)
		}
		return batch.NewError(batch.CodeJobExists, "job %s already exists", spec.ID)
	}
	f.jobs[spec.ID] = &Job{Spec: spec, State: batch.JobActive, files: make(map[string]map[string]string)}
	return nil
}

func (f *Fake) CreatePool(ctx context.Context, spec batch.PoolSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreatePool); err != nil {
		return err
	}
	if _, ok := f.pools[spec.ID]; ok {
		return batch.NewError(batch.CodePoolExists, "pool %s already exists", spec.ID)
	}
	f.pools[spec.ID] = spec
	return nil
}

func (f *Fake) AddTasks(ctx context.Context, jobID string, tasks []batch.TaskSpec) error {
	f.mu.Lock()
	if err := f.begin(OpAddTasks); err != nil {
		f.mu.Unlock()
		return err
	}
	j, ok := f.jobs[jobID]
	if !ok {
		f.mu.Unlock()
		return batch.NewError(batch.CodeJobNotFound, "job %s not found", jobID)
	}
	for _, t := range tasks {
		if slices.ContainsFunc(j.Tasks, func(existing batch.TaskSpec) bool { return existing.ID == t.ID }) {
			f.mu.Unlock()
			return batch.NewError(batch.CodeTaskExists, "task %s already exists in job %s", t.ID, jobID)
		}
	}
	j.Tasks = append(j.Tasks, tasks...)
	hook := f.OnAddTasks
	f.mu.Unlock()

	if hook != nil {
		hook(jobID, slices.Clone(tasks))
	}
	return nil
}

func (f *Fake) GetJob(ctx context.Context, jobID string) (*batch.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpGetJob); err != nil {
		return nil, err
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, batch.NewError(batch.CodeJobNotFound, "job %s not found", jobID)
	}
	return &batch.JobInfo{ID: jobID, PoolID: j.Spec.PoolID, State: j.State}, nil
}

func (f *Fake) GetTaskFile(ctx context.Context, jobID, taskID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpGetTaskFile); err != nil {
		return "", err
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return "", batch.NewError(batch.CodeJobNotFound, "job %s not found", jobID)
	}
	if !slices.ContainsFunc(j.Tasks, func(t batch.TaskSpec) bool { return t.ID == taskID }) {
		return "", batch.NewError(batch.CodeTaskNotFound, "task %s not found in job %s", taskID, jobID)
	}
	content, ok := j.files[taskID][name]
	if !ok {
		return "", batch.NewError(batch.CodeFileNotFound, "file %s not found for task %s", name, taskID)
	}
	return content, nil
}

func (f *Fake) DeletePool(ctx context.Context, poolID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpDeletePool); err != nil {
		return err
	}
	if _, ok := f.pools[poolID]; !ok {
		return batch.NewError(batch.CodePoolNotFound, "pool %s not found", poolID)
	}
	delete(f.pools, poolID)
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begin(OpPing)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

var _ batch.Client = (*Fake)(nil)
