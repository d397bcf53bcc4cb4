package coordinator

import (
	"batchbridge/internal/durable"
	"sync"
)

// Phase is the coordination state of one batch job.
type Phase string

const (
	PhaseSubmitting         Phase = "Submitting"
	PhaseAwaitingCompletion Phase = "AwaitingCompletion"
	PhaseCompleted          Phase = "Completed"
	PhaseFailed             Phase = "Failed"
)

func (p Phase) rank() int {
	switch p {
	case PhaseSubmitting:
		return 0
	case PhaseAwaitingCompletion:
		return 1
	default:
		return 2
	}
}

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// JobProgress is the published state of one job.
type JobProgress struct {
	Job   string `json:"job"`
	Phase Phase  `json:"phase"`
	Error string `json:"error,omitempty"`
}

// Tracker records the phase of every job an orchestration coordinates and
// publishes it as the instance's custom status. Phases only move forward;
// a terminal phase is never left.
type Tracker struct {
	oc    durable.OrchestrationContext
	mu    sync.Mutex
	jobs  []JobProgress
	index map[string]int

	pubMu sync.Mutex
}

// NewTracker starts tracking jobs in the Submitting phase.
func NewTracker(oc durable.OrchestrationContext, jobs ...string) *Tracker {
	t := &Tracker{
		oc:    oc,
		jobs:  make([]JobProgress, len(jobs)),
		index: make(map[string]int, len(jobs)),
	}
	for i, j := range jobs {
		t.jobs[i] = JobProgress{Job: j, Phase: PhaseSubmitting}
		t.index[j] = i
	}
	t.publish()
	return t
}

// Advance moves job to phase. It reports false when the job is unknown or the
// move would go backwards or leave a terminal phase.
func (t *Tracker) Advance(job string, phase Phase) bool {
	return t.set(job, phase, "")
}

// Fail moves job to PhaseFailed, recording err.
func (t *Tracker) Fail(job string, err error) bool {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return t.set(job, PhaseFailed, msg)
}

func (t *Tracker) set(job string, phase Phase, errMsg string) bool {
	t.mu.Lock()
	i, ok := t.index[job]
	if !ok || t.jobs[i].Phase.Terminal() || phase.rank() <= t.jobs[i].Phase.rank() {
		t.mu.Unlock()
		return false
	}
	t.jobs[i].Phase = phase
	t.jobs[i].Error = errMsg
	t.mu.Unlock()

	t.publish()
	return true
}

// Snapshot returns the phases in tracking order.
func (t *Tracker) Snapshot() []JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JobProgress, len(t.jobs))
	copy(out, t.jobs)
	return out
}

// publish serialises status updates so the last one published carries the latest state.
func (t *Tracker) publish() {
	if t.oc == nil {
		return
	}
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	t.oc.SetCustomStatus(t.Snapshot())
}
