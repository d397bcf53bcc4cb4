// Package batchjob defines the job description submitted by orchestrations,
// the deterministic naming of jobs and completion events, and the precedence
// rules that resolve pool settings from per-call values and configured defaults.
package batchjob

import "batchbridge/internal/batch"

// SignalTaskID is the reserved id of the task that reports job completion.
const SignalTaskID = "completion-signal"

// Job is a request to run a set of tasks on the batch service.
//
// Pool fields are per-call overrides: empty strings and nil pointers fall
// back to the activity binding and then to the configured defaults.
type Job struct {
	// ID is the caller's job id. When InstanceID is set the effective id is
	// namespaced by the instance, see JobID.
	ID string `json:"id,omitempty" validate:"omitempty,batchid"`
	// InstanceID links the job to an orchestration instance. When set, a
	// completion-signal task is appended to the job.
	InstanceID string `json:"instanceId,omitempty"`

	PoolID                   string                `json:"poolId,omitempty" validate:"omitempty,batchid"`
	PoolVMSize               string                `json:"poolVmSize,omitempty"`
	PoolNodeCount            *int                  `json:"poolNodeCount,omitempty" validate:"omitempty,min=0"`
	PoolLowPriorityNodeCount *int                  `json:"poolLowPriorityNodeCount,omitempty" validate:"omitempty,min=0"`
	ImageReference           *batch.ImageReference `json:"imageReference,omitempty"`
	NodeAgentSKUID           string                `json:"nodeAgentSkuId,omitempty"`

	Tasks []Task `json:"tasks" validate:"required,min=1,max=1000,dive"`
}

// Task is a single command line to run within a job.
type Task struct {
	ID          string `json:"id" validate:"required,batchid"`
	CommandLine string `json:"commandLine" validate:"required,max=8192"`
}

// EffectiveID returns the id the job is created under on the batch service.
func (j Job) EffectiveID() string {
	return JobID(j.InstanceID, j.ID)
}

// Linked reports whether the job signals an orchestration instance on completion.
func (j Job) Linked() bool {
	return j.InstanceID != ""
}

// TaskIDs returns the ids of the job's tasks in submission order.
func (j Job) TaskIDs() []string {
	ids := make([]string, len(j.Tasks))
	for i, t := range j.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Defaults holds pool settings applied when a job does not set them.
// The same shape serves as the per-activity binding and the service-wide defaults.
type Defaults struct {
	PoolID                   string               `yaml:"poolId"`
	PoolVMSize               string               `yaml:"poolVmSize"`
	PoolNodeCount            int                  `yaml:"poolNodeCount"`
	PoolLowPriorityNodeCount int                  `yaml:"poolLowPriorityNodeCount"`
	ImageReference           batch.ImageReference `yaml:"imageReference"`
	NodeAgentSKUID           string               `yaml:"nodeAgentSkuId"`
}
