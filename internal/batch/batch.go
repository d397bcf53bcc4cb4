// Package batch defines the batch compute service the bridge submits work to.
//
// A batch service runs command-line tasks grouped into jobs on pools of worker
// nodes. Implementations live in subpackages (azure for the managed service,
// docker for a local emulator). The bridge only depends on the Client interface.
package batch

import (
	"context"
	"time"
)

// StdoutFile is the per-task file holding the task's standard output.
const StdoutFile = "stdout.txt"

// OnAllTasksComplete is the action the service takes once every task of a job finished.
type OnAllTasksComplete string

const (
	NoAction     OnAllTasksComplete = "noaction"
	TerminateJob OnAllTasksComplete = "terminatejob"
)

// JobState is the service-managed lifecycle state of a job.
type JobState string

const (
	JobActive      JobState = "active"
	JobDisabling   JobState = "disabling"
	JobDisabled    JobState = "disabled"
	JobEnabling    JobState = "enabling"
	JobTerminating JobState = "terminating"
	JobCompleted   JobState = "completed"
	JobDeleting    JobState = "deleting"
)

// Terminal reports whether no further task of the job will run.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobDeleting
}

// ImageReference identifies the OS image pool nodes boot from.
type ImageReference struct {
	Publisher string `json:"publisher" yaml:"publisher"`
	Offer     string `json:"offer" yaml:"offer"`
	SKU       string `json:"sku" yaml:"sku"`
	Version   string `json:"version" yaml:"version"`
}

// IsZero reports whether no field of the reference is set.
func (r ImageReference) IsZero() bool {
	return r == ImageReference{}
}

// JobSpec describes a job to create.
type JobSpec struct {
	ID                   string
	PoolID               string
	UsesTaskDependencies bool
	OnAllTasksComplete   OnAllTasksComplete
}

// PoolSpec describes a pool to create.
type PoolSpec struct {
	ID                     string
	VMSize                 string
	TargetDedicatedNodes   int
	TargetLowPriorityNodes int
	ImageReference         ImageReference
	NodeAgentSKUID         string
}

// TaskSpec describes a task to add to a job.
type TaskSpec struct {
	ID          string
	CommandLine string
	// DependsOn lists task ids that must finish before this task is scheduled.
	DependsOn []string
	// SatisfyDependentsOnFailure releases dependent tasks even when this task fails.
	SatisfyDependentsOnFailure bool
}

// JobInfo is the observed state of a job.
type JobInfo struct {
	ID      string    `json:"id"`
	PoolID  string    `json:"poolId,omitempty"`
	State   JobState  `json:"state"`
	Created time.Time `json:"created,omitzero"`
}

// Client is the batch compute service.
//
// Creation calls are not idempotent on the service side: creating a job or
// pool that already exists returns an *Error carrying CodeJobExists,
// CodeJobCompleted or CodePoolExists. Callers decide whether that is benign.
type Client interface {
	CreateJob(ctx context.Context, spec JobSpec) error
	CreatePool(ctx context.Context, spec PoolSpec) error
	// AddTasks submits all tasks of a job in one logical call.
	AddTasks(ctx context.Context, jobID string, tasks []TaskSpec) error
	GetJob(ctx context.Context, jobID string) (*JobInfo, error)
	// GetTaskFile returns the content of a file written by a finished task.
	GetTaskFile(ctx context.Context, jobID, taskID, name string) (string, error)
	DeletePool(ctx context.Context, poolID string) error
	// Ping checks that the service is reachable.
	Ping(ctx context.Context) error
	Close() error
}
