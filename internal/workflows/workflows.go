// Package workflows contains the sample orchestrations: greeting jobs fanned
// out over several batch jobs, or over several tasks of one batch job.
package workflows

import (
	"batchbridge/internal/batch"
	"batchbridge/internal/batchjob"
	"batchbridge/internal/coordinator"
	"batchbridge/internal/durable"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Orchestration names.
const (
	MultipleJobOrchestrator  = "MultipleJobOrchestrator"
	MultipleTaskOrchestrator = "MultipleTaskOrchestrator"
)

// Activity names.
const (
	SayHelloInBatch         = "SayHelloInAzureBatch"
	SayMultipleHelloInBatch = "SayMultipleHelloInAzureBatch"
	GetJobStdout            = "GetJobStdout"
	GetMultipleTaskStdout   = "GetMultipleTaskStdout"
	GetJobState             = "GetJobState"
	WriteResultsToDatabase  = "WriteResultsToDatabase"
)

// greetingTaskID is the task id of single-task greeting jobs.
const greetingTaskID = "1"

// DefaultCities are greeted when an orchestration is started without input.
var DefaultCities = []string{"Tokio", "Seattle", "London"}

// Binding is the pool configuration the greeting activities submit with.
var Binding = batchjob.Defaults{
	PoolID:     "DedicatedLowPriorityPool1",
	PoolVMSize: "STANDARD_A1_v2",
}

// Sample selects the node image the greeting jobs run on.
type Sample struct {
	ImageReference batch.ImageReference
	NodeAgentSKUID string
}

// WindowsSample is a small Windows Server node, the default.
var WindowsSample = Sample{
	ImageReference: batch.ImageReference{
		Publisher: "MicrosoftWindowsServer",
		Offer:     "WindowsServer",
		SKU:       "2016-datacenter-smalldisk",
		Version:   "latest",
	},
	NodeAgentSKUID: "batch.node.windows amd64",
}

// LinuxSample is an Ubuntu node. The docker backend runs it.
var LinuxSample = Sample{
	ImageReference: batch.ImageReference{
		Publisher: "canonical",
		Offer:     "0001-com-ubuntu-server-jammy",
		SKU:       "22_04-lts",
		Version:   "latest",
	},
	NodeAgentSKUID: "batch.node.ubuntu 22.04",
}

// Submitter submits jobs to the batch service.
type Submitter interface {
	SubmitWithBinding(ctx context.Context, job batchjob.Job, binding batchjob.Defaults) (string, error)
}

// Retriever reads task output and job state.
type Retriever interface {
	GetStdOut(ctx context.Context, jobID, taskID string) (string, error)
	GetJobState(ctx context.Context, jobID string) (batch.JobState, bool, error)
}

// ResultWriter persists the results of an orchestration.
type ResultWriter interface {
	SaveResults(ctx context.Context, instanceID string, values []string) error
}

// Registrar registers orchestrations and activities with the engine.
type Registrar interface {
	RegisterOrchestrator(name string, fn durable.OrchestratorFunc)
	RegisterActivity(name string, fn durable.ActivityFunc)
}

// Config tunes the sample orchestrations.
type Config struct {
	Sample Sample
	// CompletionTimeout bounds each completion wait; zero waits indefinitely.
	CompletionTimeout time.Duration
}

// Workflows implements the sample orchestrations and their activities.
type Workflows struct {
	submitter Submitter
	retriever Retriever
	results   ResultWriter
	cfg       Config
	logger    *slog.Logger
}

// New creates the sample workflows. results may be nil, in which case
// results are only logged.
func New(submitter Submitter, retriever Retriever, results ResultWriter, cfg Config) *Workflows {
	if cfg.Sample.NodeAgentSKUID == "" {
		cfg.Sample = WindowsSample
	}
	return &Workflows{
		submitter: submitter,
		retriever: retriever,
		results:   results,
		cfg:       cfg,
		logger:    slog.With("component", "workflows"),
	}
}

// Register registers every orchestration and activity with r.
func (w *Workflows) Register(r Registrar) {
	r.RegisterOrchestrator(MultipleJobOrchestrator, w.multipleJobs)
	r.RegisterOrchestrator(MultipleTaskOrchestrator, w.multipleTasks)

	r.RegisterActivity(SayHelloInBatch, w.sayHello)
	r.RegisterActivity(SayMultipleHelloInBatch, w.sayMultipleHello)
	r.RegisterActivity(GetJobStdout, w.getJobStdout)
	r.RegisterActivity(GetMultipleTaskStdout, w.getMultipleTaskStdout)
	r.RegisterActivity(GetJobState, w.getJobState)
	r.RegisterActivity(WriteResultsToDatabase, w.writeResults)
}

func (w *Workflows) wait() coordinator.WaitOptions {
	return coordinator.WaitOptions{
		Timeout:       w.cfg.CompletionTimeout,
		StateActivity: GetJobState,
	}
}

// cities returns the orchestration input, or DefaultCities when none was given.
func cities(oc durable.OrchestrationContext) ([]string, error) {
	var names []string
	if err := oc.GetInput(&names); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return DefaultCities, nil
	}
	return names, nil
}

// multipleJobs greets every city in its own batch job.
func (w *Workflows) multipleJobs(ctx context.Context, oc durable.OrchestrationContext) (any, error) {
	names, err := cities(oc)
	if err != nil {
		return nil, err
	}
	return coordinator.FanOutJobs(ctx, oc, coordinator.FanOutJobsSpec{
		Inputs:          names,
		SubmitActivity:  SayHelloInBatch,
		OutputActivity:  GetJobStdout,
		ResultsActivity: WriteResultsToDatabase,
		Wait:            w.wait(),
	})
}

// multipleTasks greets every city as a task of one batch job.
func (w *Workflows) multipleTasks(ctx context.Context, oc durable.OrchestrationContext) (any, error) {
	names, err := cities(oc)
	if err != nil {
		return nil, err
	}
	return coordinator.SingleJobTasks(ctx, oc, coordinator.SingleJobSpec{
		TaskIDs:         names,
		SubmitActivity:  SayMultipleHelloInBatch,
		OutputActivity:  GetMultipleTaskStdout,
		ResultsActivity: WriteResultsToDatabase,
		Wait:            w.wait(),
	})
}

func (w *Workflows) sayHello(ctx context.Context, ac durable.ActivityContext) (any, error) {
	var name string
	if err := ac.GetInput(&name); err != nil {
		return nil, err
	}
	job := w.sampleJob(ac.InstanceID())
	job.ID = name
	job.Tasks = []batchjob.Task{{ID: greetingTaskID, CommandLine: GreetingCommand(w.cfg.Sample.NodeAgentSKUID, name)}}
	return w.submitter.SubmitWithBinding(ctx, job, Binding)
}

func (w *Workflows) sayMultipleHello(ctx context.Context, ac durable.ActivityContext) (any, error) {
	var names []string
	if err := ac.GetInput(&names); err != nil {
		return nil, err
	}
	job := w.sampleJob(ac.InstanceID())
	for _, name := range names {
		job.Tasks = append(job.Tasks, batchjob.Task{ID: name, CommandLine: GreetingCommand(w.cfg.Sample.NodeAgentSKUID, name)})
	}
	return w.submitter.SubmitWithBinding(ctx, job, Binding)
}

func (w *Workflows) getJobStdout(ctx context.Context, ac durable.ActivityContext) (any, error) {
	var name string
	if err := ac.GetInput(&name); err != nil {
		return nil, err
	}
	return w.retriever.GetStdOut(ctx, batchjob.JobID(ac.InstanceID(), name), greetingTaskID)
}

func (w *Workflows) getMultipleTaskStdout(ctx context.Context, ac durable.ActivityContext) (any, error) {
	var taskIDs []string
	if err := ac.GetInput(&taskIDs); err != nil {
		return nil, err
	}
	jobID := batchjob.JobID(ac.InstanceID(), "")
	out := make([]string, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		s, err := w.retriever.GetStdOut(ctx, jobID, taskID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (w *Workflows) getJobState(ctx context.Context, ac durable.ActivityContext) (any, error) {
	var jobID string
	if err := ac.GetInput(&jobID); err != nil {
		return nil, err
	}
	state, ok, err := w.retriever.GetJobState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return coordinator.JobState{State: state, Exists: ok}, nil
}

func (w *Workflows) writeResults(ctx context.Context, ac durable.ActivityContext) (any, error) {
	var results []string
	if err := ac.GetInput(&results); err != nil {
		return nil, err
	}
	if w.results == nil {
		w.logger.Info("No results store configured, discarding results", "instanceId", ac.InstanceID(), "results", strings.Join(results, ","))
		return nil, nil
	}
	if err := w.results.SaveResults(ctx, ac.InstanceID(), results); err != nil {
		return nil, fmt.Errorf("write results of %s: %w", ac.InstanceID(), err)
	}
	return nil, nil
}

func (w *Workflows) sampleJob(instanceID string) batchjob.Job {
	dedicated, lowPriority := 0, 1
	image := w.cfg.Sample.ImageReference
	return batchjob.Job{
		InstanceID:               instanceID,
		PoolNodeCount:            &dedicated,
		PoolLowPriorityNodeCount: &lowPriority,
		ImageReference:           &image,
		NodeAgentSKUID:           w.cfg.Sample.NodeAgentSKUID,
	}
}

// GreetingCommand returns the command line that prints the greeting for name
// on a node with the given agent.
func GreetingCommand(nodeAgentSKUID, name string) string {
	if strings.HasPrefix(strings.ToLower(nodeAgentSKUID), "batch.node.windows") {
		return fmt.Sprintf("cmd /c echo Saying hello to %s.", name)
	}
	return fmt.Sprintf("echo 'Saying hello to %s.'", name)
}
