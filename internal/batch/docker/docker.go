// Package docker implements batch.Client on the local Docker daemon.
//
// It emulates the parts of the batch service the bridge uses: a pool is a
// labelled bridge network, a task is a container running its command line
// under /bin/sh, task dependencies are scheduled from the daemon's event
// stream, and a job with terminatejob completes once all its tasks exited.
// Task output is read back from the container logs.
package docker

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/batch"
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy  = "managed-by"
	managedBy       = "batch-bridge"
	labelPool       = "batch.pool.id"
	labelVMSize     = "batch.pool.vm-size"
	labelJob        = "batch.job.id"
	labelTask       = "batch.task.id"
	labelDependsOn  = "batch.task.depends-on"
	labelSatisfy    = "batch.task.satisfy-on-failure"
	labelOnComplete = "batch.job.on-all-tasks-complete"

	stderrFile = "stderr.txt"
)

// Backend implements batch.Client using Docker.
type Backend struct {
	client          *client.Client
	image           string
	retentionPeriod time.Duration
	extraHosts      []string
	state           *stateRepo
	logger          *slog.Logger

	poolMu sync.Mutex

	cancelMaintenance context.CancelFunc
	watchWg           sync.WaitGroup
}

// New creates a Docker batch backend.
// It automatically reconciles jobs whose containers survived a restart.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = "curlimages/curl:latest"
	}
	retentionPeriod := cfg.JobRetention
	if retentionPeriod <= 0 {
		retentionPeriod = 15 * time.Minute
	}
	maintenanceInterval := cfg.MaintenanceInterval
	if maintenanceInterval <= 0 {
		maintenanceInterval = 1 * time.Minute
	}

	b := &Backend{
		client:          dockerClient,
		image:           cfg.Image,
		retentionPeriod: retentionPeriod,
		extraHosts:      cfg.ExtraHosts,
		state:           newStateRepo(),
		logger:          slog.With("component", "docker-batch"),
	}

	if err := b.reconcile(ctx); err != nil {
		b.logger.Warn("Failed to reconcile jobs", "error", err)
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	b.cancelMaintenance = cancel
	go b.runMaintenance(maintenanceCtx, maintenanceInterval)

	return b, nil
}

func poolNetwork(poolID string) string {
	return "batch-pool-" + poolID
}

func containerName(jobID, taskID string) string {
	return fmt.Sprintf("batch-%s-%s", jobID, taskID)
}

func managedFilter(extra ...filters.KeyValuePair) filters.Args {
	return filters.NewArgs(append([]filters.KeyValuePair{filters.Arg("label", labelManagedBy+"="+managedBy)}, extra...)...)
}

// CreatePool creates the pool network and makes sure the task image is present.
func (b *Backend) CreatePool(ctx context.Context, spec batch.PoolSpec) error {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	if _, err := b.findPool(ctx, spec.ID); err == nil {
		return batch.NewError(batch.CodePoolExists, "pool %s already exists", spec.ID)
	} else if !batch.HasCode(err, batch.CodePoolNotFound) {
		return err
	}

	// Pull with a detached context so a caller timeout doesn't abort the pull.
	if err := b.pullImageIfNeeded(context.WithoutCancel(ctx), b.image); err != nil {
		return apperrors.Internal("docker.pullImage", err)
	}

	_, err := b.client.NetworkCreate(ctx, poolNetwork(spec.ID), network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelPool:      spec.ID,
			labelVMSize:    spec.VMSize,
		},
	})
	if errdefs.IsConflict(err) {
		return batch.NewError(batch.CodePoolExists, "pool %s already exists", spec.ID)
	}
	if err != nil {
		return apperrors.Internal("docker.createNetwork", err)
	}
	b.logger.Info("Pool created", "poolId", spec.ID, "vmSize", spec.VMSize)
	return nil
}

func (b *Backend) findPool(ctx context.Context, poolID string) (network.Summary, error) {
	nets, err := b.client.NetworkList(ctx, network.ListOptions{
		Filters: managedFilter(filters.Arg("label", labelPool+"="+poolID)),
	})
	if err != nil {
		return network.Summary{}, apperrors.Internal("docker.listNetworks", err)
	}
	if len(nets) == 0 {
		return network.Summary{}, batch.NewError(batch.CodePoolNotFound, "pool %s does not exist", poolID)
	}
	return nets[0], nil
}

// DeletePool removes every task container attached to the pool and then the pool network.
func (b *Backend) DeletePool(ctx context.Context, poolID string) error {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	net, err := b.findPool(ctx, poolID)
	if err != nil {
		return err
	}

	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: managedFilter(filters.Arg("label", labelPool+"="+poolID)),
	})
	if err != nil {
		return apperrors.Internal("docker.listContainers", err)
	}
	for _, c := range containers {
		b.removeContainer(ctx, c.ID)
	}

	if err := b.client.NetworkRemove(ctx, net.ID); err != nil && !errdefs.IsNotFound(err) {
		return apperrors.Internal("docker.removeNetwork", err)
	}
	b.logger.Info("Pool deleted", "poolId", poolID, "containers", len(containers))
	return nil
}

// CreateJob registers a job. The pool does not have to exist yet.
func (b *Backend) CreateJob(ctx context.Context, spec batch.JobSpec) error {
	if err := b.state.reserve(spec.ID); err != nil {
		return err
	}
	js := newJobState(spec, time.Now())
	b.state.commit(spec.ID, js)
	b.watch(spec.ID, js)
	b.logger.Info("Job created", "jobId", spec.ID, "poolId", spec.PoolID)
	return nil
}

// watch starts the event-driven scheduler of a job in the background.
func (b *Backend) watch(jobID string, js *jobState) {
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	js.cancelWatch = cancelWatch
	b.watchWg.Add(1)
	go func() {
		defer b.watchWg.Done()
		b.watchJobEvents(watchCtx, jobID, js)
	}()
}

// AddTasks creates one container per task on the job's pool network and
// starts those whose dependencies are already satisfied.
func (b *Backend) AddTasks(ctx context.Context, jobID string, tasks []batch.TaskSpec) error {
	js, exists := b.state.get(jobID)
	if !exists || js == nil {
		return batch.NewError(batch.CodeJobNotFound, "job %s does not exist", jobID)
	}
	if _, err := b.findPool(ctx, js.spec.PoolID); err != nil {
		return err
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	js.mu.Lock()
	err := js.add(tasks)
	js.mu.Unlock()
	if err != nil {
		return err
	}

	created := make(map[string]string, len(tasks))
	for _, t := range tasks {
		id, err := b.createTaskContainer(ctx, js.spec, t)
		if err != nil {
			for _, cid := range created {
				b.removeContainer(ctx, cid)
			}
			js.mu.Lock()
			js.remove(ids)
			js.mu.Unlock()
			if errdefs.IsConflict(err) {
				return batch.NewError(batch.CodeTaskExists, "task %s already exists in job %s", t.ID, jobID)
			}
			return apperrors.Internal("docker.createContainer", err)
		}
		created[t.ID] = id
	}

	js.mu.Lock()
	for taskID, cid := range created {
		js.tasks[taskID].containerID = cid
	}
	js.mu.Unlock()

	b.advance(ctx, b.logger.With("jobId", jobID), js)
	return nil
}

func (b *Backend) createTaskContainer(ctx context.Context, job batch.JobSpec, t batch.TaskSpec) (string, error) {
	labels := map[string]string{
		labelManagedBy:  managedBy,
		labelPool:       job.PoolID,
		labelJob:        job.ID,
		labelTask:       t.ID,
		labelOnComplete: string(job.OnAllTasksComplete),
	}
	if len(t.DependsOn) > 0 {
		labels[labelDependsOn] = strings.Join(t.DependsOn, ",")
	}
	if t.SatisfyDependentsOnFailure {
		labels[labelSatisfy] = "true"
	}

	containerConfig := &container.Config{
		Image:      b.image,
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{t.CommandLine},
		Env: []string{
			"AZ_BATCH_JOB_ID=" + job.ID,
			"AZ_BATCH_TASK_ID=" + t.ID,
			"AZ_BATCH_POOL_ID=" + job.PoolID,
		},
		Labels: labels,
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(poolNetwork(job.PoolID)),
		ExtraHosts:  b.extraHosts,
	}

	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(job.ID, t.ID))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// advance starts every runnable task and completes the job when it is done.
// A task that fails to start counts as exited with -1, which may in turn
// release its dependents.
func (b *Backend) advance(ctx context.Context, logger *slog.Logger, js *jobState) {
	for {
		js.mu.Lock()
		ready := js.runnable()
		js.mu.Unlock()
		if len(ready) == 0 {
			break
		}

		for _, t := range ready {
			if err := b.client.ContainerStart(ctx, t.containerID, container.StartOptions{}); err != nil {
				logger.Error("Failed to start task", "taskId", t.spec.ID, "error", err)
				js.mu.Lock()
				js.exited(t.spec.ID, -1)
				js.mu.Unlock()
				continue
			}
			logger.Debug("Task started", "taskId", t.spec.ID)
		}
	}

	js.mu.Lock()
	done := js.completeIfDone(time.Now())
	js.mu.Unlock()
	if done {
		logger.Info("All tasks complete, job terminated")
	}
}

// watchJobEvents drives the scheduler of one job from container die events.
// It reconnects on event stream errors after reconciling current state, and
// returns once the job completed.
func (b *Backend) watchJobEvents(ctx context.Context, jobID string, js *jobState) {
	logger := b.logger.With("jobId", jobID)

	for {
		if ctx.Err() != nil {
			return
		}

		// Subscribe before inspecting so no exit is missed in between.
		eventCh, errCh := b.client.Events(ctx, events.ListOptions{
			Filters: filters.NewArgs(
				filters.Arg("type", string(events.ContainerEventType)),
				filters.Arg("event", string(events.ActionDie)),
				filters.Arg("label", labelJob+"="+jobID),
			),
		})

		if b.reconcileJobState(ctx, logger, js) {
			return
		}
		if b.processJobEvents(ctx, logger, js, eventCh, errCh) {
			return
		}

		logger.Warn("Event stream disconnected, reconnecting...")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// reconcileJobState records exits of running tasks missed while no event
// stream was open. Returns true if the job is complete.
func (b *Backend) reconcileJobState(ctx context.Context, logger *slog.Logger, js *jobState) bool {
	js.mu.Lock()
	var running []taskState
	for _, id := range js.order {
		if t := js.tasks[id]; t.status == taskRunning {
			running = append(running, *t)
		}
	}
	js.mu.Unlock()

	for _, t := range running {
		inspect, err := b.client.ContainerInspect(ctx, t.containerID)
		if err != nil {
			logger.Warn("Failed to inspect task during reconcile", "taskId", t.spec.ID, "error", err)
			continue
		}
		if inspect.State.Running || inspect.State.Status == "created" {
			continue
		}
		js.mu.Lock()
		js.exited(t.spec.ID, inspect.State.ExitCode)
		js.mu.Unlock()
		logger.Info("Task exited (reconciled)", "taskId", t.spec.ID, "exitCode", inspect.State.ExitCode)
	}

	b.advance(ctx, logger, js)
	state, _ := js.snapshot()
	return state.Terminal()
}

// processJobEvents handles the event stream until completion or error.
// Returns true if job is complete, false if reconnection is needed.
func (b *Backend) processJobEvents(ctx context.Context, logger *slog.Logger, js *jobState, eventCh <-chan events.Message, errCh <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return true

		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				logger.Warn("Event stream error", "error", err)
			}
			return false

		case event, ok := <-eventCh:
			if !ok {
				return false
			}
			if event.Action != events.ActionDie {
				continue
			}
			taskID := event.Actor.Attributes[labelTask]
			exitCode := getExitCode(event)

			js.mu.Lock()
			changed := js.exited(taskID, exitCode)
			js.mu.Unlock()
			if !changed {
				continue
			}
			logger.Info("Task exited", "taskId", taskID, "exitCode", exitCode)

			b.advance(ctx, logger, js)
			if state, _ := js.snapshot(); state.Terminal() {
				return true
			}
		}
	}
}

// getExitCode extracts exit code from a container die event.
func getExitCode(event events.Message) int {
	if code, ok := event.Actor.Attributes["exitCode"]; ok {
		if exitCode, err := strconv.Atoi(code); err == nil {
			return exitCode
		}
	}
	return -1
}

func (b *Backend) GetJob(ctx context.Context, jobID string) (*batch.JobInfo, error) {
	js, exists := b.state.get(jobID)
	if !exists {
		return nil, batch.NewError(batch.CodeJobNotFound, "job %s does not exist", jobID)
	}
	if js == nil {
		return &batch.JobInfo{ID: jobID, State: batch.JobActive}, nil
	}
	state, _ := js.snapshot()
	return &batch.JobInfo{ID: jobID, PoolID: js.spec.PoolID, State: state, Created: js.created}, nil
}

// GetTaskFile returns stdout.txt or stderr.txt of a task that has started.
func (b *Backend) GetTaskFile(ctx context.Context, jobID, taskID, name string) (string, error) {
	js, exists := b.state.get(jobID)
	if !exists || js == nil {
		return "", batch.NewError(batch.CodeJobNotFound, "job %s does not exist", jobID)
	}
	t, ok := js.task(taskID)
	if !ok {
		return "", batch.NewError(batch.CodeTaskNotFound, "task %s does not exist in job %s", taskID, jobID)
	}
	if name != batch.StdoutFile && name != stderrFile {
		return "", batch.NewError(batch.CodeFileNotFound, "file %s of task %s does not exist", name, taskID)
	}
	if t.status == taskPending {
		return "", batch.NewError(batch.CodeFileNotFound, "task %s has not started", taskID)
	}

	logs, err := b.client.ContainerLogs(ctx, t.containerID, container.LogsOptions{
		ShowStdout: name == batch.StdoutFile,
		ShowStderr: name == stderrFile,
	})
	if errdefs.IsNotFound(err) {
		return "", batch.NewError(batch.CodeFileNotFound, "container of task %s is gone", taskID)
	}
	if err != nil {
		return "", apperrors.Internal("docker.containerLogs", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", apperrors.Internal("docker.readLogs", err)
	}
	if name == stderrFile {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}

// Ping checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Close stops maintenance and all schedulers and releases the Docker client.
// Containers keep running and are picked up by the next reconcile.
func (b *Backend) Close() error {
	if b.cancelMaintenance != nil {
		b.cancelMaintenance()
	}

	for _, js := range b.state.list() {
		if js != nil && js.cancelWatch != nil {
			js.cancelWatch()
		}
	}
	b.watchWg.Wait()

	return b.client.Close()
}

// reconcile rebuilds job state from the labels of existing task containers
// and resumes scheduling jobs that have not completed. Jobs that never got a
// task leave no container behind and are not recovered.
func (b *Backend) reconcile(ctx context.Context) error {
	logger := b.logger.With("phase", "reconcile")

	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: managedFilter(filters.Arg("label", labelJob)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	// Oldest first so tasks keep their submission order.
	slices.SortFunc(containers, func(a, c container.Summary) int {
		return cmp.Compare(a.Created, c.Created)
	})

	jobs := make(map[string]*jobState)
	for _, c := range containers {
		jobID := c.Labels[labelJob]
		js, ok := jobs[jobID]
		if !ok {
			js = newJobState(batch.JobSpec{
				ID:                   jobID,
				PoolID:               c.Labels[labelPool],
				UsesTaskDependencies: true,
				OnAllTasksComplete:   batch.OnAllTasksComplete(c.Labels[labelOnComplete]),
			}, time.Unix(c.Created, 0))
			jobs[jobID] = js
		}

		t := &taskState{
			spec: batch.TaskSpec{
				ID:                         c.Labels[labelTask],
				CommandLine:                c.Command,
				SatisfyDependentsOnFailure: c.Labels[labelSatisfy] == "true",
			},
			containerID: c.ID,
		}
		if deps := c.Labels[labelDependsOn]; deps != "" {
			t.spec.DependsOn = strings.Split(deps, ",")
		}

		switch c.State {
		case "created":
			t.status = taskPending
		case "running", "restarting", "paused":
			t.status = taskRunning
		default:
			t.status = taskCompleted
			t.exitCode = -1
			if inspect, err := b.client.ContainerInspect(ctx, c.ID); err == nil {
				t.exitCode = inspect.State.ExitCode
			}
		}
		js.tasks[t.spec.ID] = t
		js.order = append(js.order, t.spec.ID)
	}

	var resumed, completed int
	for jobID, js := range jobs {
		js.completeIfDone(time.Now())
		b.state.commit(jobID, js)
		if state, _ := js.snapshot(); state.Terminal() {
			completed++
			continue
		}
		resumed++
		b.watch(jobID, js)
	}

	logger.Info("Reconciliation complete", "reconciled", len(jobs), "resumed", resumed, "completed", completed)
	return nil
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := b.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	_ = b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// runMaintenance periodically cleans up expired completed jobs.
func (b *Backend) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.cleanupExpiredJobs(ctx, time.Now())
		}
	}
}

// cleanupExpiredJobs removes jobs that completed more than retentionPeriod ago.
func (b *Backend) cleanupExpiredJobs(ctx context.Context, now time.Time) {
	logger := b.logger.With("phase", "maintenance")

	var cleaned int
	for jobID, js := range b.state.list() {
		if js == nil {
			continue
		}
		state, completedAt := js.snapshot()
		if !state.Terminal() || now.Sub(completedAt) <= b.retentionPeriod {
			continue
		}
		if _, exists := b.state.release(jobID); !exists {
			continue
		}
		if js.cancelWatch != nil {
			js.cancelWatch()
		}
		for _, cid := range js.containerIDs() {
			b.removeContainer(ctx, cid)
		}
		cleaned++
		logger.Debug("Cleaned up expired job", "jobId", jobID)
	}

	if cleaned > 0 {
		logger.Info("Maintenance complete", "cleaned", cleaned)
	}
}

var _ batch.Client = (*Backend)(nil)
