package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// defaultMaxRetries is the number of retries after a transient failure.
const defaultMaxRetries = 2

// taskChain is the ordered task list of one matched host.
type taskChain struct {
	topology *ClusterTopology
	barrier  *ConfigBarrier
	tasks    []*TopologyTask
}

// TaskRunner executes host task chains on a fixed worker pool. Tasks of one
// host run strictly in order; chains of different hosts run in parallel.
type TaskRunner struct {
	// rt holds the backend, store, metrics and event publisher
	rt *Runtime

	// workers is the number of concurrent chains
	workers int

	// taskTimeout bounds a single backend command
	taskTimeout time.Duration

	// maxRetries is the number of retries for transient backend failures
	maxRetries int

	// workQueue feeds chains to the workers
	workQueue chan *taskChain

	// onChainFinished is called with the logical request ID after a chain ends
	onChainFinished func(requestID int64)

	logger zerolog.Logger

	mu      sync.Mutex
	pending int
	idle    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewTaskRunner creates a runner. Start must be called before chains run.
func NewTaskRunner(rt *Runtime, cfg ManagerConfig) *TaskRunner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 10 // Default to 10 concurrent workers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	idle := make(chan struct{})
	close(idle)
	return &TaskRunner{
		rt:          rt,
		workers:     workers,
		taskTimeout: cfg.TaskTimeout,
		maxRetries:  defaultMaxRetries,
		workQueue:   make(chan *taskChain, queueSize),
		idle:        idle,
		logger:      rt.Logger.With().Str("component", "task_runner").Logger(),
	}
}

// Start launches the worker pool.
func (r *TaskRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case chain := <-r.workQueue:
					r.runChain(r.ctx, chain)
					if r.onChainFinished != nil {
						r.onChainFinished(chain.tasks[0].LogicalRequestID)
					}
					r.chainDone()
				case <-r.ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop cancels in-flight commands and waits for the workers to exit.
func (r *TaskRunner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

// Submit queues the task chain of a matched host. It never blocks the caller.
func (r *TaskRunner) Submit(topology *ClusterTopology, barrier *ConfigBarrier, tasks []*TopologyTask) {
	if len(tasks) == 0 {
		return
	}
	chain := &taskChain{topology: topology, barrier: barrier, tasks: tasks}

	r.mu.Lock()
	if r.pending == 0 {
		r.idle = make(chan struct{})
	}
	r.pending++
	done := r.ctx
	r.mu.Unlock()

	select {
	case r.workQueue <- chain:
		return
	default:
	}
	go func() {
		var stop <-chan struct{}
		if done != nil {
			stop = done.Done()
		}
		select {
		case r.workQueue <- chain:
		case <-stop:
			r.chainDone()
		}
	}()
}

// Wait blocks until every submitted chain has finished or ctx is done.
func (r *TaskRunner) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *TaskRunner) chainDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.pending == 0 {
		close(r.idle)
	}
}

// runChain executes the tasks of one host in sequence. A failed task marks
// the remainder of the chain ABORTED. Tasks already terminal, as restored
// by replay, are skipped. On shutdown the remaining tasks keep their status
// so that replay queues them again.
func (r *TaskRunner) runChain(ctx context.Context, chain *taskChain) {
	var failed *TopologyTask
	for _, task := range chain.tasks {
		if ctx.Err() != nil {
			return
		}
		if task.Status().IsTerminal() {
			if task.Status().IsFailure() && failed == nil {
				failed = task
			}
			continue
		}
		if failed != nil {
			r.markTaskAborted(ctx, task, fmt.Sprintf("aborted after %s task %s failed", failed.Type, failed.ID))
			continue
		}

		if task.Type.RequiresResolvedConfiguration() && chain.barrier != nil {
			if err := chain.barrier.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.markTaskAborted(ctx, task, fmt.Sprintf("cluster configuration failed: %v", err))
				failed = task
				continue
			}
		}

		if err := r.executeTask(ctx, chain, task); err != nil {
			failed = task
		}
	}
}

// executeTask runs a single task with timeout and retry logic.
func (r *TaskRunner) executeTask(ctx context.Context, chain *taskChain, task *TopologyTask) error {
	ctx, span := r.rt.startSpan(ctx, "execute_task",
		attribute.String("task_id", task.ID),
		attribute.String("task_type", string(task.Type)),
		attribute.String("host", task.Host),
		attribute.String("component", task.Component),
	)
	defer span.End()

	r.updateTaskStatus(ctx, task, TaskStatusInProgress, "")
	r.publishEvent(ctx, task, EventTypeTaskStarted,
		fmt.Sprintf("Started %s on %s", describeTask(task), task.Host), "info")

	cmd := r.buildCommand(chain, task)
	startTime := time.Now()

	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		execCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.taskTimeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		}
		err = r.rt.Backend.Execute(execCtx, cmd)
		timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			break
		}
		if timedOut {
			err = NewPermanentError(fmt.Sprintf("task timed out after %s", r.taskTimeout), err).
				WithCode(ErrCodeTimeout).WithResource(task.Host)
			break
		}
		if !IsRetryable(err) || attempt >= r.maxRetries {
			break
		}

		backoff := r.calculateBackoff(attempt)
		r.logger.Warn().Err(err).
			Str("task_id", task.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying task after transient failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = r.maxRetries
		}
	}
	duration := time.Since(startTime)

	if err != nil && ctx.Err() != nil {
		r.logger.Warn().Str("task_id", task.ID).Msg("Task interrupted by shutdown")
		return err
	}
	if err == nil {
		r.updateTaskStatus(ctx, task, TaskStatusCompleted, "")
		r.recordTask(task, TaskStatusCompleted, duration)
		r.publishEvent(ctx, task, EventTypeTaskCompleted,
			fmt.Sprintf("Completed %s on %s", describeTask(task), task.Host), "info")
		return nil
	}

	status := TaskStatusFailed
	if ErrorCode(err) == ErrCodeTimeout {
		status = TaskStatusTimedOut
	}
	span.RecordError(err)
	r.updateTaskStatus(ctx, task, status, err.Error())
	r.recordTask(task, status, duration)
	r.publishEvent(ctx, task, EventTypeTaskFailed,
		fmt.Sprintf("Failed %s on %s: %v", describeTask(task), task.Host, err), "error")
	return err
}

// buildCommand fills the command payload for the task type.
func (r *TaskRunner) buildCommand(chain *taskChain, task *TopologyTask) *HostCommand {
	bp := chain.topology.Blueprint()
	cmd := &HostCommand{
		TaskID:    task.ID,
		Type:      task.Type,
		Cluster:   task.Cluster,
		Blueprint: bp.Name(),
		HostGroup: task.HostGroup,
		Stack:     bp.StackRef(),
		Host:      task.Host,
		Component: task.Component,
	}

	switch task.Type {
	case TaskResourceCreation:
		group, ok := bp.HostGroup(task.HostGroup)
		if !ok {
			break
		}
		stack := bp.Stack()
		cmd.ServiceComponents = make(map[string][]string)
		for _, c := range group.ComponentNames() {
			if stack.IsManagementComponent(c) {
				continue
			}
			service := stack.ServiceForComponent(c)
			cmd.ServiceComponents[service] = append(cmd.ServiceComponents[service], c)
		}
	case TaskConfigure:
		if info, ok := chain.topology.HostGroupInfo(task.HostGroup); ok {
			cmd.Configuration = info.Configuration().MergedView(1)
		} else if group, ok := bp.HostGroup(task.HostGroup); ok {
			cmd.Configuration = group.Configuration().MergedView(0)
		}
	}
	return cmd
}

// calculateBackoff calculates exponential backoff.
func (r *TaskRunner) calculateBackoff(attempt int) time.Duration {
	return backoffDelay(time.Second, attempt)
}

// backoffDelay doubles base with every attempt, capped at one minute.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// markTaskAborted records a task that was never executed.
func (r *TaskRunner) markTaskAborted(ctx context.Context, task *TopologyTask, reason string) {
	r.updateTaskStatus(ctx, task, TaskStatusAborted, reason)
	r.recordTask(task, TaskStatusAborted, 0)
	r.publishEvent(ctx, task, EventTypeTaskFailed,
		fmt.Sprintf("Aborted %s on %s: %s", describeTask(task), task.Host, reason), "warning")
}

// updateTaskStatus updates the in-memory task and persists the transition.
func (r *TaskRunner) updateTaskStatus(ctx context.Context, task *TopologyTask, status TaskStatus, errMsg string) {
	if !task.setStatus(status, errMsg) {
		return
	}
	if r.rt.Store == nil {
		return
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if err := r.rt.Store.UpdateTaskStatus(context.WithoutCancel(ctx), task.ID, string(status), msg); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Str("status", string(status)).Msg("Failed to persist task status")
	}
}

func (r *TaskRunner) recordTask(task *TopologyTask, status TaskStatus, duration time.Duration) {
	if r.rt.Metrics != nil {
		r.rt.Metrics.RecordTask(string(task.Type), string(status), duration)
	}
}

// publishEvent publishes a task event.
func (r *TaskRunner) publishEvent(ctx context.Context, task *TopologyTask, eventType EventType, message, level string) {
	r.rt.publish(context.WithoutCancel(ctx), &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Cluster:       task.Cluster,
		RequestID:     task.LogicalRequestID,
		HostRequestID: task.HostRequestID,
		Host:          task.Host,
		Message:       message,
		Level:         level,
		Data: map[string]interface{}{
			"task_id":   task.ID,
			"task_type": string(task.Type),
			"component": task.Component,
		},
	})
}

func describeTask(task *TopologyTask) string {
	if task.Component == "" {
		return string(task.Type)
	}
	return fmt.Sprintf("%s %s", task.Type, task.Component)
}
