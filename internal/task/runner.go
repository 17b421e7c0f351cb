package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/config"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/store"
)

// Runner errors.
var (
	ErrNoExecutor    = errors.New("no executor registered for queue")
	ErrRunnerStarted = errors.New("task runner already started")
	ErrRunnerStopped = errors.New("task runner stopped")
	errTaskFinalized = errors.New("task finalized elsewhere")
)

const (
	finalizeTimeout   = 10 * time.Second
	interruptedReason = "Worker stopped before the task finished"
)

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// Workers is the number of concurrent workers per queue kind.
	// Kinds without an entry get one worker.
	Workers map[domain.QueueKind]int

	// QueueSize is the buffer size of each in-memory queue
	QueueSize int

	// StaleTaskAge is how long a processing task may go without a heartbeat
	// before the watchdog fails it
	StaleTaskAge time.Duration

	// WatchdogInterval defines how often to check for stale tasks
	WatchdogInterval time.Duration

	// HeartbeatInterval defines how often a running task's heartbeat is refreshed.
	// It must be well below StaleTaskAge.
	HeartbeatInterval time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers: map[domain.QueueKind]int{
			domain.QueueImage: 4,
			domain.QueueVideo: 2,
			domain.QueueVoice: 2,
			domain.QueueText:  2,
		},
		QueueSize:         256,
		StaleTaskAge:      10 * time.Minute,
		WatchdogInterval:  time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// RunnerConfigFrom builds a RunnerConfig from application configuration.
func RunnerConfigFrom(cfg config.TaskConfig) RunnerConfig {
	rc := DefaultRunnerConfig()
	rc.Workers = map[domain.QueueKind]int{
		domain.QueueImage: cfg.ImageWorkers,
		domain.QueueVideo: cfg.VideoWorkers,
		domain.QueueVoice: cfg.VoiceWorkers,
		domain.QueueText:  cfg.TextWorkers,
	}
	if cfg.QueueSize > 0 {
		rc.QueueSize = cfg.QueueSize
	}
	if cfg.StaleTaskAge > 0 {
		rc.StaleTaskAge = cfg.StaleTaskAge
	}
	if cfg.WatchdogInterval > 0 {
		rc.WatchdogInterval = cfg.WatchdogInterval
	}
	if rc.HeartbeatInterval >= rc.StaleTaskAge {
		rc.HeartbeatInterval = rc.StaleTaskAge / 3
	}
	return rc
}

// Runner executes queued tasks in the background. Each queue kind has its
// own bounded queue and worker pool.
type Runner struct {
	config RunnerConfig
	logger *slog.Logger

	queues map[domain.QueueKind]*TaskQueue
	pools  []*WorkerPool

	mu        sync.RWMutex
	executors map[domain.QueueKind]Executor
	lifecycle Lifecycle
	started   bool
	stopped   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner with one queue per queue kind.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultRunnerConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.StaleTaskAge <= 0 {
		cfg.StaleTaskAge = defaults.StaleTaskAge
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaults.WatchdogInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}

	logger = logger.With("component", "task_runner")
	queues := make(map[domain.QueueKind]*TaskQueue, len(domain.AllQueueKinds))
	for _, kind := range domain.AllQueueKinds {
		queues[kind] = NewTaskQueue(kind, cfg.QueueSize, logger)
	}

	return &Runner{
		config:    cfg,
		logger:    logger,
		queues:    queues,
		executors: make(map[domain.QueueKind]Executor),
	}
}

// RegisterExecutor sets the executor for a queue kind. It must be called
// before Start.
func (r *Runner) RegisterExecutor(kind domain.QueueKind, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

func (r *Runner) executor(kind domain.QueueKind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	return exec, ok
}

// Enqueue adds a job to the queue of its kind.
func (r *Runner) Enqueue(job Job) error {
	kind := job.Kind()
	q, ok := r.queues[kind]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, job.Type)
	}
	if _, ok := r.executor(kind); !ok {
		return fmt.Errorf("%w: %s", ErrNoExecutor, kind)
	}
	return q.Enqueue(job)
}

// Remove drops a queued job. It reports false when the job is not queued,
// for example because a worker has already taken it.
func (r *Runner) Remove(taskID uuid.UUID) (bool, error) {
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return false, ErrRunnerStopped
	}

	for _, q := range r.queues {
		if q.Remove(taskID) {
			return true, nil
		}
	}
	return false, nil
}

// Start recovers unfinished tasks, then starts the worker pools and the
// watchdog. lifecycle records every transition the workers make.
func (r *Runner) Start(ctx context.Context, lifecycle Lifecycle) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRunnerStarted
	}
	r.started = true
	r.lifecycle = lifecycle
	r.mu.Unlock()

	if err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for _, kind := range domain.AllQueueKinds {
		if _, ok := r.executor(kind); !ok {
			r.logger.Warn("no executor registered, queue disabled", "queue", string(kind))
			continue
		}
		count := r.config.Workers[kind]
		pool := NewWorkerPool(r.queues[kind], WorkerPoolConfig{WorkerCount: count}, r.process,
			r.logger.With("queue", string(kind)))
		pool.Start()
		r.pools = append(r.pools, pool)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.wg.Add(1)
	go r.watchdog(wctx)

	r.logger.Info("task runner started",
		"queue_size", r.config.QueueSize,
		"stale_task_age", r.config.StaleTaskAge.String())
	return nil
}

// Stop closes the queues, interrupts running tasks and waits for the
// workers and the watchdog to exit. Interrupted tasks are failed with
// WORKER_INTERRUPTED.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	for _, q := range r.queues {
		q.Close()
	}
	for _, p := range r.pools {
		p.Stop()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// Recover resolves tasks left unfinished by a previous process. Processing
// tasks have lost their worker and are failed with WORKER_INTERRUPTED;
// pending tasks are enqueued again, and failed with ENQUEUE_FAILED if that
// is not possible. It assumes a single runner per database.
func (r *Runner) Recover(ctx context.Context) error {
	if r.lifecycle == nil {
		return errors.New("recover: runner has no lifecycle")
	}

	processing, err := r.lifecycle.StaleTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get processing tasks: %w", err)
	}
	pending, err := r.lifecycle.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	r.logger.Info("recovering unfinished tasks",
		"pending_count", len(pending),
		"processing_count", len(processing))

	for _, t := range processing {
		r.fail(ctx, t.ID, domain.ErrorCodeWorkerInterrupted, "Task interrupted by a server restart")
	}

	for _, t := range pending {
		if err := r.Enqueue(JobFor(t)); err != nil {
			if errors.Is(err, ErrAlreadyQueued) {
				continue
			}
			r.logger.Error("failed to requeue pending task",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
			r.fail(ctx, t.ID, domain.ErrorCodeEnqueueFailed, err.Error())
		}
	}
	return nil
}

// process runs one job through its executor and records the outcome.
func (r *Runner) process(ctx context.Context, job Job) error {
	log := r.logger.With("task_id", job.TaskID, "task_type", job.Type)

	exec, ok := r.executor(job.Kind())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoExecutor, job.Kind())
	}

	t, err := r.lifecycle.MarkProcessing(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || store.IsNotFoundError(err) {
			log.Debug("skipping job, task is no longer pending", "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to mark task processing: %w", err)
	}

	log.Info("processing task", "queue_wait", time.Since(job.EnqueuedAt).String())

	runCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go r.heartbeat(runCtx, cancel, job.TaskID, hbDone)

	result, execErr := r.execute(runCtx, exec, t, &reporter{lifecycle: r.lifecycle, taskID: job.TaskID})
	cause := context.Cause(runCtx)
	cancel(nil)
	<-hbDone

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()

	if errors.Is(cause, errTaskFinalized) || errors.Is(execErr, domain.ErrInvalidTransition) {
		log.Info("task finalized while running, discarding outcome")
		return nil
	}
	if execErr != nil {
		if ctx.Err() != nil {
			log.Warn("task interrupted by shutdown")
			r.fail(fctx, job.TaskID, domain.ErrorCodeWorkerInterrupted, interruptedReason)
			return nil
		}
		code, msg := classify(execErr)
		log.Error("task execution failed", "error_code", code, "error", execErr)
		r.fail(fctx, job.TaskID, code, msg)
		return nil
	}

	if err := r.lifecycle.MarkCompleted(fctx, job.TaskID, result); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("task finalized before completion could be recorded")
			return nil
		}
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	log.Info("task completed successfully")
	return nil
}

func (r *Runner) execute(ctx context.Context, exec Executor, t *domain.Task, rep Reporter) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return exec.Execute(ctx, t, rep)
}

// heartbeat refreshes the task heartbeat until ctx ends. When the task has
// been finalized elsewhere, for example cancelled, the run is cancelled.
func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, taskID uuid.UUID, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.lifecycle.Heartbeat(ctx, taskID)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrInvalidTransition):
				cancel(errTaskFinalized)
				return
			case ctx.Err() == nil:
				r.logger.Warn("failed to refresh task heartbeat", "task_id", taskID, "error", err)
			}
		}
	}
}

// watchdog periodically fails processing tasks whose heartbeat has expired.
func (r *Runner) watchdog(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.failStale(ctx)
		}
	}
}

func (r *Runner) failStale(ctx context.Context) {
	stale, err := r.lifecycle.StaleTasks(ctx, r.config.StaleTaskAge)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to check for stale tasks", "error", err)
		}
		return
	}
	if len(stale) == 0 {
		return
	}

	r.logger.Warn("found stale tasks", "count", len(stale))
	for _, t := range stale {
		r.fail(ctx, t.ID, domain.ErrorCodeWatchdogTimeout,
			fmt.Sprintf("No heartbeat for %s", r.config.StaleTaskAge))
	}
}

// fail records a failure, tolerating tasks that already reached a terminal state.
func (r *Runner) fail(ctx context.Context, taskID uuid.UUID, code, message string) {
	err := r.lifecycle.MarkFailed(ctx, taskID, code, message)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		r.logger.Debug("task already finalized", "task_id", taskID, "error_code", code)
	default:
		r.logger.Error("failed to mark task failed",
			"task_id", taskID,
			"error_code", code,
			"error", err)
	}
}

// reporter forwards executor progress to the lifecycle.
type reporter struct {
	lifecycle Lifecycle
	taskID    uuid.UUID
}

func (p *reporter) Progress(ctx context.Context, update ProgressUpdate) error {
	return p.lifecycle.ReportProgress(ctx, p.taskID, update)
}
