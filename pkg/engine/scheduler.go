package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openfroyo/buildcache/pkg/services"
	"github.com/openfroyo/buildcache/pkg/telemetry"
)

// SchedulerConfig wires a Scheduler. Only Executor is required.
type SchedulerConfig struct {
	// MaxParallel is the maximum number of concurrent workers.
	MaxParallel int

	// Executor runs task bodies.
	Executor Executor

	// Gate bounds concurrent use of shared services. Nil disables it.
	Gate *services.Gate

	// BaseBackoff is the first retry delay. MaxBackoff caps later ones.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer
}

// ScheduleOptions tunes a single run.
type ScheduleOptions struct {
	// SessionID tags events and log lines.
	SessionID string

	// MaxParallel lowers the scheduler's worker count for this run.
	MaxParallel int

	// FailFast stops after the first level with a failed task.
	FailFast bool

	// DryRun marks every runnable task as succeeded without executing it.
	DryRun bool
}

// Scheduler executes a task graph level by level, running the tasks of a
// level in parallel. A task runs only when all of its dependencies
// succeeded, and holds a permit for every service it declared while its
// body runs.
type Scheduler struct {
	maxParallel int
	executor    Executor
	gate        *services.Gate
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Executor == nil {
		return nil, NewPermanentError("scheduler needs an executor", nil).WithCode(ErrCodeValidation)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNopLogger()
	}

	return &Scheduler{
		maxParallel: cfg.MaxParallel,
		executor:    cfg.Executor,
		gate:        cfg.Gate,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      cfg.Logger.NewComponentLogger("scheduler"),
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		tracer:      cfg.Tracer,
	}, nil
}

// runState tracks the tasks of one Run.
type runState struct {
	mu      sync.RWMutex
	status  map[string]TaskStatus
	results map[string]*TaskResult
}

func (r *runState) setStatus(id string, status TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[id] = status
}

func (r *runState) store(result *TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[result.TaskID] = result.Status
	r.results[result.TaskID] = result
}

// Run executes every task of g and returns once all of them settled. The
// returned error is non-nil only when ctx ended; task failures are reported
// in the result.
func (s *Scheduler) Run(ctx context.Context, g *TaskGraph, opts ScheduleOptions) (*RunResult, error) {
	if g == nil {
		return nil, NewPermanentError("task graph is nil", nil).WithCode(ErrCodeValidation)
	}

	start := time.Now()
	state := &runState{
		status:  make(map[string]TaskStatus, g.Len()),
		results: make(map[string]*TaskResult, g.Len()),
	}
	for _, id := range g.order {
		state.status[id] = TaskStatusPending
	}

	logger := s.logger
	if opts.SessionID != "" {
		logger = logger.WithSessionID(opts.SessionID)
	}
	logger.WithFields(map[string]interface{}{
		"tasks":  g.Len(),
		"levels": g.Depth(),
	}).Debug("executing task graph")

	var runErr error
	for level := 0; level < g.Depth(); level++ {
		if err := ctx.Err(); err != nil {
			runErr = NewPermanentError("execution cancelled", err).WithCode(ErrCodeCancelled)
			break
		}

		failed := s.executeLevel(ctx, g, level, state, opts)
		if failed && opts.FailFast {
			logger.Infof("level %d failed, stopping", level)
			break
		}
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = NewPermanentError("execution cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	}
	reason := "not executed"
	if runErr != nil {
		reason = "execution cancelled"
	}
	s.skipUnsettled(g, state, reason)

	result := &RunResult{
		Results:  state.results,
		Summary:  summarize(state),
		Duration: time.Since(start),
	}
	logger.WithFields(map[string]interface{}{
		"succeeded": result.Summary.Succeeded,
		"failed":    result.Summary.Failed,
		"skipped":   result.Summary.Skipped,
	}).Info("task graph executed")

	return result, runErr
}

// executeLevel runs one level through a worker pool and reports whether any
// task of the level failed.
func (s *Scheduler) executeLevel(ctx context.Context, g *TaskGraph, level int, state *runState, opts ScheduleOptions) bool {
	tasks := g.Level(level)
	if len(tasks) == 0 {
		return false
	}

	workerCount := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workerCount {
		workerCount = opts.MaxParallel
	}
	if len(tasks) < workerCount {
		workerCount = len(tasks)
	}

	workQueue := make(chan *Task, len(tasks))
	for _, t := range tasks {
		workQueue <- t
	}
	close(workQueue)

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   bool
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range workQueue {
				if ctx.Err() != nil {
					return
				}
				if dep, ok := s.failedDependency(task, state); !ok {
					s.markSkipped(task, state, fmt.Sprintf("dependency %s did not succeed", dep))
					continue
				}
				if res := s.executeTask(ctx, task, level, state, opts); res.Status == TaskStatusFailed {
					failedMu.Lock()
					failed = true
					failedMu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	return failed
}

// failedDependency returns the first dependency that did not succeed.
func (s *Scheduler) failedDependency(task *Task, state *runState) (string, bool) {
	state.mu.RLock()
	defer state.mu.RUnlock()

	for _, dep := range task.DependsOn {
		if state.status[dep] != TaskStatusSucceeded {
			return dep, false
		}
	}
	return "", true
}

// executeTask runs a task with retries and records its result.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, level int, state *runState, opts ScheduleOptions) *TaskResult {
	state.setStatus(task.ID, TaskStatusRunning)
	logger := s.logger.WithTaskID(task.ID)
	if err := s.events.PublishTaskStarted(opts.SessionID, task.ID); err != nil {
		logger.WithError(err).Debug("task event dropped")
	}

	spanCtx, span := s.tracer.StartTaskSpan(ctx, task.ID, level)
	defer span.End()

	result := &TaskResult{TaskID: task.ID, StartedAt: time.Now()}

	var err error
retry:
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		result.Attempts = attempt + 1
		if opts.DryRun {
			err = nil
			break
		}

		err = s.attempt(spanCtx, task)
		if err == nil || !IsRetryable(err) || attempt >= task.MaxRetries {
			break
		}

		backoff := s.calculateBackoff(attempt, err)
		logger.WithError(err).Warnf("retrying after failure (attempt %d/%d) in %s", attempt+1, task.MaxRetries+1, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		}
	}

	if s.gate != nil {
		if ferr := s.gate.Forget(task.ID); ferr != nil {
			logger.WithError(ferr).Error("task left service permits behind")
		}
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	if err != nil {
		result.Status = TaskStatusFailed
		result.Error = Classify(err).WithTask(task.ID).WithOperation("execute")
		telemetry.RecordError(span, err)
		s.metrics.RecordError(string(result.Error.Class))
		if perr := s.events.PublishTaskFailed(opts.SessionID, task.ID, err.Error()); perr != nil {
			logger.WithError(perr).Debug("task event dropped")
		}
		logger.WithError(err).Error("task failed")
	} else {
		result.Status = TaskStatusSucceeded
		telemetry.RecordSuccess(span)
		if perr := s.events.PublishTaskCompleted(opts.SessionID, task.ID, result.Duration); perr != nil {
			logger.WithError(perr).Debug("task event dropped")
		}
		logger.Debugf("task completed in %s", result.Duration)
	}
	s.metrics.RecordTaskExecution(string(result.Status), result.Duration)

	state.store(result)
	return result
}

// attempt runs the task body once under its timeout and service permits.
func (s *Scheduler) attempt(ctx context.Context, task *Task) error {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	if s.gate == nil {
		return s.executor.ExecuteTask(ctx, task)
	}
	return s.gate.WithPermits(ctx, task.ID, func(ctx context.Context) error {
		return s.executor.ExecuteTask(ctx, task)
	})
}

// calculateBackoff calculates exponential backoff with jitter.
func (s *Scheduler) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := s.baseBackoff

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay *= 5
	} else if IsConflict(err) {
		baseDelay *= 2
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}

	// Add jitter (+12.5%)
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func (s *Scheduler) markSkipped(task *Task, state *runState, reason string) {
	now := time.Now()
	state.store(&TaskResult{
		TaskID:      task.ID,
		Status:      TaskStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError(reason, nil).
			WithCode(ErrCodeDependencyFailed).
			WithTask(task.ID),
	})
	s.metrics.RecordTaskExecution(string(TaskStatusSkipped), 0)
	s.logger.WithTaskID(task.ID).Infof("task skipped: %s", reason)
}

// skipUnsettled marks tasks that never ran as skipped.
func (s *Scheduler) skipUnsettled(g *TaskGraph, state *runState, reason string) {
	for _, id := range g.order {
		state.mu.RLock()
		status := state.status[id]
		state.mu.RUnlock()
		if status.IsTerminal() {
			continue
		}
		task, _ := g.Task(id)
		s.markSkipped(task, state, reason)
	}
}

func summarize(state *runState) RunSummary {
	state.mu.RLock()
	defer state.mu.RUnlock()

	summary := RunSummary{Total: len(state.status)}
	for _, status := range state.status {
		switch status {
		case TaskStatusSucceeded:
			summary.Succeeded++
		case TaskStatusFailed:
			summary.Failed++
		case TaskStatusSkipped:
			summary.Skipped++
		}
	}
	return summary
}
