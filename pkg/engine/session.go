package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/buildcache/pkg/cache"
	"github.com/openfroyo/buildcache/pkg/config"
	"github.com/openfroyo/buildcache/pkg/policy"
	"github.com/openfroyo/buildcache/pkg/problems"
	"github.com/openfroyo/buildcache/pkg/services"
	"github.com/openfroyo/buildcache/pkg/stores"
	"github.com/openfroyo/buildcache/pkg/telemetry"
)

// ErrSessionUsed is returned when Run is called on a session that already ran.
var ErrSessionUsed = errors.New("session already ran")

// SessionOptions configures one build-tree session.
type SessionOptions struct {
	// Config is the loaded build configuration. Required.
	Config *config.BuildConfig

	// RequestedTasks are the tasks the build was invoked with. Empty selects
	// every task.
	RequestedTasks []string

	// Store persists cache entries and session history. Required.
	Store stores.Store

	// Telemetry defaults to telemetry.NewNop().
	Telemetry *telemetry.Telemetry

	// Configurer runs task scripts. Defaults to a Starlark evaluator.
	Configurer Configurer

	// Policies checks every configured task. Defaults to the policies
	// selected by the configuration, if any.
	Policies PolicyChecker

	// Executor runs task bodies. Defaults to an executor that touches the
	// task's services and then waits for the task's work duration.
	Executor Executor

	// ReportDir overrides the report directory of the configuration.
	ReportDir string

	// ForceUpdate refreshes every project of a valid entry instead of
	// loading it.
	ForceUpdate bool

	// MaxParallel bounds concurrently running tasks.
	MaxParallel int

	// FailFast stops execution after the first failed level.
	FailFast bool

	// ScriptTimeout bounds each configuration script.
	ScriptTimeout time.Duration

	// Listener receives the events of this session while it runs.
	Listener telemetry.EventSubscriber
}

// Session is the lifetime of one build tree: it picks the cache action,
// configures and executes the requested tasks, and takes the cache decision
// at the end. A session runs once.
type Session struct {
	id       string
	opts     SessionOptions
	cfg      *config.BuildConfig
	tasks    []config.TaskConfig
	entryKey string
	projects map[string]string

	store    stores.Store
	registry *services.Registry
	gate     *services.Gate
	engine   *cache.Engine

	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	mu     sync.Mutex
	ran    bool
	status SessionStatus
	errMsg *string
}

var _ cache.OutcomeRecorder = (*Session)(nil)

// NewSession prepares a session. Nothing is persisted until Run.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Config == nil {
		return nil, NewPermanentError("session needs a build configuration", nil).WithCode(ErrCodeValidation)
	}
	if opts.Store == nil {
		return nil, NewPermanentError("session needs a store", nil).WithCode(ErrCodeValidation)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.Configurer == nil {
		opts.Configurer = config.NewStarlarkEvaluator(opts.ScriptTimeout)
	}
	if opts.ReportDir == "" {
		opts.ReportDir = opts.Config.Session.ReportDir
	}
	if opts.ReportDir == "" {
		opts.ReportDir = "build/reports"
	}

	tasks, err := opts.Config.TasksFor(opts.RequestedTasks)
	if err != nil {
		return nil, NewPermanentError("cannot select tasks", err).WithCode(ErrCodeNotFound)
	}

	id := uuid.New().String()
	tel := opts.Telemetry
	s := &Session{
		id:       id,
		opts:     opts,
		cfg:      opts.Config,
		tasks:    tasks,
		entryKey: stores.EntryKey(opts.RequestedTasks, opts.Config.Fingerprint()),
		projects: config.ProjectFingerprints(tasks),
		store:    opts.Store,
		registry: services.NewRegistry(tel.Logger, tel.Metrics, tel.Events),
		gate:     services.NewGate(tel.Logger, tel.Metrics),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("session").WithSessionID(id),
		status:   SessionStatusRunning,
	}
	if s.opts.Executor == nil {
		s.opts.Executor = ExecutorFunc(s.executeTask)
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// EntryKey returns the key of the cache entry this session works on.
func (s *Session) EntryKey() string { return s.entryKey }

// Registry returns the session's shared service registry.
func (s *Session) Registry() *services.Registry { return s.registry }

// Gate returns the session's concurrency gate.
func (s *Session) Gate() *services.Gate { return s.gate }

// Cache returns the decision engine, or nil before Run picked the action.
func (s *Session) Cache() *cache.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Run executes the session. The returned error is the build failure, if
// any: an invalid task script, a problems failure raised by the cache
// decision, failed tasks, or cancellation. The result is returned in every
// case where the session got far enough to pick a cache action.
func (s *Session) Run(ctx context.Context) (*SessionResult, error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil, NewPermanentError("cannot run session", ErrSessionUsed).WithCode(ErrCodeValidation)
	}
	s.ran = true
	s.mu.Unlock()

	start := time.Now()
	ctx, span := s.tel.Tracer.StartSessionSpan(ctx, s.id, s.opts.RequestedTasks)
	defer span.End()
	// Teardown and bookkeeping outlive cancellation of the build.
	cleanupCtx := context.WithoutCancel(ctx)

	if s.opts.Listener != nil {
		unsubscribe := s.tel.Events.Subscribe(s.opts.Listener, telemetry.FilterBySessionID(s.id))
		defer unsubscribe()
	}
	s.tel.Metrics.RecordSessionStarted()
	if err := s.tel.Events.PublishSessionStarted(s.id, s.opts.RequestedTasks); err != nil {
		s.logger.WithError(err).Debug("session event dropped")
	}

	action, reused, updated, err := s.decideAction(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	engine := cache.NewEngine(s.cfg.SessionConfig(s.opts.RequestedTasks),
		cache.WithLogger(s.tel.Logger),
		cache.WithMetrics(s.tel.Metrics),
		cache.WithEvents(s.tel.Events),
		cache.WithOutcomeRecorder(s),
		cache.WithSessionID(s.id),
	)
	if err := engine.SetAction(action, s.invalidateEntry); err != nil {
		return nil, NewPermanentError("cannot set cache action", err).WithCode(ErrCodeInternal)
	}
	if action == cache.ActionUpdate {
		if err := engine.SetProjectStateStats(reused, updated); err != nil {
			return nil, NewPermanentError("cannot set project stats", err).WithCode(ErrCodeInternal)
		}
	}
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"action":    action.String(),
		"entry_key": s.entryKey,
		"tasks":     len(s.tasks),
	}).Info("session started")

	if err := s.store.CreateSession(ctx, &stores.SessionRecord{
		ID:        s.id,
		EntryKey:  s.entryKey,
		Action:    action.String(),
		Outcome:   stores.SessionOutcomeRunning,
		StartedAt: start,
	}); err != nil {
		return nil, NewTransientError("failed to record session", err).WithCode(ErrCodeStoreFailed)
	}

	result := &SessionResult{
		ID:       s.id,
		EntryKey: s.entryKey,
		Action:   action,
	}

	var buildErr error
	if err := s.registerServices(ctx); err != nil {
		buildErr = err
	}

	configuredOK := false
	if buildErr == nil {
		result.Configured, buildErr = s.configure(ctx, engine, action, reused)
		configuredOK = buildErr == nil
	}

	if buildErr == nil {
		run, err := s.execute(ctx)
		result.Run = run
		switch {
		case err != nil:
			buildErr = err
		case run != nil && run.Summary.Failed > 0:
			buildErr = NewPermanentError(fmt.Sprintf("%s failed", cache.Count(run.Summary.Failed, "task")), nil).
				WithCode(ErrCodeTaskFailed).
				WithDetail("tasks", run.Failed())
		}
	}

	// The decision is taken even when the build failed.
	var failure error
	reportCtx, reportSpan := s.tel.Tracer.StartReportSpan(ctx, action.String())
	reportErr := engine.Report(reportCtx, s.opts.ReportDir, func(err error) { failure = err })
	summary := engine.Collector().Snapshot()
	reportSpan.SetAttributes(
		telemetry.AttrCacheDecision.String(engine.Decision()),
		telemetry.AttrProblemCount.Int(summary.ProblemCount),
		telemetry.AttrFailureCount.Int(summary.FailureCount),
	)
	if reportErr != nil {
		telemetry.RecordError(reportSpan, reportErr)
	}
	reportSpan.End()

	switch {
	case reportErr != nil:
		buildErr = errors.Join(buildErr, reportErr)
	case failure != nil && buildErr == nil:
		buildErr = failure
	case failure != nil:
		buildErr = errors.Join(failure, buildErr)
	}

	// Task failures do not make the configuration less reusable.
	if reportErr == nil && configuredOK {
		s.persistEntry(cleanupCtx, engine, action)
	}

	status := SessionStatusSucceeded
	switch {
	case ctx.Err() != nil:
		status = SessionStatusCancelled
	case buildErr != nil:
		status = SessionStatusFailed
	}
	s.setStatus(status, buildErr)

	result.StatusLine = engine.Teardown(cleanupCtx)
	result.Decision = engine.Decision()
	result.Status = status
	result.Problems = summary

	if err := s.registry.CloseAll(cleanupCtx); err != nil {
		s.logger.WithError(err).Error("failed to close shared services")
	}

	result.Duration = time.Since(start)
	s.tel.Metrics.RecordSessionCompleted(action.String(), string(status), result.Duration)
	if err := s.tel.Events.PublishSessionCompleted(s.id, string(status), result.Duration); err != nil {
		s.logger.WithError(err).Debug("session event dropped")
	}
	if buildErr != nil {
		telemetry.RecordError(span, buildErr)
	} else {
		telemetry.RecordSuccess(span)
	}

	s.logger.WithFields(map[string]interface{}{
		"status":   string(status),
		"decision": result.Decision,
		"duration": result.Duration.String(),
	}).Info("session finished")

	return result, buildErr
}

// decideAction compares the stored entry with the current project
// fingerprints.
func (s *Session) decideAction(ctx context.Context) (cache.Action, int, int, error) {
	entry, err := s.store.GetEntry(ctx, s.entryKey)
	if errors.Is(err, stores.ErrNotFound) || (err == nil && !entry.Valid()) {
		return cache.ActionStore, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, NewTransientError("failed to read cache entry", err).WithCode(ErrCodeStoreFailed)
	}

	stored, err := s.store.GetProjectStates(ctx, s.entryKey)
	if err != nil {
		return 0, 0, 0, NewTransientError("failed to read project states", err).WithCode(ErrCodeStoreFailed)
	}

	if s.opts.ForceUpdate {
		return cache.ActionUpdate, 0, len(s.projects), nil
	}

	reused := 0
	for project, fp := range s.projects {
		if stored[project] == fp {
			reused++
		}
	}
	if reused == len(s.projects) && len(stored) == len(s.projects) {
		return cache.ActionLoad, 0, 0, nil
	}
	return cache.ActionUpdate, reused, len(s.projects) - reused, nil
}

// invalidateEntry discards the persisted entry. An entry that was never
// stored has nothing to discard.
func (s *Session) invalidateEntry(ctx context.Context) error {
	err := s.store.InvalidateEntry(ctx, s.entryKey)
	if errors.Is(err, stores.ErrNotFound) {
		return nil
	}
	return err
}

// registerServices registers the configured services and declares the
// static usages of every selected task.
func (s *Session) registerServices(ctx context.Context) error {
	for _, svc := range s.cfg.Services {
		factory, err := services.BuiltinFactory(svc.Kind)
		if err != nil {
			return NewPermanentError("cannot register service", err).WithCode(ErrCodeValidation)
		}
		opts := []services.RegisterOption{services.WithDependsOn(svc.DependsOn...)}
		if svc.MaxParallelUsages != nil {
			opts = append(opts, services.WithMaxParallelUsages(*svc.MaxParallelUsages))
		}
		if _, err := s.registry.RegisterIfAbsent(svc.Key, factory, services.Parameters(svc.Params), opts...); err != nil {
			return NewPermanentError("cannot register service", err).WithCode(ErrCodeServiceFailed)
		}
	}

	for _, task := range s.tasks {
		for _, key := range task.Uses {
			if err := s.declareUsage(task.ID, key); err != nil {
				return NewPermanentError("cannot declare service usage", err).
					WithCode(ErrCodeUsage).
					WithTask(task.ID)
			}
		}
	}
	return ctx.Err()
}

func (s *Session) declareUsage(taskID, key string) error {
	h, ok := s.registry.Lookup(key)
	if !ok {
		return fmt.Errorf("service %q is not registered", key)
	}
	return s.gate.DeclareUsage(taskID, h)
}

// configure runs the configuration scripts. Load skips them; Update only
// runs those of changed projects.
func (s *Session) configure(ctx context.Context, engine *cache.Engine, action cache.Action, reused int) ([]string, error) {
	if action == cache.ActionLoad {
		s.logger.Debug("configuration loaded from cache, skipping task scripts")
		return nil, nil
	}

	checker := s.opts.Policies
	if checker == nil && s.cfg.Policies.Enabled() {
		policies, err := policy.FromConfig(ctx, s.cfg, *s.tel.Logger.Zerolog())
		if err != nil {
			return nil, NewPermanentError("invalid task policies", err).WithCode(ErrCodeValidation)
		}
		checker = policies
	}

	var stored map[string]string
	if action == cache.ActionUpdate && !s.opts.ForceUpdate && reused > 0 {
		var err error
		stored, err = s.store.GetProjectStates(ctx, s.entryKey)
		if err != nil {
			return nil, NewTransientError("failed to read project states", err).WithCode(ErrCodeStoreFailed)
		}
	}

	var configured []string
	for _, task := range s.tasks {
		if stored != nil && stored[task.Project] == s.projects[task.Project] {
			continue
		}

		recorder := engine.Recorder()
		if task.Incompatible {
			recorder = engine.ScopedAt(problems.SeverityWarning)
		}
		host := &taskHost{session: s, engine: engine, taskID: task.ID, recorder: recorder}

		if checker != nil {
			found, err := checker.CheckTask(ctx, policy.Input{
				Build:    s.cfg.Name,
				Task:     task,
				Services: s.cfg.Services,
				Action:   action.String(),
			})
			if err != nil {
				return configured, Classify(err).WithTask(task.ID).WithOperation("policy")
			}
			for _, p := range found {
				host.Record(p, p.Severity)
			}
		}

		if _, err := s.opts.Configurer.RunTask(ctx, task, host); err != nil {
			return configured, Classify(err).WithTask(task.ID).WithOperation("configure")
		}
		configured = append(configured, task.ID)
	}
	return configured, nil
}

// execute runs the selected tasks through the scheduler.
func (s *Session) execute(ctx context.Context) (*RunResult, error) {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, tc := range s.tasks {
		work, err := tc.WorkDuration()
		if err != nil {
			return nil, NewPermanentError("invalid task", err).WithCode(ErrCodeValidation).WithTask(tc.ID)
		}
		var uses []string
		for _, h := range s.gate.Declared(tc.ID) {
			uses = append(uses, h.Key())
		}
		tasks = append(tasks, &Task{
			ID:        tc.ID,
			Project:   tc.Project,
			DependsOn: tc.DependsOn,
			Uses:      uses,
			Work:      work,
		})
	}

	g, err := NewTaskGraph(tasks)
	if err != nil {
		return nil, err
	}

	scheduler, err := NewScheduler(SchedulerConfig{
		MaxParallel: s.opts.MaxParallel,
		Executor:    s.opts.Executor,
		Gate:        s.gate,
		Logger:      s.tel.Logger,
		Metrics:     s.tel.Metrics,
		Events:      s.tel.Events,
		Tracer:      s.tel.Tracer,
	})
	if err != nil {
		return nil, err
	}

	return scheduler.Run(ctx, g, ScheduleOptions{
		SessionID:   s.id,
		MaxParallel: s.opts.MaxParallel,
		FailFast:    s.opts.FailFast,
	})
}

// executeTask is the default executor. It resolves every service the task
// declared, takes a token from limiters, bumps counters and then waits for
// the task's work duration.
func (s *Session) executeTask(ctx context.Context, task *Task) error {
	for _, h := range s.gate.Declared(task.ID) {
		inst, err := s.registry.Resolve(ctx, h)
		if err != nil {
			return err
		}
		switch svc := inst.(type) {
		case *services.Limiter:
			if err := svc.Wait(ctx); err != nil {
				return err
			}
		case *services.Counter:
			svc.Add(1)
		}
	}

	if task.Work <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(task.Work)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistEntry stores or refreshes the entry after a decision that kept it.
func (s *Session) persistEntry(ctx context.Context, engine *cache.Engine, action cache.Action) {
	if engine.Decision() != cache.DecisionKept {
		return
	}

	var err error
	switch action {
	case cache.ActionLoad:
		err = s.store.TouchEntry(ctx, s.entryKey)
	case cache.ActionStore, cache.ActionUpdate:
		requested := append([]string(nil), s.opts.RequestedTasks...)
		sort.Strings(requested)
		err = s.store.PutEntry(ctx, &stores.CacheEntry{
			Key:            s.entryKey,
			RequestedTasks: requested,
			Fingerprint:    s.cfg.Fingerprint(),
			Projects:       len(s.projects),
		}, s.projects)
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to persist configuration cache entry")
	}
}

func (s *Session) setStatus(status SessionStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if err != nil {
		msg := err.Error()
		s.errMsg = &msg
	}
}

// RecordOutcome completes the session's history row.
func (s *Session) RecordOutcome(ctx context.Context, outcome cache.Outcome) error {
	s.mu.Lock()
	status := s.status
	errMsg := s.errMsg
	s.mu.Unlock()

	return s.store.CompleteSession(ctx, s.id, stores.SessionCompletion{
		Decision:     outcome.Decision,
		Outcome:      status.Outcome(),
		ProblemCount: outcome.ProblemCount,
		FailureCount: outcome.FailureCount,
		StatusLine:   outcome.StatusLine,
		Error:        errMsg,
	})
}

// taskHost connects a task script to the session.
type taskHost struct {
	session  *Session
	engine   *cache.Engine
	taskID   string
	recorder problems.Recorder
}

func (h *taskHost) Record(p problems.Problem, severity problems.Severity) bool {
	return h.recorder.Record(p, severity)
}

func (h *taskHost) Use(key string) error {
	return h.session.declareUsage(h.taskID, key)
}

func (h *taskHost) FlagSerializationFailure(reason string) {
	h.session.logger.WithTaskID(h.taskID).Warnf("configuration state cannot be serialized: %s", reason)
	h.engine.FlagSerializationFailure()
}
