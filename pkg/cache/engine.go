package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/buildcache/pkg/problems"
	"github.com/openfroyo/buildcache/pkg/report"
	"github.com/openfroyo/buildcache/pkg/telemetry"
)

// ReportWriter writes the human-facing problems report.
type ReportWriter interface {
	Add(p problems.Problem)
	Write(ctx context.Context, outputDir string, h report.Header) (string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics the engine records decisions into.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithEvents sets the publisher for problem and decision events.
func WithEvents(events *telemetry.EventPublisher) Option {
	return func(e *Engine) { e.events = events }
}

// WithReportWriter replaces the default goldmark report writer.
func WithReportWriter(w ReportWriter) Option {
	return func(e *Engine) { e.writer = w }
}

// WithOutcomeRecorder persists the session outcome at teardown.
func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(e *Engine) { e.outcomes = r }
}

// WithSessionID tags logs and events with the session id.
func WithSessionID(id string) Option {
	return func(e *Engine) { e.sessionID = id }
}

// WithCollector shares an existing problem collector.
func WithCollector(c *problems.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// Engine owns the session-wide cache state. Setters may be called while tasks
// run; Report, FinalStatusLine and Teardown belong to the single-threaded
// phase after all tasks finished.
type Engine struct {
	config    SessionConfig
	collector *problems.Collector
	writer    ReportWriter
	outcomes  OutcomeRecorder
	sessionID string

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	mu                   sync.Mutex
	action               Action
	invalidate           InvalidateFunc
	invalidated          bool
	failOnProblems       bool
	serializationFailure bool
	statsSet             bool
	reusedProjects       int
	updatedProjects      int
	reported             bool
	decision             string
	tornDown             bool
	statusLine           string
}

// NewEngine creates the decision engine for one session.
func NewEngine(cfg SessionConfig, opts ...Option) *Engine {
	e := &Engine{
		config:         cfg,
		failOnProblems: cfg.FailOnProblems,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = telemetry.NewNopLogger()
	}
	e.logger = e.logger.NewComponentLogger("cache")
	if e.sessionID != "" {
		e.logger = e.logger.WithSessionID(e.sessionID)
	}
	if e.collector == nil {
		e.collector = problems.NewCollector(e.logger, e.metrics)
	}
	if e.writer == nil {
		e.writer = report.NewWriter(e.logger)
	}
	return e
}

// ID returns the name used by problem reporter registries.
func (e *Engine) ID() string {
	return ID
}

// Collector returns the underlying problem collector.
func (e *Engine) Collector() *problems.Collector {
	return e.collector
}

// Recorder returns the recorder tasks report problems to. The first problem
// of each kind is forwarded to the report.
func (e *Engine) Recorder() problems.Recorder {
	return &forwardingRecorder{engine: e, target: e.collector}
}

// ScopedAt returns a recorder that forces severity and marks the session as
// having incompatible types.
func (e *Engine) ScopedAt(severity problems.Severity) problems.Recorder {
	forced := severity
	return &forwardingRecorder{engine: e, target: e.collector.ScopedAt(severity), forced: &forced}
}

type forwardingRecorder struct {
	engine *Engine
	target problems.Recorder
	forced *problems.Severity
}

func (r *forwardingRecorder) Record(p problems.Problem, severity problems.Severity) bool {
	first := r.target.Record(p, severity)
	if !first {
		return false
	}
	if r.forced != nil {
		severity = *r.forced
	}
	p.Severity = severity
	r.engine.writer.Add(p)
	if err := r.engine.events.PublishProblemRecorded(r.engine.sessionID, p.Kind, severity.String(), p.String()); err != nil {
		r.engine.logger.WithError(err).Debug("problem event dropped")
	}
	return true
}

// SetAction binds the session's cache action and the callback that discards
// the persisted entry. It may be called once.
func (e *Engine) SetAction(action Action, invalidate InvalidateFunc) error {
	if action < ActionLoad || action > ActionUpdate {
		return fmt.Errorf("%w: invalid cache action %d", ErrUsage, int(action))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.action != actionUnset {
		return fmt.Errorf("%w: cache action already set to %s", ErrUsage, e.action)
	}
	e.action = action
	e.invalidate = invalidate
	return nil
}

// Action returns the session's cache action.
func (e *Engine) Action() (Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.action == actionUnset {
		return actionUnset, fmt.Errorf("%w: cache action read before it was set", ErrUsage)
	}
	return e.action, nil
}

// FlagSerializationFailure marks the session as failing for another reason.
// Problems no longer fail the build but the entry is still discarded.
func (e *Engine) FlagSerializationFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.serializationFailure = true
	e.failOnProblems = false
}

// SetProjectStateStats records the project counts shown for ActionUpdate.
func (e *Engine) SetProjectStateStats(reused, updated int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.statsSet {
		return fmt.Errorf("%w: project state stats already set", ErrUsage)
	}
	e.statsSet = true
	e.reusedProjects = reused
	e.updatedProjects = updated
	return nil
}

// decision is the outcome of the threshold rules for one summary.
type decision struct {
	summary              problems.Summary
	failDueToProblems    bool
	discardDueToProblems bool
	tooMany              bool
	discardState         bool
}

// A serialization failure always discards state, independent of problems.
func (e *Engine) decide(summary problems.Summary, failOnProblems, serializationFailure bool) decision {
	d := decision{summary: summary}
	d.failDueToProblems = summary.FailureCount > 0 && failOnProblems
	d.discardDueToProblems = (summary.ProblemCount > 0 || summary.HasIncompatibleTypes) && failOnProblems
	d.tooMany = summary.ProblemCount > e.config.MaxProblems
	d.discardState = d.discardDueToProblems || d.tooMany || serializationFailure
	return d
}

// Report takes the end-of-session decision. It invalidates the entry when
// state must be discarded, writes the problems report and raises a
// ProblemsFailure or TooManyProblemsFailure through sink. With a nil sink the
// failure is returned instead. Other returned errors are usage errors,
// invalidation failures and cancellation.
func (e *Engine) Report(ctx context.Context, outputDir string, sink FailureSink) error {
	e.mu.Lock()
	if e.action == actionUnset {
		e.mu.Unlock()
		return fmt.Errorf("%w: report requested before the cache action was set", ErrUsage)
	}
	if e.reported {
		e.mu.Unlock()
		return fmt.Errorf("%w: report already emitted for this session", ErrUsage)
	}
	e.reported = true
	action := e.action
	failOnProblems := e.failOnProblems
	serializationFailure := e.serializationFailure
	e.mu.Unlock()

	e.collector.Finalize()
	d := e.decide(e.collector.Snapshot(), failOnProblems, serializationFailure)

	e.logger.WithFields(map[string]interface{}{
		"action":           action.String(),
		"problems":         d.summary.ProblemCount,
		"failures":         d.summary.FailureCount,
		"fail_on_problems": failOnProblems,
		"discard_state":    d.discardState,
		"too_many":         d.tooMany,
	}).Debug("cache decision computed")

	if action != ActionLoad && d.discardState {
		if err := e.invalidateOnce(ctx); err != nil {
			e.setDecision(DecisionFailed)
			return err
		}
		e.setDecision(DecisionDiscarded)
	} else {
		e.setDecision(DecisionKept)
	}

	if d.summary.ProblemCount == 0 {
		return nil
	}

	location, err := e.writer.Write(ctx, outputDir, report.Header{
		ActionLabel:    action.Label(),
		RequestedTasks: strings.Join(e.config.RequestedTasks, " "),
		ProblemCount:   d.summary.ProblemCount,
	})
	if err != nil {
		e.logger.WithError(err).Error("failed to write problems report")
		location = ""
	}

	var failure error
	switch {
	case d.failDueToProblems:
		failure = newProblemsFailure(d.summary, problemsHeader(d.summary, action), location)
	case d.tooMany:
		failure = newTooManyProblemsFailure(d.summary, tooManyHeader(d.summary, e.config.MaxProblems), location)
	default:
		e.logger.Warn(d.summary.ConsoleText(consoleHeader(d.summary, action), location))
		return nil
	}

	e.setDecision(DecisionFailed)
	if sink == nil {
		return failure
	}
	sink(failure)
	return nil
}

// Decision returns what Report decided, or "" before Report ran.
func (e *Engine) Decision() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decision
}

func (e *Engine) setDecision(value string) {
	e.mu.Lock()
	e.decision = value
	e.mu.Unlock()
}

// invalidateOnce calls the invalidate callback at most once per session.
func (e *Engine) invalidateOnce(ctx context.Context) error {
	e.mu.Lock()
	if e.invalidated || e.invalidate == nil {
		e.invalidated = true
		e.mu.Unlock()
		return nil
	}
	e.invalidated = true
	invalidate := e.invalidate
	e.mu.Unlock()

	if err := invalidate(ctx); err != nil {
		return fmt.Errorf("failed to invalidate configuration cache entry: %w", err)
	}
	e.logger.Info("configuration cache entry invalidated")
	return nil
}

// FinalStatusLine returns the one-line session summary, or "" when there is
// nothing to say.
func (e *Engine) FinalStatusLine() string {
	e.mu.Lock()
	action := e.action
	failOnProblems := e.failOnProblems
	serializationFailure := e.serializationFailure
	reused, updated := e.reusedProjects, e.updatedProjects
	e.mu.Unlock()

	d := e.decide(e.collector.Snapshot(), failOnProblems, serializationFailure)
	n := d.summary.ProblemCount
	problemCount := Count(n, "problem")

	var line string
	switch {
	case serializationFailure && n == 0:
		line = "entry discarded."
	case serializationFailure:
		line = fmt.Sprintf("entry discarded with %s.", problemCount)
	case action == ActionStore && d.discardDueToProblems && n == 0:
		line = "entry discarded."
	case action == ActionStore && d.discardDueToProblems:
		line = fmt.Sprintf("entry discarded with %s.", problemCount)
	case action == ActionStore && d.tooMany:
		line = fmt.Sprintf("entry discarded with too many problems (%s).", problemCount)
	case action == ActionStore && n == 0:
		line = "entry stored."
	case action == ActionStore:
		line = fmt.Sprintf("entry stored with %s.", problemCount)
	case action == ActionUpdate && n == 0:
		line = fmt.Sprintf("entry updated for %s, %s up-to-date.", Count(updated, "project"), Count(reused, "project"))
	case action == ActionUpdate:
		line = fmt.Sprintf("entry updated for %s with %s, %s up-to-date.", Count(updated, "project"), problemCount, Count(reused, "project"))
	case action == ActionLoad && n == 0:
		line = "entry reused."
	case action == ActionLoad:
		line = fmt.Sprintf("entry reused with %s.", problemCount)
	case d.tooMany:
		line = fmt.Sprintf("too many problems found (%s).", problemCount)
	case n > 0:
		line = fmt.Sprintf("problems found (%s).", problemCount)
	default:
		return ""
	}
	return DisplayName + " " + line
}

// Teardown logs the final status line and persists the outcome. Only the
// first call has any effect; later calls return the same line.
func (e *Engine) Teardown(ctx context.Context) string {
	e.mu.Lock()
	if e.tornDown {
		line := e.statusLine
		e.mu.Unlock()
		return line
	}
	e.tornDown = true
	e.mu.Unlock()

	e.collector.Finalize()
	line := e.FinalStatusLine()
	summary := e.collector.Snapshot()

	e.mu.Lock()
	e.statusLine = line
	action := e.action
	decisionValue := e.decision
	e.mu.Unlock()

	if decisionValue == "" {
		decisionValue = DecisionKept
	}

	if line != "" {
		e.logger.Info(line)
	}
	e.metrics.RecordCacheDecision(action.String(), decisionValue)
	if err := e.events.PublishCacheDecided(e.sessionID, action.String(), decisionValue, line); err != nil {
		e.logger.WithError(err).Debug("decision event dropped")
	}

	if e.outcomes != nil {
		outcome := Outcome{
			Action:       action,
			Decision:     decisionValue,
			ProblemCount: summary.ProblemCount,
			FailureCount: summary.FailureCount,
			StatusLine:   line,
		}
		if err := e.outcomes.RecordOutcome(ctx, outcome); err != nil {
			e.logger.WithError(err).Error("failed to persist session outcome")
		}
	}
	return line
}

func consoleHeader(s problems.Summary, action Action) string {
	verb := "were"
	if s.ProblemCount == 1 {
		verb = "was"
	}
	header := fmt.Sprintf("%s %s found %s", Count(s.ProblemCount, "problem"), verb, action.Label())
	if s.UniqueCauseCount > 0 && s.UniqueCauseCount < s.ProblemCount {
		header += fmt.Sprintf(", %d of which seem unique", s.UniqueCauseCount)
	}
	return header + "."
}

func problemsHeader(s problems.Summary, action Action) string {
	return DisplayName + " problems found in this build.\n\n" + consoleHeader(s, action)
}

func tooManyHeader(s problems.Summary, maxProblems int) string {
	return fmt.Sprintf("Maximum number of configuration cache problems has been reached (%s, limit %d).",
		Count(s.ProblemCount, "problem"), maxProblems)
}
