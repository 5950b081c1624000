package problems

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/buildcache/pkg/telemetry"
)

// MaxCauses caps the number of unique causes kept in a Summary.
const MaxCauses = 5

// Summary is an immutable snapshot of everything recorded so far.
type Summary struct {
	ProblemCount int
	FailureCount int

	// Causes holds the first MaxCauses unique causes in recording order.
	Causes []error

	// UniqueCauseCount counts every unique cause, including those past the cap.
	UniqueCauseCount int

	HasIncompatibleTypes bool
}

// ConsoleText renders the summary for the console. The report location is
// omitted when empty.
func (s Summary) ConsoleText(header, reportLocation string) string {
	var b strings.Builder
	b.WriteString(header)
	for _, cause := range s.Causes {
		b.WriteString("\n- ")
		b.WriteString(cause.Error())
	}
	if hidden := s.UniqueCauseCount - len(s.Causes); hidden > 0 {
		fmt.Fprintf(&b, "\nplus %d more problem%s. Please see the report for details.", hidden, plural(hidden))
	}
	if reportLocation != "" {
		b.WriteString("\n\nSee the complete report at ")
		b.WriteString(reportLocation)
	}
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// Collector is the session-wide problem sink. Record is safe for concurrent
// use; Snapshot belongs to the single-threaded report phase after all tasks
// have finished.
type Collector struct {
	mu           sync.Mutex
	problemCount int
	failureCount int
	kinds        map[string]struct{}
	causeKeys    map[string]struct{}
	causes       []error
	incompatible bool
	finalized    bool

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewCollector creates an empty collector. Logger and metrics may be nil.
func NewCollector(logger *telemetry.Logger, metrics *telemetry.Metrics) *Collector {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Collector{
		kinds:     make(map[string]struct{}),
		causeKeys: make(map[string]struct{}),
		logger:    logger.NewComponentLogger("problems"),
		metrics:   metrics,
	}
}

// Record counts p at the given severity. It returns true when p is the first
// problem of its kind. After Finalize the problem is dropped and false is
// returned.
func (c *Collector) Record(p Problem, severity Severity) bool {
	p.Severity = severity

	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		c.logger.WithFields(map[string]interface{}{
			"kind":     p.Kind,
			"location": p.Location,
		}).Error("problem recorded after the report phase; dropped")
		return false
	}

	c.problemCount++
	if severity == SeverityFailure {
		c.failureCount++
	}

	key := p.String()
	if _, seen := c.causeKeys[key]; !seen {
		c.causeKeys[key] = struct{}{}
		if len(c.causes) < MaxCauses {
			c.causes = append(c.causes, p.Err())
		}
	}

	_, seen := c.kinds[p.Kind]
	if !seen {
		c.kinds[p.Kind] = struct{}{}
	}
	c.mu.Unlock()

	c.metrics.RecordProblem(severity.String())
	return !seen
}

// ScopedAt returns a Recorder that records every problem at severity,
// whatever the caller passes. Creating the scope marks the session as having
// incompatible types.
func (c *Collector) ScopedAt(severity Severity) Recorder {
	c.mu.Lock()
	c.incompatible = true
	c.mu.Unlock()
	return &scopedRecorder{target: c, severity: severity}
}

type scopedRecorder struct {
	target   Recorder
	severity Severity
}

func (s *scopedRecorder) Record(p Problem, _ Severity) bool {
	return s.target.Record(p, s.severity)
}

// Snapshot returns the current summary. Calling it while tasks still record
// yields a valid but possibly incomplete count.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	causes := make([]error, len(c.causes))
	copy(causes, c.causes)

	return Summary{
		ProblemCount:         c.problemCount,
		FailureCount:         c.failureCount,
		Causes:               causes,
		UniqueCauseCount:     len(c.causeKeys),
		HasIncompatibleTypes: c.incompatible,
	}
}

// Finalize closes the collector. Report and teardown both observe the counts
// frozen here.
func (c *Collector) Finalize() {
	c.mu.Lock()
	c.finalized = true
	c.mu.Unlock()
}

// Finalized reports whether Finalize was called.
func (c *Collector) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}
