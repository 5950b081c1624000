// Package problems records defects found while tasks declare or use cached
// build state, and aggregates them into a summary for the cache decision.
package problems

import (
	"errors"
	"fmt"
	"strings"
)

// Severity classifies a recorded problem.
type Severity int

const (
	// SeverityWarning problems never fail the build on their own.
	SeverityWarning Severity = iota

	// SeverityFailure problems fail the build when failOnProblems is set.
	SeverityFailure
)

// String returns the lower-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityFailure:
		return "failure"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity converts "warning" or "failure" into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return SeverityWarning, nil
	case "failure", "fail", "error":
		return SeverityFailure, nil
	default:
		return SeverityWarning, fmt.Errorf("unknown problem severity %q", s)
	}
}

// Problem is one defect in how a task declared or used persisted state.
type Problem struct {
	// Kind is the problem category. Deduplication happens per kind.
	Kind string `json:"kind"`

	// Message describes the defect.
	Message string `json:"message"`

	// Location points at what caused the problem, usually a task path.
	Location string `json:"location,omitempty"`

	// Cause is an optional underlying error.
	Cause error `json:"-"`

	// Severity is set by the collector when the problem is recorded.
	Severity Severity `json:"severity"`
}

// String renders the problem as "location: message".
func (p Problem) String() string {
	if p.Location == "" {
		return p.Message
	}
	return p.Location + ": " + p.Message
}

// Err returns the problem as an error, wrapping Cause when present.
func (p Problem) Err() error {
	if p.Cause != nil {
		return &causeError{text: p.String(), cause: p.Cause}
	}
	return errors.New(p.String())
}

type causeError struct {
	text  string
	cause error
}

func (e *causeError) Error() string { return e.text + ": " + e.cause.Error() }
func (e *causeError) Unwrap() error { return e.cause }

// Recorder accepts problems from executing tasks.
type Recorder interface {
	// Record counts the problem and reports whether it is the first problem of its kind.
	Record(p Problem, severity Severity) bool
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(p Problem, severity Severity) bool

// Record calls f.
func (f RecorderFunc) Record(p Problem, severity Severity) bool {
	return f(p, severity)
}
