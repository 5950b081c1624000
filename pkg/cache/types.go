// Package cache decides, once per build-tree session, whether the persisted
// configuration cache entry may be kept, must be discarded, or must fail the
// build, based on the problems recorded while tasks ran.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUsage marks a violation of the engine's call contract.
var ErrUsage = errors.New("cache engine usage error")

// DisplayName prefixes every status line and report header.
const DisplayName = "Configuration cache"

// ID is the name the engine registers under with problem reporter registries.
const ID = "configuration-cache"

// Action is the caching operation a session performs.
type Action int

const (
	actionUnset Action = iota

	// ActionLoad reuses a stored entry.
	ActionLoad

	// ActionStore computes and stores a new entry.
	ActionStore

	// ActionUpdate refreshes a stored entry for the projects that changed.
	ActionUpdate
)

// String returns the lower-case action name.
func (a Action) String() string {
	switch a {
	case ActionLoad:
		return "load"
	case ActionStore:
		return "store"
	case ActionUpdate:
		return "update"
	default:
		return "unset"
	}
}

// Label describes the action in report and console headers.
func (a Action) Label() string {
	switch a {
	case ActionLoad:
		return "reusing the configuration cache"
	case ActionStore:
		return "storing the configuration cache"
	case ActionUpdate:
		return "updating the configuration cache"
	default:
		return "using the configuration cache"
	}
}

// ParseAction converts "load", "store" or "update" into an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "load":
		return ActionLoad, nil
	case "store":
		return ActionStore, nil
	case "update":
		return ActionUpdate, nil
	default:
		return actionUnset, fmt.Errorf("unknown cache action %q", s)
	}
}

// SessionConfig holds the decision thresholds of one session.
type SessionConfig struct {
	// FailOnProblems fails the build when a failure-severity problem is recorded.
	FailOnProblems bool

	// MaxProblems is the number of problems above which the entry is discarded
	// and the build fails.
	MaxProblems int

	// RequestedTasks lists the task names the build was invoked with.
	RequestedTasks []string
}

// DefaultSessionConfig returns failOnProblems=true and maxProblems=512.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{FailOnProblems: true, MaxProblems: 512}
}

// InvalidateFunc discards the persisted entry. An error is fatal.
type InvalidateFunc func(ctx context.Context) error

// FailureSink receives the build failure raised by Report.
type FailureSink func(err error)

// Outcome is what a session decided, as persisted by an OutcomeRecorder.
type Outcome struct {
	Action       Action
	Decision     string
	ProblemCount int
	FailureCount int
	StatusLine   string
}

// OutcomeRecorder persists the outcome of a session at teardown.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// Decision values reported in metrics, events and outcomes.
const (
	DecisionKept      = "kept"
	DecisionDiscarded = "discarded"
	DecisionFailed    = "failed"
)

// Count renders n with its noun: "no problems", "1 problem", "3 problems".
func Count(n int, singular string) string {
	switch n {
	case 0:
		return "no " + singular + "s"
	case 1:
		return "1 " + singular
	default:
		return fmt.Sprintf("%d %ss", n, singular)
	}
}
