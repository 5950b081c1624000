package engine

import (
	"context"

	"github.com/openfroyo/buildcache/pkg/config"
	"github.com/openfroyo/buildcache/pkg/policy"
	"github.com/openfroyo/buildcache/pkg/problems"
)

// Executor runs the body of a single task.
type Executor interface {
	// ExecuteTask runs one attempt of task. A retryable error (see
	// IsRetryable) lets the scheduler try again.
	ExecuteTask(ctx context.Context, task *Task) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *Task) error

// ExecuteTask calls f.
func (f ExecutorFunc) ExecuteTask(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Configurer runs the configuration script of a task against a host that
// collects problems and service usages.
type Configurer interface {
	RunTask(ctx context.Context, task config.TaskConfig, host config.TaskHost) (*config.StarlarkResult, error)
}

var _ Configurer = (*config.StarlarkEvaluator)(nil)

// PolicyChecker inspects a task configuration before its script runs. The
// returned problems carry their severity.
type PolicyChecker interface {
	CheckTask(ctx context.Context, input policy.Input) ([]problems.Problem, error)
}

var _ PolicyChecker = (*policy.Engine)(nil)
