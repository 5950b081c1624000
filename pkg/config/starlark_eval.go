package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/buildcache/pkg/problems"
)

// StarlarkEvaluator executes task scripts with a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// scriptOptions enables top-level control flow and while loops in task
// scripts.
var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// TaskHost receives the side effects of a task script.
type TaskHost interface {
	// Record records a problem found while configuring the task.
	Record(p problems.Problem, severity problems.Severity) bool

	// Use declares that the task uses a shared service.
	Use(key string) error

	// FlagSerializationFailure marks the task's state as impossible to persist.
	FlagSerializationFailure(reason string)
}

// TaskLocation is the default problem location for a task.
func TaskLocation(taskID string) string {
	return fmt.Sprintf("Task `%s`", taskID)
}

// RunTask executes the configuration script of a task. Besides the helpers
// available to every script it predeclares:
//
//	task, project        the task path and its project
//	properties           the task properties
//	problem(message, kind="script", location=<task>, severity="failure")
//	use(key)             declare a shared service usage
//	serialization_failure(message)
//
// A script that calls fail() returns an error.
func (se *StarlarkEvaluator) RunTask(ctx context.Context, task TaskConfig, host TaskHost) (*StarlarkResult, error) {
	if task.Script == "" {
		return &StarlarkResult{Output: map[string]interface{}{}}, nil
	}

	properties := make(map[string]interface{}, len(task.Properties))
	for k, v := range task.Properties {
		properties[k] = v
	}
	input := map[string]interface{}{
		"task":       task.ID,
		"project":    task.Project,
		"properties": properties,
	}

	location := TaskLocation(task.ID)
	builtins := starlark.StringDict{
		"problem": starlark.NewBuiltin("problem", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var message string
			kind, loc, sev := "script", location, "failure"
			if err := starlark.UnpackArgs(b.Name(), args, kwargs,
				"message", &message, "kind?", &kind, "location?", &loc, "severity?", &sev); err != nil {
				return nil, err
			}
			severity, err := problems.ParseSeverity(sev)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			first := host.Record(problems.Problem{Kind: kind, Message: message, Location: loc}, severity)
			return starlark.Bool(first), nil
		}),
		"use": starlark.NewBuiltin("use", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
				return nil, err
			}
			if err := host.Use(key); err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.None, nil
		}),
		"serialization_failure": starlark.NewBuiltin("serialization_failure", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var message string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &message); err != nil {
				return nil, err
			}
			host.FlagSerializationFailure(message)
			return starlark.None, nil
		}),
	}

	return se.evaluate(ctx, task.ID+".star", task.Script, input, builtins)
}

// Evaluate executes a Starlark script with the given input and returns the result.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.evaluate(ctx, "script.star", script, input, nil)
}

func (se *StarlarkEvaluator) evaluate(ctx context.Context, filename, script string, input map[string]interface{}, builtins starlark.StringDict) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  filename,
		Print: func(_ *starlark.Thread, _ string) {},
	}

	resultCh := make(chan *StarlarkResult, 1)
	errCh := make(chan error, 1)

	go func() {
		result, err := se.evaluateSync(thread, filename, script, input, builtins)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- result
		}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		err := fmt.Errorf("starlark execution of %s interrupted: %w", filename, evalCtx.Err())
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	case err := <-errCh:
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	case result := <-resultCh:
		result.ExecutionTime = time.Since(startTime)
		return result, nil
	}
}

// evaluateSync performs the actual Starlark evaluation synchronously.
func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string, input map[string]interface{}, builtins starlark.StringDict) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{"struct": starlarkstruct.Default}
	for name, fn := range builtins {
		predeclared[name] = fn
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFileOptions(scriptOptions, thread, filename, script, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		// Skip private globals
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		// Functions defined by the script are not data.
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output: output,
	}, nil
}

// toStarlarkValue converts decoded configuration data into Starlark values.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			elem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, elem)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			elem, err := toStarlarkValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), elem); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// fromStarlarkValue converts a script global back into plain Go data. Lists
// and tuples become slices; dicts with string keys and structs become maps.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer %s overflows int64", val)
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List, starlark.Tuple:
		seq := val.(starlark.Indexable)
		out := make([]interface{}, seq.Len())
		for i := range out {
			elem, err := fromStarlarkValue(seq.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			elem, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = elem
		}
		return out, nil
	case *starlarkstruct.Struct:
		fields := starlark.StringDict{}
		val.ToStringDict(fields)
		out := make(map[string]interface{}, len(fields))
		for name, field := range fields {
			elem, err := fromStarlarkValue(field)
			if err != nil {
				return nil, err
			}
			out[name] = elem
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}
