package config

import (
	"fmt"
	"strings"
	"time"
)

// BuildConfig describes one build tree: its session settings, the shared
// services tasks may use and the tasks themselves.
type BuildConfig struct {
	// Name identifies the build.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Session holds the cache session settings.
	Session SessionSettings `json:"session,omitempty" yaml:"session,omitempty"`

	// Services are the shared services registered for every session.
	Services []ServiceConfig `json:"services,omitempty" yaml:"services,omitempty" validate:"dive"`

	// Policies selects the Rego policies checked against configured tasks.
	Policies PolicySettings `json:"policies,omitempty" yaml:"policies,omitempty"`

	// Tasks is the task graph. Dependencies must reference other tasks.
	Tasks []TaskConfig `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`

	// SourceFiles are the files the configuration was loaded from.
	SourceFiles []string `json:"-" yaml:"-"`

	// LoadedAt is when the configuration was loaded.
	LoadedAt time.Time `json:"-" yaml:"-"`
}

// SessionSettings are the optional overrides of the session defaults.
type SessionSettings struct {
	// FailOnProblems turns recorded problems into a build failure.
	FailOnProblems *bool `json:"failOnProblems,omitempty" yaml:"failOnProblems,omitempty"`

	// MaxProblems is the number of problems tolerated before the session
	// fails regardless of FailOnProblems.
	MaxProblems *int `json:"maxProblems,omitempty" yaml:"maxProblems,omitempty" validate:"omitempty,min=0"`

	// ReportDir is where the problems report is written.
	ReportDir string `json:"reportDir,omitempty" yaml:"reportDir,omitempty"`
}

// PolicySettings selects task policies. Paths are relative to the
// configuration file.
type PolicySettings struct {
	Builtin []string `json:"builtin,omitempty" yaml:"builtin,omitempty"`
	Paths   []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// Enabled reports whether any policy is selected.
func (p PolicySettings) Enabled() bool {
	return len(p.Builtin) > 0 || len(p.Paths) > 0
}

// ServiceConfig registers a shared service.
type ServiceConfig struct {
	Key               string         `json:"key" yaml:"key" validate:"required"`
	Kind              string         `json:"kind" yaml:"kind" validate:"required"`
	Params            map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	MaxParallelUsages *int           `json:"maxParallelUsages,omitempty" yaml:"maxParallelUsages,omitempty" validate:"omitempty,min=1"`
	DependsOn         []string       `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// TaskConfig describes one task of the graph.
type TaskConfig struct {
	// ID is the task path, for example ":app:compile".
	ID string `json:"id" yaml:"id" validate:"required"`

	// Project owns the task. Cached state is tracked per project.
	Project string `json:"project" yaml:"project" validate:"required,startswith=:"`

	// DependsOn lists tasks that must complete first.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	// Uses lists shared services the task holds while it runs.
	Uses []string `json:"uses,omitempty" yaml:"uses,omitempty"`

	// Incompatible marks a task that cannot be cached. Its problems are
	// downgraded to warnings and the entry is always discarded.
	Incompatible bool `json:"incompatible,omitempty" yaml:"incompatible,omitempty"`

	// Script is the Starlark configuration logic of the task.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Work is how long execution takes, as a Go duration string.
	Work string `json:"work,omitempty" yaml:"work,omitempty"`

	// Properties are exposed to the script as the "properties" dict.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// WorkDuration parses Work. An empty value is zero.
func (t TaskConfig) WorkDuration() (time.Duration, error) {
	if t.Work == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.Work)
	if err != nil {
		return 0, fmt.Errorf("task %s: invalid work duration: %w", t.ID, err)
	}
	return d, nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "tasks[2].dependsOn").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration is invalid.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + errs[0].String()
	}
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = "  " + e.String()
	}
	return fmt.Sprintf("invalid configuration (%d errors):\n%s", len(errs), strings.Join(lines, "\n"))
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
