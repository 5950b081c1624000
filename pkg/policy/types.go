package policy

import (
	"time"

	"github.com/openfroyo/buildcache/pkg/config"
)

// Policy is a Rego module whose deny set reports problems with a task
// configuration.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default problem severity of violations: "warning" or
	// "failure".
	Severity string `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// TaskID is the task that violated the policy.
	TaskID string `json:"task_id"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is "warning" or "failure".
	Severity string `json:"severity"`

	// Kind groups violations in the problems report. Defaults to
	// "policy:<name>".
	Kind string `json:"kind"`
}

// Input is the document policies see as input.
type Input struct {
	// Build is the build name.
	Build string `json:"build"`

	// Task is the task being configured.
	Task config.TaskConfig `json:"task"`

	// Services are the shared services of the build.
	Services []config.ServiceConfig `json:"services"`

	// Action is the cache action of the session.
	Action string `json:"action"`
}
