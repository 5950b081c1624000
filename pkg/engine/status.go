package engine

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/buildcache/pkg/stores"
)

// SessionStatus represents the overall status of a build-tree session.
type SessionStatus string

const (
	// SessionStatusRunning indicates the session is configuring or executing tasks.
	SessionStatusRunning SessionStatus = "running"

	// SessionStatusSucceeded indicates every task ran and the build did not fail.
	SessionStatusSucceeded SessionStatus = "succeeded"

	// SessionStatusFailed indicates a task, a script or the cache decision failed the build.
	SessionStatusFailed SessionStatus = "failed"

	// SessionStatusCancelled indicates the session context was cancelled.
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal returns true if the session status represents a final state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusSucceeded || s == SessionStatusFailed || s == SessionStatusCancelled
}

// Outcome maps the status to the persisted session outcome.
func (s SessionStatus) Outcome() stores.SessionOutcome {
	switch s {
	case SessionStatusSucceeded:
		return stores.SessionOutcomeSucceeded
	case SessionStatusRunning:
		return stores.SessionOutcomeRunning
	default:
		return stores.SessionOutcomeFailed
	}
}

// Validate checks if the session status is valid.
func (s SessionStatus) Validate() error {
	switch s {
	case SessionStatusRunning, SessionStatusSucceeded, SessionStatusFailed, SessionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", s)
	}
}

// TaskStatus represents the execution status of a single task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for its level.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates the task holds its permits and is executing.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusSkipped indicates a dependency failed so the task never ran.
	TaskStatusSkipped TaskStatus = "skipped"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// IsActive returns true if the task is waiting or running.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler for SessionStatus.
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for SessionStatus.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := SessionStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// MarshalJSON implements json.Marshaler for TaskStatus.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for TaskStatus.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := TaskStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
