package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/buildcache/pkg/cache"
	"github.com/openfroyo/buildcache/pkg/services"
)

// ErrorClass decides whether the scheduler retries a failed task.
type ErrorClass string

// Transient, throttled and conflict errors are retried; throttled and
// conflict errors back off longer.
const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassThrottled ErrorClass = "throttled"
	ErrorClassConflict  ErrorClass = "conflict"
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error raised by the scheduler or a session.
// nolint:revive // the engine prefix keeps it apart from cache and service errors
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Task      string                 `json:"task,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Task != "" {
		fmt.Fprintf(&b, " (task=%s", e.Task)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteByte(')')
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

func (e *EngineError) WithTask(taskID string) *EngineError {
	e.Task = taskID
	return e
}

// WithOperation names the session phase, for example "configure" or "policy".
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// hasClass reports whether err wraps an EngineError of one of classes.
func hasClass(err error, classes ...ErrorClass) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range classes {
		if e.Class == c {
			return true
		}
	}
	return false
}

func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsRetryable reports whether the scheduler may run the task again.
func IsRetryable(err error) bool {
	return hasClass(err, ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict)
}

// Classify returns err as an EngineError. Errors that are already
// classified are returned as is; everything else becomes permanent, with a
// code derived from well-known sentinels.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError("deadline exceeded", err).WithCode(ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		return NewPermanentError("cancelled", err).WithCode(ErrCodeCancelled)
	case errors.Is(err, services.ErrUsage), errors.Is(err, cache.ErrUsage):
		return NewPermanentError("usage error", err).WithCode(ErrCodeUsage)
	case errors.Is(err, services.ErrClosed):
		return NewPermanentError("service closed", err).WithCode(ErrCodeServiceFailed)
	default:
		return NewPermanentError("execution failed", err).WithCode(ErrCodeTaskFailed)
	}
}

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeUsage            = "USAGE_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodeServiceFailed    = "SERVICE_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeStoreFailed      = "STORE_FAILED"
)
