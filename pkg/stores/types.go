package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when an entry or session does not exist.
var ErrNotFound = errors.New("not found")

// SessionOutcome represents the status of a recorded session
type SessionOutcome string

const (
	SessionOutcomeRunning   SessionOutcome = "running"
	SessionOutcomeSucceeded SessionOutcome = "succeeded"
	SessionOutcomeFailed    SessionOutcome = "failed"
)

// CacheEntry is the persisted configuration cache entry for one set of
// requested tasks.
type CacheEntry struct {
	Key            string     `json:"key"`
	RequestedTasks []string   `json:"requested_tasks"`
	Fingerprint    string     `json:"fingerprint"`
	Projects       int        `json:"projects"`
	HitCount       int64      `json:"hit_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	InvalidatedAt  *time.Time `json:"invalidated_at,omitempty"`
}

// Valid reports whether the entry can be loaded.
func (e *CacheEntry) Valid() bool {
	return e != nil && e.InvalidatedAt == nil
}

// SessionRecord is the history row of one build-tree session.
type SessionRecord struct {
	ID           string         `json:"id"`
	EntryKey     string         `json:"entry_key"`
	Action       string         `json:"action"`
	Decision     string         `json:"decision,omitempty"`
	Outcome      SessionOutcome `json:"outcome"`
	ProblemCount int            `json:"problem_count"`
	FailureCount int            `json:"failure_count"`
	StatusLine   string         `json:"status_line,omitempty"`
	Error        *string        `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// SessionCompletion carries the fields written when a session ends.
type SessionCompletion struct {
	Decision     string
	Outcome      SessionOutcome
	ProblemCount int
	FailureCount int
	StatusLine   string
	Error        *string
}

// Store defines the interface for the persistence layer
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	GetEntry(ctx context.Context, key string) (*CacheEntry, error)
	PutEntry(ctx context.Context, entry *CacheEntry, projects map[string]string) error
	TouchEntry(ctx context.Context, key string) error
	InvalidateEntry(ctx context.Context, key string) error
	DeleteEntry(ctx context.Context, key string) error
	ListEntries(ctx context.Context, limit, offset int) ([]*CacheEntry, error)
	GetProjectStates(ctx context.Context, key string) (map[string]string, error)

	CreateSession(ctx context.Context, session *SessionRecord) error
	CompleteSession(ctx context.Context, id string, completion SessionCompletion) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, entryKey *string, limit, offset int) ([]*SessionRecord, error)
}

// EntryKey derives the cache entry key from the requested tasks and the
// configuration fingerprint. Task order does not matter.
func EntryKey(requestedTasks []string, fingerprint string) string {
	tasks := append([]string(nil), requestedTasks...)
	sort.Strings(tasks)

	h := sha256.New()
	h.Write([]byte(strings.Join(tasks, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}
