package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.config.Path, "?") {
		sep = "&"
	}
	dsn := s.config.Path + sep +
		"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// m.Close would also close s.db, so only the source is released.
	defer sourceDriver.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetEntry retrieves a cache entry by key
func (s *SQLiteStore) GetEntry(ctx context.Context, key string) (*CacheEntry, error) {
	query := `
		SELECT key, requested_tasks, fingerprint, projects, hit_count,
			   created_at, updated_at, invalidated_at
		FROM cache_entries
		WHERE key = ?
	`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return entry, nil
}

// PutEntry stores an entry together with its project fingerprints,
// replacing any previous state under the same key and clearing a prior
// invalidation.
func (s *SQLiteStore) PutEntry(ctx context.Context, entry *CacheEntry, projects map[string]string) error {
	tasks, err := json.Marshal(entry.RequestedTasks)
	if err != nil {
		return fmt.Errorf("failed to encode requested tasks: %w", err)
	}

	now := s.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.InvalidatedAt = nil
	entry.Projects = len(projects)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO cache_entries (key, requested_tasks, fingerprint, projects, hit_count, created_at, updated_at, invalidated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET
			requested_tasks = excluded.requested_tasks,
			fingerprint = excluded.fingerprint,
			projects = excluded.projects,
			updated_at = excluded.updated_at,
			invalidated_at = NULL
	`
	if _, err := tx.ExecContext(ctx, query,
		entry.Key, string(tasks), entry.Fingerprint, entry.Projects, entry.CreatedAt, entry.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_states WHERE entry_key = ?`, entry.Key); err != nil {
		return fmt.Errorf("failed to clear project states: %w", err)
	}
	for project, fingerprint := range projects {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_states (entry_key, project, fingerprint, updated_at) VALUES (?, ?, ?, ?)`,
			entry.Key, project, fingerprint, now,
		); err != nil {
			return fmt.Errorf("failed to insert project state %s: %w", project, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// TouchEntry counts a load of the entry.
func (s *SQLiteStore) TouchEntry(ctx context.Context, key string) error {
	return s.execOne(ctx, "cache entry", key,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = ?`, key)
}

// InvalidateEntry marks the entry as discarded. Its project states are
// removed so the next session stores from scratch.
func (s *SQLiteStore) InvalidateEntry(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET invalidated_at = ? WHERE key = ?`, s.now(), key)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	if err := expectOneRow(result, "cache entry", key); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_states WHERE entry_key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear project states: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invalidation: %w", err)
	}
	return nil
}

// DeleteEntry removes an entry and its project states
func (s *SQLiteStore) DeleteEntry(ctx context.Context, key string) error {
	return s.execOne(ctx, "cache entry", key,
		`DELETE FROM cache_entries WHERE key = ?`, key)
}

// ListEntries lists cache entries, most recently updated first
func (s *SQLiteStore) ListEntries(ctx context.Context, limit, offset int) ([]*CacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT key, requested_tasks, fingerprint, projects, hit_count,
			   created_at, updated_at, invalidated_at
		FROM cache_entries
		ORDER BY updated_at DESC, key ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []*CacheEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}

	return entries, nil
}

// GetProjectStates returns the stored fingerprint of every project of an entry
func (s *SQLiteStore) GetProjectStates(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project, fingerprint FROM project_states WHERE entry_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get project states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]string)
	for rows.Next() {
		var project, fingerprint string
		if err := rows.Scan(&project, &fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan project state: %w", err)
		}
		states[project] = fingerprint
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project states: %w", err)
	}

	return states, nil
}

// CreateSession records the start of a session
func (s *SQLiteStore) CreateSession(ctx context.Context, session *SessionRecord) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now()
	}
	if session.Outcome == "" {
		session.Outcome = SessionOutcomeRunning
	}

	query := `
		INSERT INTO sessions (id, entry_key, action, decision, outcome, problem_count, failure_count, status_line, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.EntryKey,
		session.Action,
		session.Decision,
		session.Outcome,
		session.ProblemCount,
		session.FailureCount,
		session.StatusLine,
		session.Error,
		session.StartedAt,
		session.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CompleteSession writes the final decision and outcome of a session
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, c SessionCompletion) error {
	query := `
		UPDATE sessions
		SET decision = ?, outcome = ?, problem_count = ?, failure_count = ?,
			status_line = ?, error = ?, completed_at = ?
		WHERE id = ?
	`
	return s.execOne(ctx, "session", id, query,
		c.Decision, c.Outcome, c.ProblemCount, c.FailureCount, c.StatusLine, c.Error, s.now(), id)
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT id, entry_key, action, decision, outcome, problem_count, failure_count,
			   status_line, error, started_at, completed_at
		FROM sessions
		WHERE id = ?
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions lists sessions, newest first, optionally for one entry
func (s *SQLiteStore) ListSessions(ctx context.Context, entryKey *string, limit, offset int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, entry_key, action, decision, outcome, problem_count, failure_count,
			   status_line, error, started_at, completed_at
		FROM sessions
		WHERE 1=1
	`
	args := []interface{}{}

	if entryKey != nil {
		query += " AND entry_key = ?"
		args = append(args, *entryKey)
	}

	query += " ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*SessionRecord{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*CacheEntry, error) {
	entry := &CacheEntry{}
	var tasks string
	err := row.Scan(
		&entry.Key,
		&tasks,
		&entry.Fingerprint,
		&entry.Projects,
		&entry.HitCount,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.InvalidatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tasks), &entry.RequestedTasks); err != nil {
		return nil, fmt.Errorf("failed to decode requested tasks: %w", err)
	}
	return entry, nil
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	session := &SessionRecord{}
	err := row.Scan(
		&session.ID,
		&session.EntryKey,
		&session.Action,
		&session.Decision,
		&session.Outcome,
		&session.ProblemCount,
		&session.FailureCount,
		&session.StatusLine,
		&session.Error,
		&session.StartedAt,
		&session.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// execOne runs a statement that must affect exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, what, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	return expectOneRow(result, what, id)
}

func expectOneRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
