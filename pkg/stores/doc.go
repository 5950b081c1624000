// Package stores persists configuration cache entries and session outcomes.
// It includes a SQLite-based store with WAL mode, embedded schema
// migrations, per-project fingerprints used to choose between loading,
// storing and updating an entry, and a session history.
package stores
