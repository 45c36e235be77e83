// Package persistence implements the collaborator-owned record store: one
// JSON-like record per workflow, task result and shared-state entry, backed by
// SQLite. The orchestration core treats the store as best-effort and
// eventually consistent; it is not a transactional system of record.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// WorkflowRecord is the persisted form of an execution plan.
type WorkflowRecord struct {
	ID        string    `json:"id"`
	Data      any       `json:"data"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultRecord is the persisted outcome of one task execution.
type ResultRecord struct {
	WorkerID  string    `json:"worker_id"`
	TaskID    string    `json:"task_id"`
	Result    any       `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// StateRecord is the persisted form of a shared-state entry.
type StateRecord struct {
	ID        string    `json:"id"`
	State     any       `json:"state"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence contract consumed by the orchestration core.
type Store interface {
	SaveWorkflow(ctx context.Context, rec WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error)
	ListWorkflows(ctx context.Context) ([]WorkflowRecord, error)

	SaveResult(ctx context.Context, rec ResultRecord) error
	ListResults(ctx context.Context, taskID string) ([]ResultRecord, error)

	SaveState(ctx context.Context, rec StateRecord) error
	GetState(ctx context.Context, id string) (StateRecord, error)
	ListStates(ctx context.Context) ([]StateRecord, error)

	PurgeWorkflows(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Foreign keys must be enabled per connection via PRAGMA with
	// modernc.org/sqlite
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One writer connection keeps record versions strictly ordered
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
