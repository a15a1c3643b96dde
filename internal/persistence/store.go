// Package persistence is the durable archive for a pipeline run. Terminal
// tasks and objectives are archived here rather than hard-deleted from the
// live state file, and every run outcome and published message is appended
// for later diagnostics.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/autopilot/internal/bus"
	"github.com/aristath/autopilot/internal/state"
	_ "modernc.org/sqlite"
)

// Archive defines the durable record-keeping interface.
type Archive interface {
	// Terminal task and objective records; never hard-deleted.
	ArchiveTask(ctx context.Context, task *state.Task) error
	ArchivedTasks(ctx context.Context) ([]*state.Task, error)
	ArchiveObjective(ctx context.Context, obj *state.Objective) error
	ArchivedObjectives(ctx context.Context) ([]*state.Objective, error)

	// Per-dispatch run records.
	RecordRun(ctx context.Context, phase string, outcome state.Outcome, taskID string) error
	RunCounts(ctx context.Context) (map[string]int, error)

	// Message audit trail.
	AuditMessage(ctx context.Context, msg *bus.Message) error
	MessageCounts(ctx context.Context) (map[string]int, error)

	// Lifecycle
	Close() error
}

// SQLiteArchive implements Archive using SQLite.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive creates a SQLite-backed archive at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// a busy timeout.
func NewSQLiteArchive(ctx context.Context, dbPath string) (*SQLiteArchive, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the
	// connection string.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initArchive(ctx, db)
}

// NewMemoryArchive creates an in-memory archive for testing. Uses a shared
// cache so multiple connections see the same database.
func NewMemoryArchive(ctx context.Context) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return initArchive(ctx, db)
}

func initArchive(ctx context.Context, db *sql.DB) (*SQLiteArchive, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	a := &SQLiteArchive{db: db}
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

// Close closes the database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
