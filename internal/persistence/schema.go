package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (a *SQLiteArchive) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		target_files TEXT,
		priority INTEGER NOT NULL,
		objective_id TEXT,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_archived_tasks_objective
		ON archived_tasks(objective_id);

	CREATE TABLE IF NOT EXISTS archived_objectives (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		priority_weight REAL NOT NULL,
		task_ids TEXT,
		created_at DATETIME NOT NULL,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phase TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_run_records_phase
		ON run_records(phase, recorded_at);

	CREATE TABLE IF NOT EXISTS message_audit (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT,
		objective_id TEXT,
		task_id TEXT,
		issue_id TEXT,
		file TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_message_audit_type
		ON message_audit(type, created_at);
	`

	_, err := a.db.ExecContext(ctx, schema)
	return err
}
