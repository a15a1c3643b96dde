package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/autopilot/internal/state"
)

// ArchiveTask saves a terminal task. Uses ON CONFLICT to make archival
// idempotent; re-archiving after a retry updates the record in place.
func (a *SQLiteArchive) ArchiveTask(ctx context.Context, task *state.Task) error {
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	targetFiles := strings.Join(task.TargetFiles, ",")

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archived_tasks (id, title, description, category, status, attempts, max_attempts, target_files, priority, objective_id, result, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			category = excluded.category,
			status = excluded.status,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			target_files = excluded.target_files,
			priority = excluded.priority,
			objective_id = excluded.objective_id,
			result = excluded.result,
			error = excluded.error,
			archived_at = CURRENT_TIMESTAMP
	`, task.ID, task.Title, task.Description, string(task.Category), string(task.Status),
		task.Attempts, task.MaxAttempts, targetFiles, int(task.Priority), task.ObjectiveID,
		task.Result, task.Error, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to archive task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ArchivedTasks returns all archived tasks in archival order.
func (a *SQLiteArchive) ArchivedTasks(ctx context.Context) ([]*state.Task, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, title, description, category, status, attempts, max_attempts, target_files, priority, objective_id, result, error, created_at
		FROM archived_tasks
		ORDER BY archived_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*state.Task
	for rows.Next() {
		task := &state.Task{}
		var category, status, targetFiles string
		var priority int

		err := rows.Scan(&task.ID, &task.Title, &task.Description, &category, &status,
			&task.Attempts, &task.MaxAttempts, &targetFiles, &priority, &task.ObjectiveID,
			&task.Result, &task.Error, &task.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived task: %w", err)
		}

		task.Category = state.TaskCategory(category)
		task.Status = state.TaskStatus(status)
		task.Priority = state.Priority(priority)
		if targetFiles != "" {
			task.TargetFiles = strings.Split(targetFiles, ",")
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived tasks: %w", err)
	}
	return tasks, nil
}

// ArchiveObjective saves a terminal objective.
func (a *SQLiteArchive) ArchiveObjective(ctx context.Context, obj *state.Objective) error {
	taskIDs := strings.Join(obj.TaskIDs, ",")

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO archived_objectives (id, title, status, priority_weight, task_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			priority_weight = excluded.priority_weight,
			task_ids = excluded.task_ids,
			archived_at = CURRENT_TIMESTAMP
	`, obj.ID, obj.Title, string(obj.Status), obj.PriorityWeight, taskIDs, obj.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to archive objective: %w", err)
	}
	return nil
}

// ArchivedObjectives returns all archived objectives in archival order.
func (a *SQLiteArchive) ArchivedObjectives(ctx context.Context) ([]*state.Objective, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, title, status, priority_weight, task_ids, created_at
		FROM archived_objectives
		ORDER BY archived_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived objectives: %w", err)
	}
	defer rows.Close()

	var objectives []*state.Objective
	for rows.Next() {
		obj := &state.Objective{}
		var status, taskIDs string

		if err := rows.Scan(&obj.ID, &obj.Title, &status, &obj.PriorityWeight, &taskIDs, &obj.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived objective: %w", err)
		}
		obj.Status = state.ObjectiveStatus(status)
		if taskIDs != "" {
			obj.TaskIDs = strings.Split(taskIDs, ",")
		}
		objectives = append(objectives, obj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived objectives: %w", err)
	}
	return objectives, nil
}
