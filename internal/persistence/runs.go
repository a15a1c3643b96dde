package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/autopilot/internal/bus"
	"github.com/aristath/autopilot/internal/state"
)

// RecordRun appends one dispatch outcome.
func (a *SQLiteArchive) RecordRun(ctx context.Context, phase string, outcome state.Outcome, taskID string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO run_records (phase, outcome, task_id)
		VALUES (?, ?, ?)
	`, phase, string(outcome), taskID)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RunCounts returns run totals per phase.
func (a *SQLiteArchive) RunCounts(ctx context.Context) (map[string]int, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT phase, COUNT(*)
		FROM run_records
		GROUP BY phase
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query run counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[phase] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run counts: %w", err)
	}
	return counts, nil
}

// AuditMessage appends one published message to the durable audit trail. The
// payload is stored as JSON; re-auditing the same message id is a no-op.
func (a *SQLiteArchive) AuditMessage(ctx context.Context, msg *bus.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO message_audit (id, type, priority, payload, objective_id, task_id, issue_id, file, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, msg.ID, string(msg.Type), int(msg.Priority), string(payload),
		msg.Context.ObjectiveID, msg.Context.TaskID, msg.Context.IssueID, msg.Context.File,
		msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to audit message: %w", err)
	}
	return nil
}

// MessageCounts returns audit totals per message type.
func (a *SQLiteArchive) MessageCounts(ctx context.Context) (map[string]int, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT type, COUNT(*)
		FROM message_audit
		GROUP BY type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query message counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var msgType string
		var count int
		if err := rows.Scan(&msgType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan message count: %w", err)
		}
		counts[msgType] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message counts: %w", err)
	}
	return counts, nil
}
