package store

import (
	"context"
	"database/sql"
	"time"

	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// RecordExecutionStart inserts the start-of-attempt row and returns its id,
// to be closed out by RecordExecutionEnd once the attempt finishes.
func (s *Store) RecordExecutionStart(ctx context.Context, taskID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO execution_history (task_id, status, start_time, created_at)
		VALUES (?, ?, ?, ?)
	`), taskID, v1.TaskStatusRunning, now, now)
	if err != nil {
		return 0, wrapStoreErr(err, "failed to record execution start for task %s", taskID)
	}
	return res.LastInsertId()
}

// RecordExecutionEnd closes out a previously-started attempt row with its outcome.
func (s *Store) RecordExecutionEnd(ctx context.Context, historyID int64, status v1.TaskStatus, inputTokens, outputTokens int64, execErr error) error {
	end := time.Now().UTC()
	var errText *string
	if execErr != nil {
		msg := execErr.Error()
		errText = &msg
	}

	var startTime time.Time
	if err := s.writer().QueryRowContext(ctx, s.writer().Rebind(
		`SELECT start_time FROM execution_history WHERE id = ?`), historyID).Scan(&startTime); err != nil {
		return wrapStoreErr(err, "failed to look up execution history row %d", historyID)
	}
	executionTime := end.Sub(startTime).Milliseconds()

	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE execution_history
		SET status = ?, end_time = ?, execution_time = ?, input_tokens = ?, output_tokens = ?,
		    total_tokens = ?, error = ?
		WHERE id = ?
	`), status, end, executionTime, inputTokens, outputTokens, inputTokens+outputTokens, errText, historyID)
	return wrapStoreErr(err, "failed to close execution history row %d", historyID)
}

// ListExecutionHistory returns every attempt recorded for a task, newest first.
func (s *Store) ListExecutionHistory(ctx context.Context, taskID string) ([]*v1.ExecutionHistory, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, task_id, status, start_time, end_time, execution_time,
		       input_tokens, output_tokens, total_tokens, error, created_at
		FROM execution_history WHERE task_id = ? ORDER BY created_at DESC
	`), taskID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to list execution history for task %s", taskID)
	}
	defer func() { _ = rows.Close() }()

	var history []*v1.ExecutionHistory
	for rows.Next() {
		var h v1.ExecutionHistory
		var endTime sql.NullTime
		var errText sql.NullString
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Status, &h.StartTime, &endTime,
			&h.ExecutionTime, &h.InputTokens, &h.OutputTokens, &h.TotalTokens, &errText, &h.CreatedAt); err != nil {
			return nil, wrapStoreErr(err, "failed to scan execution history row")
		}
		if endTime.Valid {
			h.EndTime = &endTime.Time
		}
		if errText.Valid {
			h.Error = &errText.String
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}
