package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/taskforge/internal/apperr"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const taskColumns = `
	id, session_id, prompt, mode, model, status, priority, attempts, max_attempts,
	last_attempt_at, completed_at, result, error, error_stack, triggered_by,
	retry_delay, timeout, scheduled_for, recurring_rule, workflow_id,
	metadata_json, tags_json, created_at, updated_at, expires_at
`

// allowedTransitions enumerates every status transition §3 permits. A
// transition not present here is rejected with InvalidTransition.
var allowedTransitions = map[v1.TaskStatus]map[v1.TaskStatus]bool{
	v1.TaskStatusPending: {
		v1.TaskStatusRunning:   true,
		v1.TaskStatusPaused:    true,
		v1.TaskStatusCancelled: true,
	},
	v1.TaskStatusRunning: {
		v1.TaskStatusCompleted: true,
		v1.TaskStatusRetry:     true,
		v1.TaskStatusFailed:    true,
	},
	v1.TaskStatusRetry: {
		v1.TaskStatusPending:   true,
		v1.TaskStatusCancelled: true,
	},
	v1.TaskStatusPaused: {
		v1.TaskStatusPending:   true,
		v1.TaskStatusCancelled: true,
	},
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	var t v1.Task
	var lastAttemptAt, completedAt, scheduledFor, expiresAt sql.NullTime
	var result, errStr, errStack, triggeredBy, recurringRule, workflowID sql.NullString
	var metadataJSON, tagsJSON string

	err := row.Scan(
		&t.ID, &t.SessionID, &t.Prompt, &t.Mode, &t.Model, &t.Status, &t.Priority,
		&t.Attempts, &t.MaxAttempts, &lastAttemptAt, &completedAt, &result, &errStr,
		&errStack, &triggeredBy, &t.RetryDelay, &t.Timeout, &scheduledFor,
		&recurringRule, &workflowID, &metadataJSON, &tagsJSON, &t.CreatedAt,
		&t.UpdatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if lastAttemptAt.Valid {
		t.LastAttemptAt = &lastAttemptAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if scheduledFor.Valid {
		t.ScheduledFor = &scheduledFor.Time
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if result.Valid {
		t.Output = &result.String
	}
	if errStr.Valid {
		t.Error = &errStr.String
	}
	if errStack.Valid {
		t.ErrorStack = &errStack.String
	}
	if triggeredBy.Valid {
		t.TriggeredBy = &triggeredBy.String
	}
	if recurringRule.Valid {
		t.RecurringRule = &recurringRule.String
	}
	if workflowID.Valid {
		t.WorkflowID = &workflowID.String
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	}
	if tagsJSON != "" && tagsJSON != "[]" {
		_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	}

	return &t, nil
}

func normalizeSpec(spec v1.TaskSpec) (v1.TaskSpec, error) {
	if strings.TrimSpace(spec.SessionID) == "" {
		return spec, apperr.InvalidInput("sessionId is required")
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		return spec, apperr.InvalidInput("prompt is required")
	}
	if spec.Mode == "" {
		spec.Mode = v1.ModeGeneral
	}
	if spec.Priority == "" {
		spec.Priority = v1.PriorityNormal
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 3
	}
	if spec.RetryDelay <= 0 {
		spec.RetryDelay = 1000
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 30000
	}
	return spec, nil
}

// CreateTask inserts a single task as one atomic statement.
func (s *Store) CreateTask(ctx context.Context, spec v1.TaskSpec) (*v1.Task, error) {
	spec, err := normalizeSpec(spec)
	if err != nil {
		return nil, err
	}
	task := taskFromSpec(spec)
	if err := s.insertTask(ctx, s.writer(), task); err != nil {
		return nil, wrapStoreErr(err, "failed to create task")
	}
	return task, nil
}

// CreateTasksBatch inserts every spec under one transaction, all-or-nothing.
func (s *Store) CreateTasksBatch(ctx context.Context, specs []v1.TaskSpec) ([]*v1.Task, error) {
	tasks := make([]*v1.Task, 0, len(specs))
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, raw := range specs {
			spec, err := normalizeSpec(raw)
			if err != nil {
				return err
			}
			task := taskFromSpec(spec)
			if err := s.insertTask(ctx, tx, task); err != nil {
				return wrapStoreErr(err, "failed to insert task in batch")
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func taskFromSpec(spec v1.TaskSpec) *v1.Task {
	now := time.Now().UTC()
	return &v1.Task{
		ID:            uuid.New().String(),
		SessionID:     spec.SessionID,
		Prompt:        spec.Prompt,
		Mode:          spec.Mode,
		Model:         spec.Model,
		Status:        v1.TaskStatusPending,
		Priority:      spec.Priority,
		Attempts:      0,
		MaxAttempts:   spec.MaxAttempts,
		RetryDelay:    spec.RetryDelay,
		Timeout:       spec.Timeout,
		CreatedAt:     now,
		UpdatedAt:     now,
		ScheduledFor:  spec.ScheduledFor,
		RecurringRule: spec.RecurringRule,
		ExpiresAt:     spec.ExpiresAt,
		TriggeredBy:   spec.TriggeredBy,
		WorkflowID:    spec.WorkflowID,
		Tags:          spec.Tags,
		Metadata:      spec.Metadata,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func (s *Store) insertTask(ctx context.Context, db execer, t *v1.Task) error {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	_, err = db.ExecContext(ctx, db.Rebind(fmt.Sprintf(`
		INSERT INTO tasks (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskColumns)),
		t.ID, t.SessionID, t.Prompt, t.Mode, t.Model, t.Status, t.Priority,
		t.Attempts, t.MaxAttempts, t.LastAttemptAt, t.CompletedAt, t.Output, t.Error,
		t.ErrorStack, t.TriggeredBy, t.RetryDelay, t.Timeout, t.ScheduledFor,
		t.RecurringRule, t.WorkflowID, string(metadataJSON), string(tagsJSON),
		t.CreatedAt, t.UpdatedAt, t.ExpiresAt,
	)
	return err
}

// GetTask retrieves a task by id, or NotFound if it does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := s.reader().QueryRowContext(ctx, s.reader().Rebind(
		fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ?`, taskColumns)), id)
	task, err := scanTask(row)
	if isNoRows(err) {
		return nil, apperr.NotFound("task", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "failed to get task %s", id)
	}
	return task, nil
}

// GetPendingDispatch returns up to limit dispatch-eligible tasks ordered by
// weighted priority score descending, then createdAt ascending.
//
// SQL only selects the eligible rows (pending or due retry), unordered; the
// whole ordering — per-tier base, the age term with its 50-point cap, and the
// createdAt tiebreak — is computed in Go, since the age term depends on the
// current wall-clock time (`now`), not a column value. limit is applied
// after sorting.
func (s *Store) GetPendingDispatch(ctx context.Context, limit int) ([]*v1.Task, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status IN ('pending', 'retry')
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
	`, taskColumns)), time.Now().UTC())
	if err != nil {
		return nil, wrapStoreErr(err, "failed to query pending dispatch")
	}
	defer func() { _ = rows.Close() }()

	var candidates []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapStoreErr(err, "failed to scan pending task")
		}
		candidates = append(candidates, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err, "failed to iterate pending tasks")
	}

	now := time.Now().UTC()
	sortByDispatchScore(candidates, now)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// DispatchScore computes base(priority) + min((now-createdAt)/60000, 50).
func DispatchScore(t *v1.Task, now time.Time) float64 {
	age := now.Sub(t.CreatedAt).Milliseconds() / 60000
	if age > 50 {
		age = 50
	}
	if age < 0 {
		age = 0
	}
	return float64(v1.PriorityBase(t.Priority)) + float64(age)
}

func sortByDispatchScore(tasks []*v1.Task, now time.Time) {
	// Simple insertion sort over every eligible candidate (the limit is
	// applied afterwards), so the cost is O(n^2) in the eligible backlog.
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0; j-- {
			a, b := tasks[j-1], tasks[j]
			if lessDispatch(a, b, now) {
				break
			}
			tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
		}
	}
}

// lessDispatch reports whether a should dispatch before b.
func lessDispatch(a, b *v1.Task, now time.Time) bool {
	sa, sb := DispatchScore(a, now), DispatchScore(b, now)
	if sa != sb {
		return sa > sb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// GetSessionTasks returns a session's tasks, newest first, capped at 1000.
// If status is non-empty it filters to that status.
func (s *Store) GetSessionTasks(ctx context.Context, sessionID string, status v1.TaskStatus) ([]*v1.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE session_id = ?`, taskColumns)
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 1000`

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to query session tasks")
	}
	defer func() { _ = rows.Close() }()

	var tasks []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapStoreErr(err, "failed to scan session task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateStatus validates the transition then persists the new status,
// stamping updatedAt always, lastAttemptAt on enter-running, and
// completedAt on enter-completed/failed.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus v1.TaskStatus) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !allowedTransitions[task.Status][newStatus] {
		return apperr.InvalidTransition(string(task.Status), string(newStatus))
	}

	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{newStatus, now}

	if newStatus == v1.TaskStatusRunning {
		query += `, last_attempt_at = ?`
		args = append(args, now)
	}
	if newStatus == v1.TaskStatusCompleted || newStatus == v1.TaskStatusFailed {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, task.Status)

	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(query), args...)
	if err != nil {
		return wrapStoreErr(err, "failed to update status for task %s", id)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.InvalidTransition(string(task.Status), string(newStatus))
	}
	return nil
}

// UpdateResult sets output/error and transitions to completed or failed
// atomically, stamping completedAt.
func (s *Store) UpdateResult(ctx context.Context, id, output string, taskErr error) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	target := v1.TaskStatusCompleted
	var errText *string
	if taskErr != nil {
		target = v1.TaskStatusFailed
		msg := taskErr.Error()
		errText = &msg
	}
	if !allowedTransitions[task.Status][target] {
		return apperr.InvalidTransition(string(task.Status), string(target))
	}

	now := time.Now().UTC()
	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET status = ?, result = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), target, output, errText, now, now, id, task.Status)
	if err != nil {
		return wrapStoreErr(err, "failed to update result for task %s", id)
	}
	return nil
}

// IncrementAttempts bumps the attempts counter by one and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET attempts = attempts + 1, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return 0, wrapStoreErr(err, "failed to increment attempts for task %s", id)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	return task.Attempts, nil
}

// ScheduleRetry sets status=retry, scheduledFor=now+delay, and stores the delay.
func (s *Store) ScheduleRetry(ctx context.Context, id string, delayMs int64) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !allowedTransitions[task.Status][v1.TaskStatusRetry] {
		return apperr.InvalidTransition(string(task.Status), string(v1.TaskStatusRetry))
	}

	now := time.Now().UTC()
	scheduledFor := now.Add(time.Duration(delayMs) * time.Millisecond)
	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET status = ?, scheduled_for = ?, retry_delay = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), v1.TaskStatusRetry, scheduledFor, delayMs, now, id, task.Status)
	if err != nil {
		return wrapStoreErr(err, "failed to schedule retry for task %s", id)
	}
	return nil
}

// UpdatePriority changes priority, but only while the task is pending.
func (s *Store) UpdatePriority(ctx context.Context, id string, priority v1.TaskPriority) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ? AND status = ?
	`), priority, time.Now().UTC(), id, v1.TaskStatusPending)
	if err != nil {
		return wrapStoreErr(err, "failed to update priority for task %s", id)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return apperr.InvalidInput("task %s is not pending", id)
	}
	return nil
}

// UpdateTasksBatch applies newStatus to every id under one transaction.
func (s *Store) UpdateTasksBatch(ctx context.Context, ids []string, newStatus v1.TaskStatus) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			var currentStatus v1.TaskStatus
			if err := tx.GetContext(ctx, &currentStatus, tx.Rebind(`SELECT status FROM tasks WHERE id = ?`), id); err != nil {
				if isNoRows(err) {
					return apperr.NotFound("task", id)
				}
				return wrapStoreErr(err, "failed to read status for task %s", id)
			}
			if !allowedTransitions[currentStatus][newStatus] {
				return apperr.InvalidTransition(string(currentStatus), string(newStatus))
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
			`), newStatus, time.Now().UTC(), id); err != nil {
				return wrapStoreErr(err, "failed to update task %s", id)
			}
		}
		return nil
	})
}

// GetQueueStats aggregates counts by status plus average attempts, optionally
// scoped to a session.
func (s *Store) GetQueueStats(ctx context.Context, sessionID string) (*v1.QueueStats, error) {
	query := `SELECT status, COUNT(*), AVG(attempts) FROM tasks`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY status`

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to query queue stats")
	}
	defer func() { _ = rows.Close() }()

	stats := &v1.QueueStats{SessionID: sessionID, CountByStatus: map[string]int64{}}
	var totalAttempts float64
	var statusCount int64
	for rows.Next() {
		var status string
		var count int64
		var avgAttempts float64
		if err := rows.Scan(&status, &count, &avgAttempts); err != nil {
			return nil, wrapStoreErr(err, "failed to scan queue stats row")
		}
		stats.CountByStatus[status] = count
		stats.TotalTasks += count
		totalAttempts += avgAttempts * float64(count)
		statusCount += count
	}
	if statusCount > 0 {
		stats.AverageAttempts = totalAttempts / float64(statusCount)
	}
	return stats, rows.Err()
}

// OldestPendingCreatedAt returns the created_at of the oldest pending task,
// or nil if the queue has no pending work. Used by the Health Monitor to
// judge how far dispatch has fallen behind.
func (s *Store) OldestPendingCreatedAt(ctx context.Context) (*time.Time, error) {
	var createdAt time.Time
	err := s.reader().GetContext(ctx, &createdAt, s.reader().Rebind(`
		SELECT created_at FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT 1
	`), v1.TaskStatusPending)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, wrapStoreErr(err, "failed to query oldest pending task")
	}
	return &createdAt, nil
}

// CleanupOld deletes completed and failed tasks older than the retention cutoff.
func (s *Store) CleanupOld(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		DELETE FROM tasks WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`), v1.TaskStatusCompleted, v1.TaskStatusFailed, cutoff)
	if err != nil {
		return 0, wrapStoreErr(err, "failed to clean up old tasks")
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// ResetStaleRunning resets every task found in running at startup back to
// pending with attempts unchanged, per the crash recovery rule.
func (s *Store) ResetStaleRunning(ctx context.Context) (int64, error) {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?
	`), v1.TaskStatusPending, time.Now().UTC(), v1.TaskStatusRunning)
	if err != nil {
		return 0, wrapStoreErr(err, "failed to reset stale running tasks")
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
