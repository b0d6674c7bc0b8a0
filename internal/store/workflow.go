package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/taskforge/internal/apperr"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const workflowColumns = `
	id, session_id, name, description, task_ids_json, trigger_ids_json,
	max_concurrent, timeout, retry_policy_json, status, completed_at,
	total_duration, metadata_json, created_at, updated_at
`

func scanWorkflow(row rowScanner) (*v1.Workflow, error) {
	var w v1.Workflow
	var taskIDsJSON, triggerIDsJSON, retryPolicyJSON, metadataJSON string
	var completedAt sql.NullTime

	err := row.Scan(
		&w.ID, &w.SessionID, &w.Name, &w.Description, &taskIDsJSON, &triggerIDsJSON,
		&w.MaxConcurrent, &w.Timeout, &retryPolicyJSON, &w.Status, &completedAt,
		&w.TotalDuration, &metadataJSON, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(taskIDsJSON), &w.TaskIDs)
	_ = json.Unmarshal([]byte(triggerIDsJSON), &w.TriggerIDs)
	_ = json.Unmarshal([]byte(retryPolicyJSON), &w.RetryPolicy)
	_ = json.Unmarshal([]byte(metadataJSON), &w.Metadata)
	return &w, nil
}

// CreateWorkflow inserts a workflow record. The core treats a workflow as
// metadata tagging tasks with the same WorkflowID; this is schema
// completeness, not an interpreted aggregate.
func (s *Store) CreateWorkflow(ctx context.Context, w *v1.Workflow) (*v1.Workflow, error) {
	now := time.Now().UTC()
	w.ID = uuid.New().String()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = "pending"
	}
	if w.MaxConcurrent <= 0 {
		w.MaxConcurrent = 1
	}

	taskIDsJSON, _ := json.Marshal(w.TaskIDs)
	triggerIDsJSON, _ := json.Marshal(w.TriggerIDs)
	retryPolicyJSON, _ := json.Marshal(w.RetryPolicy)
	metadataJSON, _ := json.Marshal(w.Metadata)

	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(fmt.Sprintf(`
		INSERT INTO workflows (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workflowColumns)),
		w.ID, w.SessionID, w.Name, w.Description, string(taskIDsJSON), string(triggerIDsJSON),
		w.MaxConcurrent, w.Timeout, string(retryPolicyJSON), w.Status, w.CompletedAt,
		w.TotalDuration, string(metadataJSON), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to create workflow")
	}
	return w, nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*v1.Workflow, error) {
	row := s.reader().QueryRowContext(ctx, s.reader().Rebind(
		fmt.Sprintf(`SELECT %s FROM workflows WHERE id = ?`, workflowColumns)), id)
	workflow, err := scanWorkflow(row)
	if isNoRows(err) {
		return nil, apperr.NotFound("workflow", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "failed to get workflow %s", id)
	}
	return workflow, nil
}
