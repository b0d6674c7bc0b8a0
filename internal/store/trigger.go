package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/taskforge/internal/apperr"
	"github.com/kandev/taskforge/internal/common/sqlite"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const triggerColumns = `
	id, session_id, type, name, description, target_task_id, task_template_json,
	condition_type, condition_data_json, schedule, webhook_url, webhook_secret,
	is_active, last_triggered_at, metadata_json, created_at, updated_at
`

func scanTrigger(row rowScanner) (*v1.Trigger, error) {
	var t v1.Trigger
	var targetTaskID, taskTemplateJSON, conditionData sql.NullString
	var lastTriggeredAt sql.NullTime
	var metadataJSON string
	var isActive int

	err := row.Scan(
		&t.ID, &t.SessionID, &t.Type, &t.Name, &t.Description, &targetTaskID,
		&taskTemplateJSON, &t.ConditionType, &conditionData, &t.Schedule,
		&t.WebhookURL, &t.WebhookSecret, &isActive, &lastTriggeredAt,
		&metadataJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.IsActive = isActive != 0
	if targetTaskID.Valid {
		t.TargetTaskID = &targetTaskID.String
	}
	if taskTemplateJSON.Valid && taskTemplateJSON.String != "" {
		var spec v1.TaskSpec
		if err := json.Unmarshal([]byte(taskTemplateJSON.String), &spec); err == nil {
			t.TaskTemplate = &spec
		}
	}
	if conditionData.Valid {
		t.ConditionData = &conditionData.String
	}
	if lastTriggeredAt.Valid {
		t.LastTriggeredAt = &lastTriggeredAt.Time
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	}
	return &t, nil
}

// CreateTrigger validates the tagged-union invariant (exactly one of
// TargetTaskID/TaskTemplate) and inserts the trigger.
func (s *Store) CreateTrigger(ctx context.Context, trigger *v1.Trigger) (*v1.Trigger, error) {
	hasTarget := trigger.TargetTaskID != nil && *trigger.TargetTaskID != ""
	hasTemplate := trigger.TaskTemplate != nil
	if hasTarget == hasTemplate {
		return nil, apperr.InvalidInput("exactly one of targetTaskId or taskTemplate must be set")
	}

	now := time.Now().UTC()
	trigger.ID = uuid.New().String()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now

	var templateJSON []byte
	if trigger.TaskTemplate != nil {
		var err error
		templateJSON, err = json.Marshal(trigger.TaskTemplate)
		if err != nil {
			return nil, apperr.InvalidInput("invalid taskTemplate: %v", err)
		}
	}
	metadataJSON, err := json.Marshal(trigger.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(fmt.Sprintf(`
		INSERT INTO triggers (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, triggerColumns)),
		trigger.ID, trigger.SessionID, trigger.Type, trigger.Name, trigger.Description,
		trigger.TargetTaskID, nullableString(templateJSON), trigger.ConditionType,
		trigger.ConditionData, trigger.Schedule, trigger.WebhookURL, trigger.WebhookSecret,
		sqlite.BoolToInt(trigger.IsActive), trigger.LastTriggeredAt, string(metadataJSON),
		trigger.CreatedAt, trigger.UpdatedAt,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to create trigger")
	}
	return trigger, nil
}

// GetTrigger retrieves a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*v1.Trigger, error) {
	row := s.reader().QueryRowContext(ctx, s.reader().Rebind(
		fmt.Sprintf(`SELECT %s FROM triggers WHERE id = ?`, triggerColumns)), id)
	trigger, err := scanTrigger(row)
	if isNoRows(err) {
		return nil, apperr.NotFound("trigger", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "failed to get trigger %s", id)
	}
	return trigger, nil
}

// GetActiveTriggers returns all active triggers for a session, or for every
// session if sessionID is empty (used by the Trigger Engine's scan loop).
func (s *Store) GetActiveTriggers(ctx context.Context, sessionID string) ([]*v1.Trigger, error) {
	query := fmt.Sprintf(`SELECT %s FROM triggers WHERE is_active = 1`, triggerColumns)
	args := []any{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to query active triggers")
	}
	defer func() { _ = rows.Close() }()

	var triggers []*v1.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, wrapStoreErr(err, "failed to scan trigger")
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// SetTriggerActive activates or deactivates a trigger idempotently.
func (s *Store) SetTriggerActive(ctx context.Context, id string, active bool) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE triggers SET is_active = ?, updated_at = ? WHERE id = ?
	`), sqlite.BoolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return wrapStoreErr(err, "failed to set trigger active state")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("trigger", id)
	}
	return nil
}

// RecordTriggerFired stamps lastTriggeredAt to now.
func (s *Store) RecordTriggerFired(ctx context.Context, id string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE triggers SET last_triggered_at = ?, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), time.Now().UTC(), id)
	return wrapStoreErr(err, "failed to record trigger fire for %s", id)
}

// DeleteTriggersBySession cascades trigger deletion from an owning session.
func (s *Store) DeleteTriggersBySession(ctx context.Context, sessionID string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		DELETE FROM triggers WHERE session_id = ?
	`), sessionID)
	return wrapStoreErr(err, "failed to delete triggers for session %s", sessionID)
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
