package httpapi

import v1 "github.com/kandev/taskforge/pkg/api/v1"

// createTriggerRequest binds POST /triggers. Exactly one of TargetTaskID or
// TaskTemplate must be set, enforced by the Store.
type createTriggerRequest struct {
	SessionID     string         `json:"sessionId" binding:"required"`
	Type          v1.TriggerType `json:"type" binding:"required"`
	Name          string         `json:"name" binding:"required"`
	Description   string         `json:"description"`
	TargetTaskID  *string        `json:"targetTaskId,omitempty"`
	TaskTemplate  *v1.TaskSpec   `json:"taskTemplate,omitempty"`
	ConditionType string         `json:"conditionType,omitempty"`
	ConditionData *string        `json:"conditionData,omitempty"`
	Schedule      string         `json:"schedule,omitempty"`
	WebhookSecret string         `json:"webhookSecret,omitempty"`
	IsActive      *bool          `json:"isActive,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// fireWebhookRequest binds POST /triggers/{id}/fire for webhook-type triggers.
type fireWebhookRequest struct {
	Secret string `json:"secret"`
}
