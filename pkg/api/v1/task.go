// Package v1 holds the wire-level data model shared between the Store,
// the Task Queue, the Trigger Engine, and the HTTP surface.
package v1

import "time"

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusRetry     TaskStatus = "retry"
	TaskStatusPaused    TaskStatus = "paused"
)

// TaskPriority is the submission tier used to compute the dispatch score.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// TaskMode selects the model/behavior profile the AI Executor uses.
type TaskMode string

const (
	ModeGeneral         TaskMode = "general"
	ModeCoder           TaskMode = "coder"
	ModeIntenseResearch TaskMode = "intense-research"
	ModeSpark           TaskMode = "spark"
)

// Task is a unit of AI-executable work with its own retry budget and timeout.
type Task struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"sessionId" db:"session_id"`

	Prompt string   `json:"prompt" db:"prompt"`
	Mode   TaskMode `json:"mode" db:"mode"`
	Model  string   `json:"model" db:"model"`

	Status   TaskStatus   `json:"status" db:"status"`
	Priority TaskPriority `json:"priority" db:"priority"`

	Attempts      int        `json:"attempts" db:"attempts"`
	MaxAttempts   int        `json:"maxAttempts" db:"max_attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
	RetryDelay    int64      `json:"retryDelay" db:"retry_delay"` // ms, base for backoff
	Timeout       int64      `json:"timeout" db:"timeout"`        // ms

	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
	ScheduledFor  *time.Time `json:"scheduledFor,omitempty" db:"scheduled_for"`
	CompletedAt   *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	RecurringRule *string    `json:"recurringRule,omitempty" db:"recurring_rule"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty" db:"expires_at"`

	TriggeredBy *string         `json:"triggeredBy,omitempty" db:"triggered_by"`
	WorkflowID  *string         `json:"workflowId,omitempty" db:"workflow_id"`
	Tags        []string        `json:"tags,omitempty" db:"-"`
	Metadata    map[string]any  `json:"metadata,omitempty" db:"-"`

	Output     *string `json:"output,omitempty" db:"result"`
	Error      *string `json:"error,omitempty" db:"error"`
	ErrorStack *string `json:"errorStack,omitempty" db:"error_stack"`
}

// IsTerminal reports whether status is one from which no further automatic
// transition occurs.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsEligibleForDispatch reports whether status belongs to the dispatch-eligible set.
func (s TaskStatus) IsEligibleForDispatch() bool {
	return s == TaskStatusPending || s == TaskStatusRetry
}

// PriorityBase returns the scoring base for the 100/75/50/25 tier scale.
func PriorityBase(p TaskPriority) int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityNormal:
		return 50
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// TaskSpec is the caller-supplied description of work to create a Task from.
type TaskSpec struct {
	SessionID     string         `json:"sessionId" binding:"required"`
	Prompt        string         `json:"prompt" binding:"required"`
	Mode          TaskMode       `json:"mode"`
	Model         string         `json:"model"`
	Priority      TaskPriority   `json:"priority"`
	MaxAttempts   int            `json:"maxAttempts"`
	RetryDelay    int64          `json:"retryDelay"`
	Timeout       int64          `json:"timeout"`
	ScheduledFor  *time.Time     `json:"scheduledFor,omitempty"`
	RecurringRule *string        `json:"recurringRule,omitempty"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
	TriggeredBy   *string        `json:"triggeredBy,omitempty"`
	WorkflowID    *string        `json:"workflowId,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// BatchTaskSpec is the request body for POST /tasks/batch.
type BatchTaskSpec struct {
	Tasks []TaskSpec `json:"tasks" binding:"required"`
}

// ReprioritizeRequest is the request body for PUT /tasks/reprioritize.
type ReprioritizeRequest struct {
	ID       string       `json:"id" binding:"required"`
	Priority TaskPriority `json:"priority" binding:"required"`
}

// TriggerType is the discriminator of the Trigger tagged union.
type TriggerType string

const (
	TriggerManual         TriggerType = "manual"
	TriggerScheduled       TriggerType = "scheduled"
	TriggerWebhook        TriggerType = "webhook"
	TriggerAIGenerated     TriggerType = "ai-generated"
	TriggerConditionBased  TriggerType = "condition-based"
	TriggerChain           TriggerType = "chain"
	TriggerTimeBased       TriggerType = "time-based"
)

// Trigger is an event-to-task producer.
type Trigger struct {
	ID          string      `json:"id" db:"id"`
	SessionID   string      `json:"sessionId" db:"session_id"`
	Type        TriggerType `json:"type" db:"type"`
	Name        string      `json:"name" db:"name"`
	Description string      `json:"description" db:"description"`

	// Exactly one of TargetTaskID / TaskTemplate is set.
	TargetTaskID *string   `json:"targetTaskId,omitempty" db:"target_task_id"`
	TaskTemplate *TaskSpec `json:"taskTemplate,omitempty" db:"-"`

	ConditionType string  `json:"conditionType,omitempty" db:"condition_type"`
	ConditionData *string `json:"conditionData,omitempty" db:"-"`

	Schedule      string  `json:"schedule,omitempty" db:"schedule"`
	PeriodMs      int64   `json:"periodMs,omitempty" db:"-"`
	WebhookURL    string  `json:"webhookUrl,omitempty" db:"webhook_url"`
	WebhookSecret string  `json:"webhookSecret,omitempty" db:"webhook_secret"`

	IsActive       bool       `json:"isActive" db:"is_active"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty" db:"last_triggered_at"`

	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
}

// Workflow is a named group of tasks sharing a retry policy. Metadata-only:
// no component interprets it beyond tagging tasks with the same WorkflowID.
type Workflow struct {
	ID            string         `json:"id" db:"id"`
	SessionID     string         `json:"sessionId" db:"session_id"`
	Name          string         `json:"name" db:"name"`
	Description   string         `json:"description" db:"description"`
	TaskIDs       []string       `json:"taskIds,omitempty" db:"-"`
	TriggerIDs    []string       `json:"triggerIds,omitempty" db:"-"`
	MaxConcurrent int            `json:"maxConcurrent" db:"max_concurrent"`
	Timeout       int64          `json:"timeout" db:"timeout"`
	RetryPolicy   map[string]any `json:"retryPolicy,omitempty" db:"-"`
	Status        string         `json:"status" db:"status"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty" db:"completed_at"`
	TotalDuration int64          `json:"totalDuration" db:"total_duration"`
	Metadata      map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time      `json:"updatedAt" db:"updated_at"`
}

// TaskDependency is an explicit edge between two tasks. DependencyType is
// stored but never interpreted by any component (see Open Question decisions).
type TaskDependency struct {
	ID             int64     `json:"id" db:"id"`
	FromTaskID     string    `json:"fromTaskId" db:"from_task_id"`
	ToTaskID       string    `json:"toTaskId" db:"to_task_id"`
	DependencyType string    `json:"dependencyType,omitempty" db:"dependency_type"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// ExecutionHistory is an append-only record of one dispatch attempt.
type ExecutionHistory struct {
	ID            int64      `json:"id" db:"id"`
	TaskID        string     `json:"taskId" db:"task_id"`
	Status        TaskStatus `json:"status" db:"status"`
	StartTime     time.Time  `json:"startTime" db:"start_time"`
	EndTime       *time.Time `json:"endTime,omitempty" db:"end_time"`
	ExecutionTime int64      `json:"executionTime" db:"execution_time"` // ms
	InputTokens   int64      `json:"inputTokens" db:"input_tokens"`
	OutputTokens  int64      `json:"outputTokens" db:"output_tokens"`
	TotalTokens   int64      `json:"totalTokens" db:"total_tokens"`
	Error         *string    `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
}

// MetricsSnapshot is a timestamped sample of queue/pool/memory state.
type MetricsSnapshot struct {
	ID               int64     `json:"id" db:"id"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
	TotalTasks       int64     `json:"totalTasks" db:"total_tasks"`
	PendingTasks     int64     `json:"pendingTasks" db:"pending_tasks"`
	RunningTasks     int64     `json:"runningTasks" db:"running_tasks"`
	CompletedTasks   int64     `json:"completedTasks" db:"completed_tasks"`
	FailedTasks      int64     `json:"failedTasks" db:"failed_tasks"`
	AvgExecutionTime float64   `json:"avgExecutionTime" db:"avg_execution_time"`
	SuccessRate      float64   `json:"successRate" db:"success_rate"`
	ActiveWorkers    int       `json:"activeWorkers" db:"active_workers"`
	QueueDepth       int64     `json:"queueDepth" db:"queue_depth"`
	MemoryUsed       int64     `json:"memoryUsed" db:"memory_used"`
	MemoryTotal      int64     `json:"memoryTotal" db:"memory_total"`
	Metadata         map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// QueueStats aggregates counts by status plus average attempts, used by
// GET /stats and the Health Monitor.
type QueueStats struct {
	SessionID      string           `json:"sessionId,omitempty"`
	CountByStatus  map[string]int64 `json:"countByStatus"`
	TotalTasks     int64            `json:"totalTasks"`
	AverageAttempts float64         `json:"averageAttempts"`
}

// HealthStatus is the tag the Health Monitor derives from one sample.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthSnapshot is one Health Monitor sample, served by GET /health.
type HealthSnapshot struct {
	Status    HealthStatus `json:"status"`
	Score     int          `json:"score"`
	Timestamp time.Time    `json:"timestamp"`

	StoreConnected  bool  `json:"storeConnected"`
	StoreLatencyMs  int64 `json:"storeLatencyMs"`

	PendingTasks    int64 `json:"pendingTasks"`
	OldestPendingMs int64 `json:"oldestPendingMs"`

	ActiveWorkers   int `json:"activeWorkers"`
	IdleWorkers     int `json:"idleWorkers"`
	StalledWorkers  int `json:"stalledWorkers"`

	HeapUsedBytes  uint64 `json:"heapUsedBytes"`
	HeapTotalBytes uint64 `json:"heapTotalBytes"`

	Executions int64 `json:"executions"`
	TokensUsed int64 `json:"tokensUsed"`
}
