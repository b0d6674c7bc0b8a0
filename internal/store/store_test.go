package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/taskforge/internal/apperr"
	"github.com/kandev/taskforge/internal/common/logger"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func createTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := Open(dbPath, logger.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return s, func() { _ = s.Close() }
}

func TestOpen(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("expected store to be reachable, got %v", err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected task ID to be set")
	}
	if task.Status != v1.TaskStatusPending {
		t.Errorf("expected status pending, got %s", task.Status)
	}
	if task.Priority != v1.PriorityNormal {
		t.Errorf("expected default priority normal, got %s", task.Priority)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Prompt != "do the thing" {
		t.Errorf("expected prompt %q, got %q", "do the thing", got.Prompt)
	}
}

func TestCreateTaskMissingFields(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, v1.TaskSpec{Prompt: "no session"}); err == nil {
		t.Error("expected error for missing sessionId")
	}
	if _, err := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1"}); err == nil {
		t.Error("expected error for missing prompt")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()

	_, err := s.GetTask(context.Background(), "nonexistent")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected NotFound error, got %v", err)
	}
}

func TestCreateTasksBatch(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	specs := []v1.TaskSpec{
		{SessionID: "sess-1", Prompt: "one"},
		{SessionID: "sess-1", Prompt: "two"},
		{SessionID: "sess-1", Prompt: ""},
	}
	if _, err := s.CreateTasksBatch(ctx, specs); err == nil {
		t.Fatal("expected batch to fail atomically on an invalid spec")
	}

	tasks, err := s.GetSessionTasks(ctx, "sess-1", "")
	if err != nil {
		t.Fatalf("failed to list session tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no tasks to survive a failed batch, got %d", len(tasks))
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "work"})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := s.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning); err != nil {
		t.Fatalf("pending->running should be allowed, got %v", err)
	}
	if err := s.UpdateStatus(ctx, task.ID, v1.TaskStatusPending); err == nil {
		t.Error("running->pending should be rejected")
	}
	if err := s.UpdateStatus(ctx, task.ID, v1.TaskStatusCompleted); err != nil {
		t.Fatalf("running->completed should be allowed, got %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt to be stamped")
	}
}

func TestUpdateResult(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "work"})
	_ = s.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning)

	if err := s.UpdateResult(ctx, task.ID, "output text", nil); err != nil {
		t.Fatalf("failed to update result: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != v1.TaskStatusCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}
	if got.Output == nil || *got.Output != "output text" {
		t.Errorf("expected output to be persisted, got %v", got.Output)
	}
}

func TestScheduleRetryAndDispatch(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "work"})
	_ = s.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning)

	if err := s.ScheduleRetry(ctx, task.ID, 60000); err != nil {
		t.Fatalf("failed to schedule retry: %v", err)
	}

	pending, err := s.GetPendingDispatch(ctx, 10)
	if err != nil {
		t.Fatalf("failed to get pending dispatch: %v", err)
	}
	for _, p := range pending {
		if p.ID == task.ID {
			t.Error("retry task scheduled in the future should not be dispatch-eligible yet")
		}
	}
}

func TestGetPendingDispatchOrdering(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	low, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "low", Priority: v1.PriorityLow})
	time.Sleep(2 * time.Millisecond)
	critical, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "critical", Priority: v1.PriorityCritical})

	pending, err := s.GetPendingDispatch(ctx, 10)
	if err != nil {
		t.Fatalf("failed to get pending dispatch: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	if pending[0].ID != critical.ID {
		t.Errorf("expected critical task first, got %s", pending[0].ID)
	}
	if pending[1].ID != low.ID {
		t.Errorf("expected low task second, got %s", pending[1].ID)
	}
}

func TestUpdatePriorityOnlyWhilePending(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "work"})
	if err := s.UpdatePriority(ctx, task.ID, v1.PriorityHigh); err != nil {
		t.Fatalf("failed to update priority while pending: %v", err)
	}

	_ = s.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning)
	if err := s.UpdatePriority(ctx, task.ID, v1.PriorityLow); err == nil {
		t.Error("expected priority update to be rejected once task is running")
	}
}

func TestCreateTriggerRequiresExactlyOneTarget(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	targetID := "task-1"
	_, err := s.CreateTrigger(ctx, &v1.Trigger{
		SessionID:    "sess-1",
		Type:         v1.TriggerScheduled,
		Name:         "both set",
		TargetTaskID: &targetID,
		TaskTemplate: &v1.TaskSpec{SessionID: "sess-1", Prompt: "x"},
	})
	if err == nil {
		t.Error("expected error when both targetTaskId and taskTemplate are set")
	}

	_, err = s.CreateTrigger(ctx, &v1.Trigger{SessionID: "sess-1", Type: v1.TriggerScheduled, Name: "neither set"})
	if err == nil {
		t.Error("expected error when neither targetTaskId nor taskTemplate is set")
	}

	trigger, err := s.CreateTrigger(ctx, &v1.Trigger{
		SessionID:    "sess-1",
		Type:         v1.TriggerScheduled,
		Name:         "valid",
		TaskTemplate: &v1.TaskSpec{SessionID: "sess-1", Prompt: "x"},
	})
	if err != nil {
		t.Fatalf("expected valid trigger to be created, got %v", err)
	}
	if trigger.ID == "" {
		t.Error("expected trigger ID to be set")
	}
}

func TestGetActiveTriggers(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trigger, err := s.CreateTrigger(ctx, &v1.Trigger{
		SessionID:    "sess-1",
		Type:         v1.TriggerScheduled,
		Name:         "t1",
		TaskTemplate: &v1.TaskSpec{SessionID: "sess-1", Prompt: "x"},
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	active, err := s.GetActiveTriggers(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to list active triggers: %v", err)
	}
	if len(active) != 1 || active[0].ID != trigger.ID {
		t.Fatalf("expected exactly the one active trigger, got %+v", active)
	}

	if err := s.SetTriggerActive(ctx, trigger.ID, false); err != nil {
		t.Fatalf("failed to deactivate trigger: %v", err)
	}
	active, err = s.GetActiveTriggers(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to list active triggers: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active triggers after deactivation, got %d", len(active))
	}
}

func TestExecutionHistory(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "work"})
	historyID, err := s.RecordExecutionStart(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to record execution start: %v", err)
	}

	if err := s.RecordExecutionEnd(ctx, historyID, v1.TaskStatusCompleted, 10, 20, nil); err != nil {
		t.Fatalf("failed to record execution end: %v", err)
	}

	history, err := s.ListExecutionHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to list execution history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].TotalTokens != 30 {
		t.Errorf("expected total tokens 30, got %d", history[0].TotalTokens)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if snap, err := s.LatestMetricsSnapshot(ctx); err != nil || snap != nil {
		t.Fatalf("expected no snapshot yet, got %+v err=%v", snap, err)
	}

	err := s.RecordMetricsSnapshot(ctx, &v1.MetricsSnapshot{
		Timestamp:   time.Now().UTC(),
		TotalTasks:  5,
		PendingTasks: 2,
		SuccessRate: 0.8,
	})
	if err != nil {
		t.Fatalf("failed to record metrics snapshot: %v", err)
	}

	snap, err := s.LatestMetricsSnapshot(ctx)
	if err != nil {
		t.Fatalf("failed to load latest metrics snapshot: %v", err)
	}
	if snap == nil || snap.TotalTasks != 5 {
		t.Fatalf("expected snapshot with 5 total tasks, got %+v", snap)
	}
}

func TestResetStaleRunning(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "work"})
	_ = s.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning)
	_, _ = s.IncrementAttempts(ctx, task.ID)

	reset, err := s.ResetStaleRunning(ctx)
	if err != nil {
		t.Fatalf("failed to reset stale running tasks: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 task reset, got %d", reset)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != v1.TaskStatusPending {
		t.Errorf("expected status pending after reset, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts to be left unchanged at 1, got %d", got.Attempts)
	}
}

func TestGetQueueStats(t *testing.T) {
	s, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _ = s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "one"})
	task2, _ := s.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "two"})
	_ = s.UpdateStatus(ctx, task2.ID, v1.TaskStatusRunning)

	stats, err := s.GetQueueStats(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get queue stats: %v", err)
	}
	if stats.TotalTasks != 2 {
		t.Errorf("expected 2 total tasks, got %d", stats.TotalTasks)
	}
	if stats.CountByStatus[string(v1.TaskStatusPending)] != 1 {
		t.Errorf("expected 1 pending task, got %d", stats.CountByStatus[string(v1.TaskStatusPending)])
	}
	if stats.CountByStatus[string(v1.TaskStatusRunning)] != 1 {
		t.Errorf("expected 1 running task, got %d", stats.CountByStatus[string(v1.TaskStatusRunning)])
	}
}
