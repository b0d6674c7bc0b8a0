package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/events/bus"
	"github.com/kandev/taskforge/internal/health"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/taskqueue"
	"github.com/kandev/taskforge/internal/trigger"
	"github.com/kandev/taskforge/internal/workerpool"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func newTestSystem(t *testing.T) (*System, *store.Store, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	st, err := store.Open(filepath.Join(tmpDir, "test.db"), logger.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	pool := workerpool.New(2, logger.Default())
	pool.Start()
	memBus := bus.NewMemoryEventBus(logger.Default())

	qcfg := config.QueueConfig{MaxConcurrent: 2, DefaultTimeoutMs: 500, DefaultMaxAttempts: 3, RetryBaseDelayMs: 10, RetryMaxDelayMs: 1000, DispatchTickMs: 20}
	tq := taskqueue.New(st, pool, memBus, qcfg, logger.Default())
	tq.SetExecutor(func(ctx context.Context, task *v1.Task) (*taskqueue.ExecResult, error) {
		return &taskqueue.ExecResult{Output: "ok"}, nil
	})

	ecfg := config.TriggerConfig{ScheduledTickMs: 50}
	eng := trigger.New(st, tq, memBus, ecfg, logger.Default())

	hcfg := config.HealthConfig{SampleIntervalMs: 50, StallTimeoutMs: 60000}
	mon := health.New(st, pool, nil, hcfg, logger.Default())

	scfg := config.StoreConfig{RetentionDays: 30, CleanupIntervalMs: 0}
	sys := New(st, tq, eng, mon, scfg, logger.Default())

	cleanup := func() {
		if sys.IsRunning() {
			_ = sys.Stop()
		}
		pool.Stop(time.Second)
		_ = st.Close()
	}
	return sys, st, cleanup
}

func TestStartStopLifecycle(t *testing.T) {
	sys, _, cleanup := newTestSystem(t)
	defer cleanup()
	ctx := context.Background()

	if err := sys.Start(ctx); err != nil {
		t.Fatalf("failed to start system: %v", err)
	}
	if !sys.IsRunning() {
		t.Error("expected system to report running")
	}
	if err := sys.Start(ctx); err == nil {
		t.Error("expected second start to be rejected")
	}

	if err := sys.Stop(); err != nil {
		t.Fatalf("failed to stop system: %v", err)
	}
	if sys.IsRunning() {
		t.Error("expected system to report stopped")
	}
	if err := sys.Stop(); err == nil {
		t.Error("expected second stop to be rejected")
	}
}

func TestSweepLoopRemovesExpiredCompletedTasks(t *testing.T) {
	t.Helper()
	tmpDir := t.TempDir()
	st, err := store.Open(filepath.Join(tmpDir, "test.db"), logger.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	pool := workerpool.New(2, logger.Default())
	pool.Start()
	defer pool.Stop(time.Second)
	memBus := bus.NewMemoryEventBus(logger.Default())

	qcfg := config.QueueConfig{MaxConcurrent: 2, DefaultTimeoutMs: 500, DefaultMaxAttempts: 3, RetryBaseDelayMs: 10, RetryMaxDelayMs: 1000, DispatchTickMs: 20}
	tq := taskqueue.New(st, pool, memBus, qcfg, logger.Default())
	tq.SetExecutor(func(ctx context.Context, task *v1.Task) (*taskqueue.ExecResult, error) {
		return &taskqueue.ExecResult{Output: "ok"}, nil
	})
	ecfg := config.TriggerConfig{ScheduledTickMs: 50}
	eng := trigger.New(st, tq, memBus, ecfg, logger.Default())
	hcfg := config.HealthConfig{SampleIntervalMs: 50, StallTimeoutMs: 60000}
	mon := health.New(st, pool, nil, hcfg, logger.Default())

	scfg := config.StoreConfig{RetentionDays: 0, CleanupIntervalMs: 20}
	sys := New(st, tq, eng, mon, scfg, logger.Default())

	ctx := context.Background()
	task, err := st.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "p"})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if err := st.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning); err != nil {
		t.Fatalf("failed to mark task running: %v", err)
	}
	if err := st.UpdateStatus(ctx, task.ID, v1.TaskStatusCompleted); err != nil {
		t.Fatalf("failed to mark task completed: %v", err)
	}

	if err := sys.Start(ctx); err != nil {
		t.Fatalf("failed to start system: %v", err)
	}
	defer func() { _ = sys.Stop() }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.GetTask(ctx, task.ID); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected retention sweep to remove the completed task")
}

func TestResetRecoversStaleRunningTasks(t *testing.T) {
	sys, st, cleanup := newTestSystem(t)
	defer cleanup()
	ctx := context.Background()

	task, err := st.CreateTask(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "p"})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if err := st.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning); err != nil {
		t.Fatalf("failed to mark task running: %v", err)
	}

	count, err := sys.Reset(ctx)
	if err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 task reset, got %d", count)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != v1.TaskStatusPending {
		t.Errorf("expected status pending after reset, got %s", got.Status)
	}
}
