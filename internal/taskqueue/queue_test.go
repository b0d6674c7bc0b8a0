package taskqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/events/bus"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/workerpool"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxConcurrent:      2,
		DefaultTimeoutMs:   500,
		DefaultMaxAttempts: 3,
		RetryBaseDelayMs:   10,
		RetryMaxDelayMs:    1000,
		DispatchTickMs:     20,
		StalledAfterMs:     60000,
	}
}

func newTestQueue(t *testing.T) (*TaskQueue, *store.Store, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	st, err := store.Open(filepath.Join(tmpDir, "test.db"), logger.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	pool := workerpool.New(5, logger.Default())
	pool.Start()

	memBus := bus.NewMemoryEventBus(logger.Default())

	q := New(st, pool, memBus, testQueueConfig(), logger.Default())
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("failed to start queue: %v", err)
	}

	cleanup := func() {
		_ = q.Stop()
		pool.Stop(time.Second)
		_ = st.Close()
	}
	return q, st, cleanup
}

func TestSubmitDispatchesAndCompletes(t *testing.T) {
	q, st, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	q.SetExecutor(func(ctx context.Context, task *v1.Task) (*ExecResult, error) {
		return &ExecResult{Output: "done"}, nil
	})

	task, err := q.Submit(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("failed to submit task: %v", err)
	}

	waitForStatus(t, st, task.ID, v1.TaskStatusCompleted, 2*time.Second)
}

func TestSubmitRetriesThenFails(t *testing.T) {
	q, st, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	var calls int
	q.SetExecutor(func(ctx context.Context, task *v1.Task) (*ExecResult, error) {
		calls++
		return nil, errors.New("boom")
	})

	task, err := q.Submit(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "flaky", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("failed to submit task: %v", err)
	}

	waitForStatus(t, st, task.ID, v1.TaskStatusFailed, 3*time.Second)
	if calls < 2 {
		t.Errorf("expected at least 2 attempts before terminal failure, got %d", calls)
	}
}

func TestCancelRejectsRunningTask(t *testing.T) {
	q, st, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	release := make(chan struct{})
	q.SetExecutor(func(ctx context.Context, task *v1.Task) (*ExecResult, error) {
		<-release
		return &ExecResult{}, nil
	})

	task, _ := q.Submit(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "slow"})
	waitForStatus(t, st, task.ID, v1.TaskStatusRunning, time.Second)

	if err := q.Cancel(ctx, task.ID); err == nil {
		t.Error("expected cancel to be rejected while task is running")
	}
	close(release)
}

func TestCancelPendingTask(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	_ = q.Stop() // prevent dispatch so the task stays pending
	task, err := q.Submit(ctx, v1.TaskSpec{SessionID: "sess-1", Prompt: "never runs"})
	if err != nil {
		t.Fatalf("failed to submit task: %v", err)
	}

	if err := q.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("failed to cancel pending task: %v", err)
	}

	got, err := q.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != v1.TaskStatusCancelled {
		t.Errorf("expected status cancelled, got %s", got.Status)
	}
}

func TestSubmitBatchRejectsOversized(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	specs := make([]v1.TaskSpec, 101)
	for i := range specs {
		specs[i] = v1.TaskSpec{SessionID: "sess-1", Prompt: "x"}
	}

	if _, err := q.SubmitBatch(ctx, specs); err == nil {
		t.Error("expected batch over 100 items to be rejected")
	}
}

func TestBackoffFormula(t *testing.T) {
	cases := []struct {
		attempts int
		want     int64
	}{
		{1, 1000},
		{2, 2000},
		{3, 4000},
		{4, 8000},
	}
	for _, c := range cases {
		if got := backoff(c.attempts, 1000, 300000); got != c.want {
			t.Errorf("backoff(%d) = %d, want %d", c.attempts, got, c.want)
		}
	}

	if got := backoff(20, 1000, 300000); got != 300000 {
		t.Errorf("expected backoff to cap at 300000, got %d", got)
	}
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want v1.TaskStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s within %s", taskID, want, timeout)
}
