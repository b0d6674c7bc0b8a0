// Package taskqueue is the lifecycle controller driving the Store → Worker
// Pool pipeline: submission, dispatch, retry backoff, and cancellation.
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/apperr"
	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/events"
	"github.com/kandev/taskforge/internal/events/bus"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/workerpool"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const maxBatchSize = 100

// ExecResult is what an injected executor returns for one task attempt.
type ExecResult struct {
	Output        string
	TokensUsed    int64
	FollowUpTasks []v1.TaskSpec
}

// ExecutorFunc runs one task's work. A non-nil error marks the attempt
// failed; the Task Queue owns retry/backoff decisions from there.
type ExecutorFunc func(ctx context.Context, task *v1.Task) (*ExecResult, error)

// ErrAlreadyRunning / ErrNotRunning guard Start/Stop idempotency.
var (
	ErrAlreadyRunning = errors.New("task queue is already running")
	ErrNotRunning     = errors.New("task queue is not running")
)

// TaskQueue coordinates submission, dispatch, and outcome handling.
type TaskQueue struct {
	store  *store.Store
	pool   *workerpool.Pool
	bus    bus.EventBus
	logger *logger.Logger
	cfg    config.QueueConfig

	executorMu sync.RWMutex
	executor   ExecutorFunc

	running     int64 // tasks currently dispatched, bounded by cfg.MaxConcurrent
	signalCh    chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	started     bool
}

// New wires a Task Queue over an already-started Worker Pool.
func New(st *store.Store, pool *workerpool.Pool, eventBus bus.EventBus, cfg config.QueueConfig, log *logger.Logger) *TaskQueue {
	return &TaskQueue{
		store:    st,
		pool:     pool,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "taskqueue")),
		signalCh: make(chan struct{}, 1),
	}
}

// SetExecutor injects the per-task executor (the AI Executor wrapper).
func (q *TaskQueue) SetExecutor(fn ExecutorFunc) {
	q.executorMu.Lock()
	defer q.executorMu.Unlock()
	q.executor = fn
}

func (q *TaskQueue) getExecutor() ExecutorFunc {
	q.executorMu.RLock()
	defer q.executorMu.RUnlock()
	return q.executor
}

// Start launches the dispatch loop: edge-triggered on submit, with a
// fallback tick so scheduled/retry tasks whose time has arrived still get picked up.
func (q *TaskQueue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	if q.started {
		q.lifecycleMu.Unlock()
		return ErrAlreadyRunning
	}
	q.started = true
	q.stopCh = make(chan struct{})
	q.lifecycleMu.Unlock()

	q.wg.Add(1)
	go q.dispatchLoop(ctx)
	q.logger.Info("task queue started", zap.Int("max_concurrent", q.cfg.MaxConcurrent))
	return nil
}

// Stop halts the dispatch loop. Running executions continue under the
// Worker Pool's own drain deadline.
func (q *TaskQueue) Stop() error {
	q.lifecycleMu.Lock()
	if !q.started {
		q.lifecycleMu.Unlock()
		return ErrNotRunning
	}
	q.started = false
	close(q.stopCh)
	q.lifecycleMu.Unlock()

	q.wg.Wait()
	q.logger.Info("task queue stopped")
	return nil
}

// Submit writes one task to the Store and wakes the dispatcher.
func (q *TaskQueue) Submit(ctx context.Context, spec v1.TaskSpec) (*v1.Task, error) {
	task, err := q.store.CreateTask(ctx, spec)
	if err != nil {
		return nil, err
	}
	q.signal()
	return task, nil
}

// SubmitBatch writes every spec under one Store transaction.
func (q *TaskQueue) SubmitBatch(ctx context.Context, specs []v1.TaskSpec) ([]*v1.Task, error) {
	if len(specs) > maxBatchSize {
		return nil, apperr.InvalidInput("batch submit accepts at most %d tasks, got %d", maxBatchSize, len(specs))
	}
	tasks, err := q.store.CreateTasksBatch(ctx, specs)
	if err != nil {
		return nil, err
	}
	q.signal()
	return tasks, nil
}

// Cancel marks a non-running task cancelled.
func (q *TaskQueue) Cancel(ctx context.Context, id string) error {
	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == v1.TaskStatusRunning {
		return apperr.InvalidInput("task %s is running and cannot be cancelled", id)
	}
	if err := q.store.UpdateStatus(ctx, id, v1.TaskStatusCancelled); err != nil {
		return err
	}
	q.emit(ctx, events.TaskCancelled, task, nil)
	return nil
}

// Pause moves a pending task to paused.
func (q *TaskQueue) Pause(ctx context.Context, id string) error {
	return q.store.UpdateStatus(ctx, id, v1.TaskStatusPaused)
}

// Resume moves a paused task back to pending and wakes the dispatcher.
func (q *TaskQueue) Resume(ctx context.Context, id string) error {
	if err := q.store.UpdateStatus(ctx, id, v1.TaskStatusPending); err != nil {
		return err
	}
	q.signal()
	return nil
}

// GetTask retrieves a single task.
func (q *TaskQueue) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	return q.store.GetTask(ctx, id)
}

// GetSessionTasks lists a session's tasks.
func (q *TaskQueue) GetSessionTasks(ctx context.Context, sessionID string, status v1.TaskStatus) ([]*v1.Task, error) {
	return q.store.GetSessionTasks(ctx, sessionID, status)
}

// GetStats reports queue-level counts for a session (or globally if empty).
func (q *TaskQueue) GetStats(ctx context.Context, sessionID string) (*v1.QueueStats, error) {
	return q.store.GetQueueStats(ctx, sessionID)
}

// Reprioritize changes a pending task's priority, signaling the dispatcher
// so a raised priority is picked up without waiting for the next tick.
func (q *TaskQueue) Reprioritize(ctx context.Context, id string, priority v1.TaskPriority) error {
	if err := q.store.UpdatePriority(ctx, id, priority); err != nil {
		return err
	}
	q.signal()
	return nil
}

// GetHistory lists a task's past execution attempts, most recent first.
func (q *TaskQueue) GetHistory(ctx context.Context, id string) ([]*v1.ExecutionHistory, error) {
	return q.store.ListExecutionHistory(ctx, id)
}

func (q *TaskQueue) signal() {
	select {
	case q.signalCh <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.DispatchTick())
	defer ticker.Stop()

	for {
		q.dispatchOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.signalCh:
		case <-ticker.C:
		}
	}
}

// dispatchOnce implements the algorithm in one pass: compute free capacity,
// pull that many eligible tasks ordered by weighted score, and hand each to
// the Worker Pool wrapped in a closure that owns its own outcome handling.
func (q *TaskQueue) dispatchOnce(ctx context.Context) {
	free := q.cfg.MaxConcurrent - int(atomic.LoadInt64(&q.running))
	if free <= 0 {
		return
	}

	candidates, err := q.store.GetPendingDispatch(ctx, free)
	if err != nil {
		q.logger.Error("failed to query pending dispatch", zap.Error(err))
		return
	}

	for _, task := range candidates {
		if task.Status == v1.TaskStatusRetry {
			// retry -> running is not a direct transition (§3); a due retry
			// must first fall back to pending before it can be claimed.
			if err := q.store.UpdateStatus(ctx, task.ID, v1.TaskStatusPending); err != nil {
				// Someone else already advanced it; skip.
				continue
			}
		}

		if err := q.store.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning); err != nil {
			// Someone else claimed it (or it moved on) between the read and here; skip.
			continue
		}

		atomic.AddInt64(&q.running, 1)
		job := workerpool.Job{
			TaskID: task.ID,
			Run: func(jobCtx context.Context) error {
				defer atomic.AddInt64(&q.running, -1)
				return q.execute(jobCtx, task)
			},
		}
		if err := q.pool.Submit(job); err != nil {
			atomic.AddInt64(&q.running, -1)
			q.logger.Error("failed to submit task to worker pool", zap.String("task_id", task.ID), zap.Error(err))
			// Roll the claim back to pending so it is retried on the next pass.
			_ = q.store.UpdateStatus(context.Background(), task.ID, v1.TaskStatusPending)
		}
	}
}

// execute runs one task's attempt under its own timeout, then persists the
// outcome and emits the matching event. The returned error only signals
// worker pool slot bookkeeping; all business-level failure handling
// (retry scheduling, terminal failure) happens inside here.
func (q *TaskQueue) execute(ctx context.Context, task *v1.Task) error {
	historyID, err := q.store.RecordExecutionStart(ctx, task.ID)
	if err != nil {
		q.logger.Error("failed to record execution start", zap.String("task_id", task.ID), zap.Error(err))
	}

	executor := q.getExecutor()
	if executor == nil {
		q.fail(ctx, task, historyID, apperr.ExecutorErrorf(nil, "no executor configured"))
		return errors.New("no executor configured")
	}

	timeout := time.Duration(task.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan execOutcome, 1)
	go func() {
		result, err := executor(execCtx, task)
		resultCh <- execOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-resultCh:
		if outcome.err != nil {
			q.fail(ctx, task, historyID, outcome.err)
			return outcome.err
		}
		q.succeed(ctx, task, historyID, outcome.result)
		return nil
	case <-execCtx.Done():
		err := apperr.Timeout(task.Timeout)
		q.fail(ctx, task, historyID, err)
		return err
	}
}

type execOutcome struct {
	result *ExecResult
	err    error
}

func (q *TaskQueue) succeed(ctx context.Context, task *v1.Task, historyID int64, result *ExecResult) {
	output := ""
	var tokensUsed int64
	if result != nil {
		output = result.Output
		tokensUsed = result.TokensUsed
	}
	if err := q.store.UpdateResult(ctx, task.ID, output, nil); err != nil {
		q.logger.Error("failed to persist task success", zap.String("task_id", task.ID), zap.Error(err))
	}
	q.recordExecutionEnd(ctx, task.ID, historyID, v1.TaskStatusCompleted, tokensUsed, nil)
	q.emit(ctx, events.TaskCompleted, task, nil)

	if result == nil {
		return
	}
	for _, spec := range result.FollowUpTasks {
		if _, err := q.Submit(ctx, spec); err != nil {
			q.logger.Warn("failed to submit follow-up task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (q *TaskQueue) fail(ctx context.Context, task *v1.Task, historyID int64, execErr error) {
	attempts, err := q.store.IncrementAttempts(ctx, task.ID)
	if err != nil {
		q.logger.Error("failed to increment attempts", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if attempts < task.MaxAttempts {
		delay := backoff(attempts, task.RetryDelay, q.cfg.RetryMaxDelayMs)
		if err := q.store.ScheduleRetry(ctx, task.ID, delay); err != nil {
			q.logger.Error("failed to schedule retry", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		q.recordExecutionEnd(ctx, task.ID, historyID, v1.TaskStatusRetry, 0, execErr)
		q.emit(ctx, events.TaskRetry, task, execErr)
		return
	}

	if err := q.store.UpdateResult(ctx, task.ID, "", execErr); err != nil {
		q.logger.Error("failed to persist task failure", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	q.recordExecutionEnd(ctx, task.ID, historyID, v1.TaskStatusFailed, 0, execErr)
	q.emit(ctx, events.TaskFailed, task, execErr)
}

// recordExecutionEnd closes out the attempt row opened by RecordExecutionStart.
// historyID is 0 when the start record failed to write; there is nothing to
// close out in that case.
func (q *TaskQueue) recordExecutionEnd(ctx context.Context, taskID string, historyID int64, status v1.TaskStatus, tokensUsed int64, execErr error) {
	if historyID <= 0 {
		return
	}
	if err := q.store.RecordExecutionEnd(ctx, historyID, status, 0, tokensUsed, execErr); err != nil {
		q.logger.Error("failed to record execution end", zap.String("task_id", taskID), zap.Error(err))
	}
}

// backoff computes delay = min(base * 2^(attempts-1), maxDelayMs). base is
// the task's own retry delay, or 1000 ms when baseOverrideMs is not positive.
func backoff(attempts int, baseOverrideMs int64, maxDelayMs int) int64 {
	base := baseOverrideMs
	if base <= 0 {
		base = 1000
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if int64(maxDelayMs) > 0 && delay >= int64(maxDelayMs) {
			return int64(maxDelayMs)
		}
	}
	if int64(maxDelayMs) > 0 && delay > int64(maxDelayMs) {
		return int64(maxDelayMs)
	}
	return delay
}

func (q *TaskQueue) emit(ctx context.Context, eventType string, task *v1.Task, execErr error) {
	if q.bus == nil {
		return
	}
	data := map[string]any{
		"taskId":    task.ID,
		"sessionId": task.SessionID,
	}
	if execErr != nil {
		data["error"] = execErr.Error()
	}
	evt := bus.NewEvent(eventType, "taskqueue", data)
	if err := q.bus.Publish(ctx, events.BuildTaskSubject(task.ID), evt); err != nil {
		q.logger.Warn("failed to publish task event", zap.String("task_id", task.ID), zap.String("event", eventType), zap.Error(err))
	}
}
