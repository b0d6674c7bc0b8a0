// Package trigger converts schedules, webhooks, chained completions, and
// ad-hoc conditions into new task submissions.
package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/apperr"
	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/events"
	"github.com/kandev/taskforge/internal/events/bus"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/taskqueue"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// ErrAlreadyRunning / ErrNotRunning guard Start/Stop idempotency.
var (
	ErrAlreadyRunning = errors.New("trigger engine is already running")
	ErrNotRunning     = errors.New("trigger engine is not running")
)

// Engine is the Trigger Engine. It owns no persistent state beyond the
// Store; active schedules are re-read from the Store on every tick and any
// in-memory bookkeeping is discarded on Stop.
type Engine struct {
	store  *store.Store
	queue  *taskqueue.TaskQueue
	bus    bus.EventBus
	cfg    config.TriggerConfig
	logger *logger.Logger

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	chainSub bus.Subscription
}

// New wires a Trigger Engine over a Task Queue used to submit fired tasks.
func New(st *store.Store, tq *taskqueue.TaskQueue, eventBus bus.EventBus, cfg config.TriggerConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:  st,
		queue:  tq,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "triggerengine")),
	}
}

// Start subscribes to task completion events (for chain triggers) and
// launches the per-minute scheduled/time-based scan loop.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.started {
		e.lifecycleMu.Unlock()
		return ErrAlreadyRunning
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.lifecycleMu.Unlock()

	if e.bus != nil {
		sub, err := e.bus.Subscribe(events.BuildTaskWildcardSubject(), e.handleTaskEvent)
		if err != nil {
			return apperr.Fatalf(err, "failed to subscribe trigger engine to task events")
		}
		e.chainSub = sub
	}

	e.wg.Add(1)
	go e.scanLoop(ctx)
	e.logger.Info("trigger engine started")
	return nil
}

// Stop tears down subscriptions and clears in-memory schedule state.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	if !e.started {
		e.lifecycleMu.Unlock()
		return ErrNotRunning
	}
	e.started = false
	close(e.stopCh)
	e.lifecycleMu.Unlock()

	e.wg.Wait()
	if e.chainSub != nil {
		_ = e.chainSub.Unsubscribe()
		e.chainSub = nil
	}

	e.logger.Info("trigger engine stopped")
	return nil
}

func (e *Engine) scanLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ScheduledTick())
	defer ticker.Stop()

	for {
		e.scanOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// scanOnce re-reads every active trigger and fires the scheduled/time-based
// ones whose moment has arrived.
func (e *Engine) scanOnce(ctx context.Context) {
	triggers, err := e.store.GetActiveTriggers(ctx, "")
	if err != nil {
		e.logger.Error("failed to load active triggers", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, trig := range triggers {
		switch trig.Type {
		case v1.TriggerScheduled:
			if cronMatches(trig.Schedule, now) {
				e.fireAndLog(ctx, trig)
			}
		case v1.TriggerTimeBased:
			if e.timeBasedDue(trig, now) {
				e.fireAndLog(ctx, trig)
			}
		}
	}
}

func (e *Engine) timeBasedDue(trig *v1.Trigger, now time.Time) bool {
	if trig.PeriodMs <= 0 {
		return false
	}
	last := trig.LastTriggeredAt
	if last == nil {
		return true
	}
	return now.Sub(*last) >= time.Duration(trig.PeriodMs)*time.Millisecond
}

// CreateTrigger persists a new trigger.
func (e *Engine) CreateTrigger(ctx context.Context, trig *v1.Trigger) (*v1.Trigger, error) {
	return e.store.CreateTrigger(ctx, trig)
}

// ListTriggers lists a session's active triggers; inactive triggers are not returned.
func (e *Engine) ListTriggers(ctx context.Context, sessionID string) ([]*v1.Trigger, error) {
	return e.store.GetActiveTriggers(ctx, sessionID)
}

// GetTrigger retrieves a trigger by id.
func (e *Engine) GetTrigger(ctx context.Context, id string) (*v1.Trigger, error) {
	return e.store.GetTrigger(ctx, id)
}

// Fire dispatches to FireWebhook when the trigger is of type webhook and
// fires it directly otherwise, so the HTTP surface can expose one fire endpoint.
func (e *Engine) Fire(ctx context.Context, id, providedSecret string) (*v1.Task, error) {
	trig, err := e.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if trig.Type == v1.TriggerWebhook {
		return e.FireWebhook(ctx, id, providedSecret)
	}
	return e.fire(ctx, trig)
}

// FireManual fires a trigger on explicit request, regardless of type.
func (e *Engine) FireManual(ctx context.Context, id string) (*v1.Task, error) {
	trig, err := e.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.fire(ctx, trig)
}

// FireWebhook fires a webhook trigger after validating the shared secret.
func (e *Engine) FireWebhook(ctx context.Context, id, providedSecret string) (*v1.Task, error) {
	trig, err := e.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if trig.Type != v1.TriggerWebhook {
		return nil, apperr.InvalidInput("trigger %s is not a webhook trigger", id)
	}
	if trig.WebhookSecret == "" || trig.WebhookSecret != providedSecret {
		return nil, apperr.InvalidInput("webhook secret mismatch for trigger %s", id)
	}
	return e.fire(ctx, trig)
}

// EvaluateConditionTriggers re-scans active condition-based triggers,
// firing each whose free-form condition data the caller-supplied evaluator accepts.
func (e *Engine) EvaluateConditionTriggers(ctx context.Context, evalFn func(conditionType, conditionData string) bool) (int, error) {
	triggers, err := e.store.GetActiveTriggers(ctx, "")
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, trig := range triggers {
		if trig.Type != v1.TriggerConditionBased {
			continue
		}
		data := ""
		if trig.ConditionData != nil {
			data = *trig.ConditionData
		}
		if !evalFn(trig.ConditionType, data) {
			continue
		}
		if _, err := e.fire(ctx, trig); err != nil {
			e.logger.Warn("failed to fire condition trigger", zap.String("trigger_id", trig.ID), zap.Error(err))
			continue
		}
		fired++
	}
	return fired, nil
}

// handleTaskEvent watches for task completions and fires any active chain
// trigger whose condition data names the completed task.
func (e *Engine) handleTaskEvent(ctx context.Context, evt *bus.Event) error {
	if evt.Type != events.TaskCompleted {
		return nil
	}
	data, _ := evt.Data.(map[string]interface{})
	completedTaskID, _ := data["taskId"].(string)
	if completedTaskID == "" {
		return nil
	}

	triggers, err := e.store.GetActiveTriggers(ctx, "")
	if err != nil {
		e.logger.Error("failed to load active triggers for chain check", zap.Error(err))
		return nil
	}

	for _, trig := range triggers {
		if trig.Type != v1.TriggerChain || trig.ConditionData == nil {
			continue
		}
		if *trig.ConditionData != completedTaskID {
			continue
		}
		e.fireAndLog(ctx, trig)
	}
	return nil
}

func (e *Engine) fireAndLog(ctx context.Context, trig *v1.Trigger) {
	if _, err := e.fire(ctx, trig); err != nil {
		e.logger.Error("failed to fire trigger", zap.String("trigger_id", trig.ID), zap.Error(err))
	}
}

// fire builds the resulting task spec per the tagged-union payload and
// submits it through the Task Queue, then stamps lastTriggeredAt.
func (e *Engine) fire(ctx context.Context, trig *v1.Trigger) (*v1.Task, error) {
	spec, err := e.buildFireSpec(ctx, trig)
	if err != nil {
		return nil, err
	}

	task, err := e.queue.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := e.store.RecordTriggerFired(ctx, trig.ID); err != nil {
		e.logger.Warn("failed to record trigger fire", zap.String("trigger_id", trig.ID), zap.Error(err))
	}
	e.emit(ctx, trig, task)
	return task, nil
}

func (e *Engine) buildFireSpec(ctx context.Context, trig *v1.Trigger) (v1.TaskSpec, error) {
	triggerID := trig.ID

	if trig.TargetTaskID != nil && *trig.TargetTaskID != "" {
		original, err := e.store.GetTask(ctx, *trig.TargetTaskID)
		if err != nil {
			return v1.TaskSpec{}, err
		}
		return v1.TaskSpec{
			SessionID:   original.SessionID,
			Prompt:      original.Prompt,
			Mode:        original.Mode,
			Model:       original.Model,
			Priority:    original.Priority,
			MaxAttempts: original.MaxAttempts,
			RetryDelay:  original.RetryDelay,
			Timeout:     original.Timeout,
			TriggeredBy: &triggerID,
			Metadata:    original.Metadata,
			Tags:        original.Tags,
		}, nil
	}

	if trig.TaskTemplate != nil {
		spec := *trig.TaskTemplate
		spec.SessionID = trig.SessionID
		if spec.Priority == "" {
			spec.Priority = v1.PriorityNormal
		}
		spec.TriggeredBy = &triggerID
		return spec, nil
	}

	return v1.TaskSpec{}, apperr.InvalidInput("trigger %s has neither targetTaskId nor taskTemplate", trig.ID)
}

func (e *Engine) emit(ctx context.Context, trig *v1.Trigger, task *v1.Task) {
	if e.bus == nil {
		return
	}
	evt := bus.NewEvent(events.TriggerFired, "triggerengine", map[string]any{
		"triggerId": trig.ID,
		"taskId":    task.ID,
		"sessionId": trig.SessionID,
	})
	if err := e.bus.Publish(ctx, events.BuildTaskSubject(task.ID), evt); err != nil {
		e.logger.Warn("failed to publish trigger fired event", zap.String("trigger_id", trig.ID), zap.Error(err))
	}
}
