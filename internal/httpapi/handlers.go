package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/apperr"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/health"
	"github.com/kandev/taskforge/internal/system"
	"github.com/kandev/taskforge/internal/taskqueue"
	"github.com/kandev/taskforge/internal/trigger"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// Handler holds the components the REST surface delegates to.
type Handler struct {
	queue   *taskqueue.TaskQueue
	engine  *trigger.Engine
	monitor *health.Monitor
	system  *system.System
	logger  *logger.Logger
}

// NewHandler wires a Handler over the already-built subsystems.
func NewHandler(tq *taskqueue.TaskQueue, eng *trigger.Engine, mon *health.Monitor, sys *system.System, log *logger.Logger) *Handler {
	return &Handler{
		queue:   tq,
		engine:  eng,
		monitor: mon,
		system:  sys,
		logger:  log.WithFields(zap.String("component", "httpapi")),
	}
}

// SubmitTask handles POST /tasks.
func (h *Handler) SubmitTask(c *gin.Context) {
	var spec v1.TaskSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err.Error())
		return
	}
	task, err := h.queue.Submit(c.Request.Context(), spec)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, envelope{"data": task})
}

// SubmitBatch handles POST /tasks/batch.
func (h *Handler) SubmitBatch(c *gin.Context) {
	var batch v1.BatchTaskSpec
	if err := c.ShouldBindJSON(&batch); err != nil {
		badRequest(c, err.Error())
		return
	}
	tasks, err := h.queue.SubmitBatch(c.Request.Context(), batch.Tasks)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, envelope{"tasks": tasks})
}

// ListTasks handles GET /tasks?sessionId=&status=.
func (h *Handler) ListTasks(c *gin.Context) {
	sessionID := c.Query("sessionId")
	status := v1.TaskStatus(c.Query("status"))
	tasks, err := h.queue.GetSessionTasks(c.Request.Context(), sessionID, status)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"tasks": tasks})
}

// GetTask handles GET /tasks/{id}.
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.queue.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"data": task})
}

// GetTaskHistory handles GET /tasks/{id}/history.
func (h *Handler) GetTaskHistory(c *gin.Context) {
	history, err := h.queue.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"history": history})
}

// CancelTask handles PUT /tasks/{id}/cancel.
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.queue.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"message": "task cancelled"})
}

// PauseTask handles PUT /tasks/{id}/pause.
func (h *Handler) PauseTask(c *gin.Context) {
	if err := h.queue.Pause(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"message": "task paused"})
}

// ResumeTask handles PUT /tasks/{id}/resume.
func (h *Handler) ResumeTask(c *gin.Context) {
	if err := h.queue.Resume(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"message": "task resumed"})
}

// ReprioritizeTask handles PUT /tasks/reprioritize.
func (h *Handler) ReprioritizeTask(c *gin.Context) {
	var req v1.ReprioritizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.queue.Reprioritize(c.Request.Context(), req.ID, req.Priority); err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"message": "task reprioritized"})
}

// CreateTrigger handles POST /triggers.
func (h *Handler) CreateTrigger(c *gin.Context) {
	var req createTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	trig := &v1.Trigger{
		SessionID:     req.SessionID,
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		TargetTaskID:  req.TargetTaskID,
		TaskTemplate:  req.TaskTemplate,
		ConditionType: req.ConditionType,
		ConditionData: req.ConditionData,
		Schedule:      req.Schedule,
		WebhookSecret: req.WebhookSecret,
		IsActive:      isActive,
		Metadata:      req.Metadata,
	}

	saved, err := h.engine.CreateTrigger(c.Request.Context(), trig)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, envelope{"data": saved})
}

// ListTriggers handles GET /triggers?sessionId=.
func (h *Handler) ListTriggers(c *gin.Context) {
	triggers, err := h.engine.ListTriggers(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"triggers": triggers})
}

// FireTrigger handles POST /triggers/{id}/fire.
func (h *Handler) FireTrigger(c *gin.Context) {
	var req fireWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = fireWebhookRequest{}
	}
	task, err := h.engine.Fire(c.Request.Context(), c.Param("id"), req.Secret)
	if err != nil {
		fail(c, err)
		return
	}
	accepted(c, envelope{"data": task})
}

// GetStats handles GET /stats?sessionId=.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.queue.GetStats(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"data": stats})
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(c *gin.Context) {
	snap := h.monitor.Latest()
	if snap == nil {
		ok(c, envelope{"data": gin.H{"status": v1.HealthDegraded}, "message": "no sample recorded yet"})
		return
	}
	ok(c, envelope{"data": snap})
}

// Start handles POST /start.
func (h *Handler) Start(c *gin.Context) {
	if err := h.system.Start(c.Request.Context()); err != nil {
		if err == system.ErrAlreadyRunning {
			badRequest(c, err.Error())
			return
		}
		fail(c, apperr.Fatalf(err, "failed to start system"))
		return
	}
	ok(c, envelope{"message": "system started"})
}

// Stop handles POST /stop.
func (h *Handler) Stop(c *gin.Context) {
	if err := h.system.Stop(); err != nil {
		if err == system.ErrNotRunning {
			badRequest(c, err.Error())
			return
		}
		fail(c, apperr.Fatalf(err, "failed to stop system"))
		return
	}
	ok(c, envelope{"message": "system stopped"})
}

// Reset handles POST /reset: recovers tasks stuck running from a crash.
func (h *Handler) Reset(c *gin.Context) {
	count, err := h.system.Reset(c.Request.Context())
	if err != nil {
		fail(c, apperr.StoreErrorf(err, "failed to reset system"))
		return
	}
	ok(c, envelope{"message": "system reset", "recovered": count})
}
