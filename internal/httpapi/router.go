package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/taskforge/internal/common/httpmw"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/health"
	"github.com/kandev/taskforge/internal/system"
	"github.com/kandev/taskforge/internal/taskqueue"
	"github.com/kandev/taskforge/internal/trigger"
)

const serverName = "taskforge"

// NewRouter builds the gin engine with tracing, logging, recovery, and CORS
// applied, and registers every route under /api/v1.
func NewRouter(tq *taskqueue.TaskQueue, eng *trigger.Engine, mon *health.Monitor, sys *system.System, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.OtelTracing(serverName), RequestLogger(log), Recovery(log), CORS())

	handler := NewHandler(tq, eng, mon, sys, log)

	router.GET("/health", handler.GetHealth)

	v1 := router.Group("/api/v1")
	SetupRoutes(v1, handler)

	return router
}

// SetupRoutes registers the task, trigger, stats, and lifecycle endpoints
// under the given group.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	router.POST("/tasks", h.SubmitTask)
	router.POST("/tasks/batch", h.SubmitBatch)
	router.GET("/tasks", h.ListTasks)
	router.GET("/tasks/:id", h.GetTask)
	router.GET("/tasks/:id/history", h.GetTaskHistory)
	router.PUT("/tasks/:id/cancel", h.CancelTask)
	router.PUT("/tasks/:id/pause", h.PauseTask)
	router.PUT("/tasks/:id/resume", h.ResumeTask)
	router.PUT("/tasks/reprioritize", h.ReprioritizeTask)

	router.POST("/triggers", h.CreateTrigger)
	router.GET("/triggers", h.ListTriggers)
	router.POST("/triggers/:id/fire", h.FireTrigger)

	router.GET("/stats", h.GetStats)
	router.GET("/health", h.GetHealth)

	router.POST("/start", h.Start)
	router.POST("/stop", h.Stop)
	router.POST("/reset", h.Reset)
}
