// Package main is the entry point for the TaskForge service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/aiexecutor"
	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/events"
	"github.com/kandev/taskforge/internal/health"
	"github.com/kandev/taskforge/internal/httpapi"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/system"
	"github.com/kandev/taskforge/internal/taskqueue"
	"github.com/kandev/taskforge/internal/trigger"
	"github.com/kandev/taskforge/internal/workerpool"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting TaskForge service")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the persistent store
	st, err := store.Open(cfg.Store.DBFullPath(), log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("opened store", zap.String("path", cfg.Store.DBFullPath()))

	// 5. Connect the event bus (NATS if configured, in-memory otherwise)
	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer closeBus()
	if providedBus.NATS != nil {
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	}

	// 6. Initialize components, leaves first
	pool := workerpool.New(cfg.Queue.MaxConcurrent, log)
	pool.Start()
	defer pool.Stop(shutdownTimeout)

	tq := taskqueue.New(st, pool, providedBus.Bus, cfg.Queue, log)

	modelClient := aiexecutor.NewEchoModelClient(log)
	executor := aiexecutor.New(modelClient, log)
	tq.SetExecutor(executor.AsTaskQueueExecutor())

	engine := trigger.New(st, tq, providedBus.Bus, cfg.Trigger, log)
	monitor := health.New(st, pool, executor, cfg.Health, log)

	sys := system.New(st, tq, engine, monitor, cfg.Store, log)

	// 7. Recover tasks left running by a prior crash, then start the system
	recovered, err := sys.Reset(ctx)
	if err != nil {
		log.Fatal("failed to recover stale tasks", zap.Error(err))
	}
	if recovered > 0 {
		log.Info("recovered stale running tasks", zap.Int64("count", recovered))
	}

	if err := sys.Start(ctx); err != nil {
		log.Fatal("failed to start system", zap.Error(err))
	}
	log.Info("system started")

	// 8. Set up the HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(tq, engine, monitor, sys, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down TaskForge service")

	// 10. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := sys.Stop(); err != nil {
		log.Error("system stop error", zap.Error(err))
	}

	log.Info("TaskForge service stopped")
}
