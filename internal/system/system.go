// Package system composes the Task Queue, Trigger Engine, and Health
// Monitor into one lifecycle, the way the orchestrator service coordinates
// its own subsystems: start in dependency order, stop in reverse.
package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/appctx"
	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/health"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/taskqueue"
	"github.com/kandev/taskforge/internal/trigger"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("system is already running")
	ErrNotRunning     = errors.New("system is not running")
)

// backgroundLifetime bounds the detached context every subsystem's
// background loop runs under, in case Stop is never reached. Ordinary
// shutdown happens well before this via stopCh.
const backgroundLifetime = 24 * time.Hour

// System wires the Task Queue, Trigger Engine, and Health Monitor into a
// single start/stop/reset surface for the HTTP lifecycle endpoints. Start
// is commonly called from an HTTP handler, whose request context is
// cancelled the moment the response is written — so the subsystems' loops
// run under a context detached from the caller, not the request itself.
type System struct {
	store   *store.Store
	queue   *taskqueue.TaskQueue
	engine  *trigger.Engine
	monitor *health.Monitor
	cfg     config.StoreConfig
	logger  *logger.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	sweepWg   sync.WaitGroup
}

// New wires a System over its already-constructed subsystems. cfg supplies
// the retention sweeper's interval and retention window.
func New(st *store.Store, tq *taskqueue.TaskQueue, eng *trigger.Engine, mon *health.Monitor, cfg config.StoreConfig, log *logger.Logger) *System {
	return &System{
		store:   st,
		queue:   tq,
		engine:  eng,
		monitor: mon,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "system")),
	}
}

// IsRunning reports whether Start has succeeded and Stop has not yet run.
func (s *System) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartedAt returns the time Start last succeeded.
func (s *System) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Start brings up the Task Queue, then the Trigger Engine, then the Health
// Monitor, tearing back down anything already started if a later stage fails.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.startedAt = time.Now().UTC()
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	bgCtx, _ := appctx.Detached(ctx, stopCh, backgroundLifetime)

	s.logger.Info("starting system")

	if err := s.queue.Start(bgCtx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	if err := s.engine.Start(bgCtx); err != nil {
		if stopErr := s.queue.Stop(); stopErr != nil {
			s.logger.Warn("failed to stop task queue after trigger engine start failure", zap.Error(stopErr))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	if err := s.monitor.Start(bgCtx); err != nil {
		if stopErr := s.engine.Stop(); stopErr != nil {
			s.logger.Warn("failed to stop trigger engine after health monitor start failure", zap.Error(stopErr))
		}
		if stopErr := s.queue.Stop(); stopErr != nil {
			s.logger.Warn("failed to stop task queue after health monitor start failure", zap.Error(stopErr))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.sweepWg.Add(1)
	go s.sweepLoop(bgCtx, stopCh)

	s.logger.Info("system started")
	return nil
}

// sweepLoop periodically deletes terminal tasks past the retention window.
func (s *System) sweepLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.sweepWg.Done()

	if s.cfg.CleanupIntervalMs <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			n, err := s.store.CleanupOld(ctx, s.cfg.RetentionDays)
			if err != nil {
				s.logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("retention sweep removed old tasks", zap.Int64("count", n))
			}
		}
	}
}

// Stop tears down the Health Monitor, Trigger Engine, and Task Queue in
// reverse start order. Any task still running at this point is picked up
// by the crash recovery rule the next time Reset runs (cmd/taskforge calls
// Reset before Start at process startup); Start itself does not reset tasks.
func (s *System) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("stopping system")

	close(stopCh)
	s.sweepWg.Wait()

	var errs []error
	if err := s.monitor.Stop(); err != nil {
		s.logger.Error("failed to stop health monitor", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.engine.Stop(); err != nil {
		s.logger.Error("failed to stop trigger engine", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.queue.Stop(); err != nil {
		s.logger.Error("failed to stop task queue", zap.Error(err))
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	s.logger.Info("system stopped")
	return nil
}

// Reset applies the crash recovery rule: every task still marked running is
// returned to pending with attempts unchanged, so the next dispatch cycle
// picks it back up.
func (s *System) Reset(ctx context.Context) (int64, error) {
	count, err := s.store.ResetStaleRunning(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("reset stale running tasks", zap.Int64("count", count))
	return count, nil
}
