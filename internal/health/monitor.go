// Package health samples Store, Queue, Worker Pool, and process memory
// state on a timer and derives a status tag and score for the HTTP surface.
package health

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/workerpool"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const (
	degradedOldestPendingMs = 30000
	scoreOldestPendingMs    = 60000
	scoreStoreLatencyMs     = 500
)

// ErrAlreadyRunning / ErrNotRunning guard Start/Stop idempotency.
var (
	ErrAlreadyRunning = errors.New("health monitor is already running")
	ErrNotRunning     = errors.New("health monitor is not running")
)

// UsageSource reports running totals of AI Executor calls, consulted for
// the sample's executions/tokensUsed fields.
type UsageSource interface {
	Usage() (executions int64, tokensUsed int64)
}

// Monitor is the Health Monitor. It owns no persistent state beyond the
// latest sample, which callers read via Latest.
type Monitor struct {
	store *store.Store
	pool  *workerpool.Pool
	usage UsageSource
	cfg   config.HealthConfig
	logger *logger.Logger

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	latestMu sync.RWMutex
	latest   *v1.HealthSnapshot
}

// New wires a Health Monitor. usage may be nil if no AI Executor is wired.
func New(st *store.Store, pool *workerpool.Pool, usage UsageSource, cfg config.HealthConfig, log *logger.Logger) *Monitor {
	return &Monitor{
		store:  st,
		pool:   pool,
		usage:  usage,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "healthmonitor")),
	}
}

// Start launches the sample loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	if m.started {
		m.lifecycleMu.Unlock()
		return ErrAlreadyRunning
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.lifecycleMu.Unlock()

	m.wg.Add(1)
	go m.sampleLoop(ctx)
	m.logger.Info("health monitor started")
	return nil
}

// Stop halts the sample loop.
func (m *Monitor) Stop() error {
	m.lifecycleMu.Lock()
	if !m.started {
		m.lifecycleMu.Unlock()
		return ErrNotRunning
	}
	m.started = false
	close(m.stopCh)
	m.lifecycleMu.Unlock()

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
	return nil
}

// Latest returns the most recent sample, or nil if none has run yet.
func (m *Monitor) Latest() *v1.HealthSnapshot {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latest
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval())
	defer ticker.Stop()

	m.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

// sampleOnce takes one sample, recovering any stalled worker slots along
// the way, and stores it as the latest snapshot.
func (m *Monitor) sampleOnce(ctx context.Context) {
	snap := &v1.HealthSnapshot{Timestamp: time.Now().UTC()}

	storeStart := time.Now()
	if err := m.store.Ping(ctx); err != nil {
		snap.StoreConnected = false
		m.logger.Warn("store ping failed", zap.Error(err))
	} else {
		snap.StoreConnected = true
		snap.StoreLatencyMs = time.Since(storeStart).Milliseconds()
	}

	var stats *v1.QueueStats
	if s, err := m.store.GetQueueStats(ctx, ""); err == nil {
		stats = s
		snap.PendingTasks = stats.CountByStatus[string(v1.TaskStatusPending)]
	}
	if oldest, err := m.store.OldestPendingCreatedAt(ctx); err == nil && oldest != nil {
		snap.OldestPendingMs = time.Since(*oldest).Milliseconds()
	}

	recovered := m.pool.RecoverStalled(int64(m.cfg.StallTimeoutMs))
	poolStats := m.pool.Stats()
	snap.ActiveWorkers = poolStats.Running
	snap.IdleWorkers = poolStats.Idle
	snap.StalledWorkers = recovered

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.HeapUsedBytes = mem.HeapAlloc
	snap.HeapTotalBytes = mem.HeapSys

	if m.usage != nil {
		snap.Executions, snap.TokensUsed = m.usage.Usage()
	}

	snap.Status = deriveStatus(snap)
	snap.Score = deriveScore(snap)

	m.latestMu.Lock()
	m.latest = snap
	m.latestMu.Unlock()

	m.persistMetrics(ctx, snap, stats)
}

// persistMetrics writes the sample into the metrics table, where
// Store.LatestMetricsSnapshot can read it back. GET /stats does not read this
// table; it serves the live queue counts only.
func (m *Monitor) persistMetrics(ctx context.Context, snap *v1.HealthSnapshot, stats *v1.QueueStats) {
	if stats == nil {
		return
	}

	completed := stats.CountByStatus[string(v1.TaskStatusCompleted)]
	failed := stats.CountByStatus[string(v1.TaskStatusFailed)]
	running := stats.CountByStatus[string(v1.TaskStatusRunning)]

	var successRate float64
	if terminal := completed + failed; terminal > 0 {
		successRate = float64(completed) / float64(terminal)
	}

	row := &v1.MetricsSnapshot{
		Timestamp:      snap.Timestamp,
		TotalTasks:     stats.TotalTasks,
		PendingTasks:   snap.PendingTasks,
		RunningTasks:   running,
		CompletedTasks: completed,
		FailedTasks:    failed,
		SuccessRate:    successRate,
		ActiveWorkers:  snap.ActiveWorkers,
		QueueDepth:     snap.PendingTasks,
		MemoryUsed:     int64(snap.HeapUsedBytes),
		MemoryTotal:    int64(snap.HeapTotalBytes),
	}
	if err := m.store.RecordMetricsSnapshot(ctx, row); err != nil {
		m.logger.Warn("failed to persist metrics snapshot", zap.Error(err))
	}
}

func memoryFraction(snap *v1.HealthSnapshot) float64 {
	if snap.HeapTotalBytes == 0 {
		return 0
	}
	return float64(snap.HeapUsedBytes) / float64(snap.HeapTotalBytes)
}

func deriveStatus(snap *v1.HealthSnapshot) v1.HealthStatus {
	if !snap.StoreConnected || memoryFraction(snap) > 0.9 {
		return v1.HealthUnhealthy
	}
	if snap.OldestPendingMs > degradedOldestPendingMs || snap.StalledWorkers > 0 {
		return v1.HealthDegraded
	}
	return v1.HealthHealthy
}

func deriveScore(snap *v1.HealthSnapshot) int {
	score := 100

	frac := memoryFraction(snap)
	if frac > 0.9 {
		score -= 40
	} else if frac > 0.75 {
		score -= 20
	}

	score -= 10 * snap.StalledWorkers

	if snap.OldestPendingMs > scoreOldestPendingMs {
		score -= 20
	}
	if snap.StoreLatencyMs > scoreStoreLatencyMs {
		score -= 15
	}

	if score < 0 {
		return 0
	}
	return score
}
