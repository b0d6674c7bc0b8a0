package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/store"
	"github.com/kandev/taskforge/internal/workerpool"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func newTestMonitor(t *testing.T) (*Monitor, *store.Store, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	st, err := store.Open(filepath.Join(tmpDir, "test.db"), logger.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	pool := workerpool.New(2, logger.Default())
	pool.Start()

	cfg := config.HealthConfig{SampleIntervalMs: 20, StallTimeoutMs: 60000}
	mon := New(st, pool, nil, cfg, logger.Default())

	cleanup := func() {
		_ = mon.Stop()
		pool.Stop(time.Second)
		_ = st.Close()
	}
	return mon, st, cleanup
}

func TestSampleOnceReportsHealthy(t *testing.T) {
	mon, _, cleanup := newTestMonitor(t)
	defer cleanup()

	mon.sampleOnce(context.Background())
	snap := mon.Latest()
	if snap == nil {
		t.Fatal("expected a snapshot after sampleOnce")
	}
	if !snap.StoreConnected {
		t.Error("expected store connected")
	}
	if snap.Status != v1.HealthHealthy {
		t.Errorf("expected healthy status on an idle queue, got %s", snap.Status)
	}
	if snap.Score != 100 {
		t.Errorf("expected score 100 on an idle queue, got %d", snap.Score)
	}
}

func TestDeriveStatusDegradesOnOldPending(t *testing.T) {
	snap := &v1.HealthSnapshot{StoreConnected: true, OldestPendingMs: 40000}
	if status := deriveStatus(snap); status != v1.HealthDegraded {
		t.Errorf("expected degraded status for old pending task, got %s", status)
	}
}

func TestDeriveStatusUnhealthyOnStoreDisconnected(t *testing.T) {
	snap := &v1.HealthSnapshot{StoreConnected: false}
	if status := deriveStatus(snap); status != v1.HealthUnhealthy {
		t.Errorf("expected unhealthy when store disconnected, got %s", status)
	}
}

func TestDeriveScoreDeductions(t *testing.T) {
	snap := &v1.HealthSnapshot{
		StoreConnected:  true,
		StoreLatencyMs:  600,
		OldestPendingMs: 70000,
		StalledWorkers:  2,
		HeapUsedBytes:   95,
		HeapTotalBytes:  100,
	}
	// memory 40, stalled 20, oldestPending 20, latency 15 => 100-95=5
	if got := deriveScore(snap); got != 5 {
		t.Errorf("expected score 5, got %d", got)
	}
}

func TestDeriveScoreFloorsAtZero(t *testing.T) {
	snap := &v1.HealthSnapshot{
		StoreConnected:  true,
		StoreLatencyMs:  600,
		OldestPendingMs: 70000,
		StalledWorkers:  20,
		HeapUsedBytes:   95,
		HeapTotalBytes:  100,
	}
	if got := deriveScore(snap); got != 0 {
		t.Errorf("expected score floored at 0, got %d", got)
	}
}

func TestStartStopIdempotency(t *testing.T) {
	mon, _, cleanup := newTestMonitor(t)
	defer cleanup()

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := mon.Start(context.Background()); err == nil {
		t.Error("expected second start to fail")
	}
	if err := mon.Stop(); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if err := mon.Stop(); err == nil {
		t.Error("expected second stop to fail")
	}
}
