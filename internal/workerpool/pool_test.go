package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kandev/taskforge/internal/common/logger"
)

func TestSubmitRunsJob(t *testing.T) {
	p := New(2, logger.Default())
	p.Start()
	defer p.Stop(time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	ran := false

	err := p.Submit(Job{TaskID: "t1", Run: func(ctx context.Context) error {
		ran = true
		wg.Done()
		return nil
	}})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}

	waitOrTimeout(t, &wg, time.Second)
	if !ran {
		t.Error("expected job to run")
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	p := New(2, logger.Default())
	p.Start()
	p.Stop(time.Second)

	if err := p.Submit(Job{TaskID: "t1", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	p := New(1, logger.Default())
	p.Start()
	defer p.Stop(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	_ = p.Submit(Job{TaskID: "t1", Run: func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}})
	_ = p.Submit(Job{TaskID: "t2", Run: func(ctx context.Context) error {
		started <- struct{}{}
		return nil
	}})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected first job to start")
	}

	select {
	case <-started:
		t.Fatal("second job should not start while the single slot is occupied")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected second job to start once the slot freed up")
	}
}

func TestStatsTracksOutcomes(t *testing.T) {
	p := New(2, logger.Default())
	p.Start()
	defer p.Stop(time.Second)

	var wg sync.WaitGroup
	wg.Add(2)

	_ = p.Submit(Job{TaskID: "ok", Run: func(ctx context.Context) error {
		defer wg.Done()
		return nil
	}})
	_ = p.Submit(Job{TaskID: "bad", Run: func(ctx context.Context) error {
		defer wg.Done()
		return errors.New("boom")
	}})

	waitOrTimeout(t, &wg, time.Second)
	time.Sleep(50 * time.Millisecond)

	stats := p.Stats()
	if stats.Processed != 1 {
		t.Errorf("expected 1 processed, got %d", stats.Processed)
	}
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", stats.Failed)
	}
	if stats.Efficiency != 0.5 {
		t.Errorf("expected efficiency 0.5, got %f", stats.Efficiency)
	}
}

func TestRecoverStalled(t *testing.T) {
	p := New(1, logger.Default())
	p.Start()
	defer p.Stop(time.Second)

	block := make(chan struct{})
	_ = p.Submit(Job{TaskID: "slow", Run: func(ctx context.Context) error {
		<-block
		return nil
	}})

	time.Sleep(50 * time.Millisecond)
	stats := p.Stats()
	if stats.Running != 1 {
		t.Fatalf("expected 1 running slot, got %d", stats.Running)
	}

	recovered := p.RecoverStalled(10)
	if recovered != 1 {
		t.Errorf("expected 1 recovered slot, got %d", recovered)
	}

	stats = p.Stats()
	if stats.Idle != 1 {
		t.Errorf("expected slot back to idle after recovery, got %+v", stats)
	}

	close(block)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for job completion")
	}
}
