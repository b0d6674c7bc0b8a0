// Package workerpool provides a bounded, fixed-size set of named execution
// slots. The Task Queue submits runnable jobs; the pool assigns each to the
// first idle slot and tracks its lifecycle, but knows nothing about retries,
// backoff, or persistence — that is the Task Queue's job.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
)

// SlotState is the lifecycle state of a single worker slot.
type SlotState string

const (
	SlotIdle    SlotState = "idle"
	SlotRunning SlotState = "running"
	SlotError   SlotState = "error"
)

// ErrStopped is returned by Submit once the pool has stopped accepting work.
var ErrStopped = errors.New("worker pool is stopped")

// Job is one unit of submitted work. Run is invoked on an idle slot with a
// context cancelled when the pool stops; the caller (Task Queue) is
// responsible for enforcing its own per-task timeout within Run.
type Job struct {
	TaskID string
	Run    func(ctx context.Context) error
}

type slot struct {
	mu         sync.Mutex
	id         int
	state      SlotState
	taskID     string
	startedAt  time.Time
	generation int
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Idle       int
	Running    int
	Error      int
	QueueLen   int
	Processed  int64
	Failed     int64
	Efficiency float64
}

// Pool is a bounded set of execution slots draining a FIFO of submitted jobs.
type Pool struct {
	size   int
	slots  []*slot
	logger *logger.Logger

	queueMu sync.Mutex
	queue   []Job

	wakeCh chan struct{}
	doneCh chan int
	stopCh chan struct{}
	wg     sync.WaitGroup

	runningMu sync.Mutex
	running   bool

	processed int64
	failed    int64
	statsMu   sync.Mutex
}

// New creates a pool with the given number of slots (defaults to 50 if size <= 0).
func New(size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 50
	}
	slots := make([]*slot, size)
	for i := range slots {
		slots[i] = &slot{id: i, state: SlotIdle}
	}
	return &Pool{
		size:   size,
		slots:  slots,
		logger: log.WithFields(zap.String("component", "workerpool")),
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan int, size),
	}
}

// Start launches the single dispatcher goroutine.
func (p *Pool) Start() {
	p.runningMu.Lock()
	if p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.runningMu.Unlock()

	p.wg.Add(1)
	go p.dispatchLoop()
	p.logger.Info("worker pool started", zap.Int("slots", p.size))
}

// Stop stops accepting new work and waits up to deadline for running slots to drain.
func (p *Pool) Stop(deadline time.Duration) {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		p.logger.Warn("worker pool stop deadline exceeded, slots still draining", zap.Duration("deadline", deadline))
	}
}

// Submit appends one job to the FIFO and wakes the dispatcher.
func (p *Pool) Submit(job Job) error {
	p.runningMu.Lock()
	running := p.running
	p.runningMu.Unlock()
	if !running {
		return ErrStopped
	}

	p.queueMu.Lock()
	p.queue = append(p.queue, job)
	p.queueMu.Unlock()

	p.wake()
	return nil
}

// SubmitMany appends every job under one lock acquisition.
func (p *Pool) SubmitMany(jobs []Job) error {
	p.runningMu.Lock()
	running := p.running
	p.runningMu.Unlock()
	if !running {
		return ErrStopped
	}

	p.queueMu.Lock()
	p.queue = append(p.queue, jobs...)
	p.queueMu.Unlock()

	p.wake()
	return nil
}

func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// recoverStalled forcibly returns any slot running longer than timeoutMs to
// idle. The job goroutine itself is not interrupted — its context is only
// cancelled on pool Stop — so a stalled run may still complete in the
// background after its slot has been reassigned; the generation counter
// keeps that late completion from clobbering the slot's new occupant.
func (p *Pool) recoverStalled(timeoutMs int64) int {
	cutoff := time.Now().Add(-time.Duration(timeoutMs) * time.Millisecond)
	count := 0
	for _, sl := range p.slots {
		sl.mu.Lock()
		if sl.state == SlotRunning && sl.startedAt.Before(cutoff) {
			sl.state = SlotIdle
			sl.taskID = ""
			sl.generation++
			count++
		}
		sl.mu.Unlock()
	}
	if count > 0 {
		p.logger.Warn("recovered stalled slots", zap.Int("count", count))
		p.wake()
	}
	return count
}

// RecoverStalled is the exported entry point the Health Monitor calls.
func (p *Pool) RecoverStalled(timeoutMs int64) int {
	return p.recoverStalled(timeoutMs)
}

// Stats returns a snapshot of slot occupancy and lifetime counters.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, sl := range p.slots {
		sl.mu.Lock()
		switch sl.state {
		case SlotIdle:
			s.Idle++
		case SlotRunning:
			s.Running++
		case SlotError:
			s.Error++
		}
		sl.mu.Unlock()
	}

	p.queueMu.Lock()
	s.QueueLen = len(p.queue)
	p.queueMu.Unlock()

	p.statsMu.Lock()
	s.Processed = p.processed
	s.Failed = p.failed
	p.statsMu.Unlock()

	if total := s.Processed + s.Failed; total > 0 {
		s.Efficiency = float64(s.Processed) / float64(total)
	}
	return s
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	for {
		p.assignAvailable()

		select {
		case <-p.stopCh:
			return
		case <-p.wakeCh:
		case <-p.doneCh:
		}
	}
}

// assignAvailable pairs queued jobs with idle slots until either runs dry.
func (p *Pool) assignAvailable() {
	for {
		sl := p.firstIdleSlot()
		if sl == nil {
			return
		}
		job, ok := p.popJob()
		if !ok {
			return
		}
		p.runOnSlot(sl, job)
	}
}

func (p *Pool) firstIdleSlot() *slot {
	for _, sl := range p.slots {
		sl.mu.Lock()
		if sl.state == SlotIdle {
			sl.mu.Unlock()
			return sl
		}
		sl.mu.Unlock()
	}
	return nil
}

func (p *Pool) popJob() (Job, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) == 0 {
		return Job{}, false
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	return job, true
}

func (p *Pool) runOnSlot(sl *slot, job Job) {
	sl.mu.Lock()
	sl.state = SlotRunning
	sl.taskID = job.TaskID
	sl.startedAt = time.Now()
	gen := sl.generation
	sl.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx := context.Background()
		p.runningMu.Lock()
		stopCh := p.stopCh
		p.runningMu.Unlock()
		if stopCh != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(ctx)
			go func() {
				select {
				case <-stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			defer cancel()
		}

		err := job.Run(ctx)

		sl.mu.Lock()
		stillOurs := sl.generation == gen
		if stillOurs {
			if err != nil {
				sl.state = SlotError
			} else {
				sl.state = SlotIdle
			}
			sl.taskID = ""
		}
		sl.mu.Unlock()

		p.statsMu.Lock()
		if err != nil {
			p.failed++
		} else {
			p.processed++
		}
		p.statsMu.Unlock()

		if stillOurs && err != nil {
			go func() {
				time.Sleep(time.Second)
				sl.mu.Lock()
				if sl.generation == gen && sl.state == SlotError {
					sl.state = SlotIdle
				}
				sl.mu.Unlock()
				select {
				case p.doneCh <- sl.id:
				default:
				}
			}()
		}

		select {
		case p.doneCh <- sl.id:
		default:
		}
	}()
}
