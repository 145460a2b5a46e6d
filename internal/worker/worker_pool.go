// ============================================================================
// pixelsqueeze Worker Pool - concurrent compression executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: fixed set of worker goroutines fed from one FIFO pending queue
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> pending (FIFO, unbounded)
//   └─────────────┘                  │
//                                    │ work cond
//   ┌─────────────┐                  ▼
//   │   Pool      │   ┌────────┐ ┌────────┐ ┌────────┐
//   │             │   │Worker 1│ │Worker 2│ │Worker N│ ──► Sink (completions)
//   └─────────────┘   └────────┘ └────────┘ └────────┘
//         │
//    WaitIdle() ◄── idle cond (pending empty and active == 0)
//
// Lifecycle:
//   1. NewPool() - size, handler, completion sink
//   2. Start()   - launch the workers
//   3. Submit()  - append to pending, wake one worker
//   4. WaitIdle()- block until quiescent (batch termination)
//   5. Stop()    - stop dispatch, let in-flight jobs finish, return the
//                  jobs still pending
//
// Concurrency:
//   - mu guards pending, active, started and stopped
//   - work: signalled on Submit, broadcast on Stop
//   - idle: broadcast when the last active worker finishes with nothing
//     pending, and on Stop
//   - a job is taken off pending by exactly one worker
//
// Errors:
//   - ErrPoolNotStarted: Submit before Start
//   - ErrPoolClosed: Submit or Start after Stop
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned once the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// LoadObserver is told the pending and active counts whenever they change.
// It is called with the pool lock held and must not call back into the pool.
type LoadObserver interface {
	ObserveLoad(pending, active int)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithLoadObserver registers an observer for queue depth and active workers.
func WithLoadObserver(o LoadObserver) Option {
	return func(p *Pool) { p.observer = o }
}

// ============================================================================
// Pool
// ============================================================================

// Pool runs jobs on a fixed number of workers.
type Pool struct {
	size     int
	handler  Handler
	sink     Sink
	logger   *slog.Logger
	observer LoadObserver

	mu      sync.Mutex
	work    *sync.Cond
	idle    *sync.Cond
	pending []*types.ImageJob
	active  int
	workers []*Worker
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of size workers. size <= 0 means runtime.NumCPU().
func NewPool(size int, handler Handler, sink Sink, opts ...Option) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		size:    size,
		handler: handler,
		sink:    sink,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.work = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	for i := 0; i < p.size; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	p.started = true
	p.logger.Debug("worker pool started", "workers", p.size)
	return nil
}

// Submit appends job to the pending queue. It never blocks on worker
// availability.
func (p *Pool) Submit(job *types.ImageJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}
	p.pending = append(p.pending, job)
	p.observeLocked()
	p.work.Signal()
	return nil
}

// WaitIdle blocks until the pending queue is empty and no worker is active,
// or the pool has been stopped.
func (p *Pool) WaitIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for (len(p.pending) > 0 || p.active > 0) && !p.stopped {
		p.idle.Wait()
	}
	for p.stopped && p.active > 0 {
		p.idle.Wait()
	}
}

// Stop stops dispatching, waits for in-flight jobs and returns the jobs that
// were still pending. Those jobs were never started. Stop is idempotent.
func (p *Pool) Stop() []*types.ImageJob {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	abandoned := p.pending
	p.pending = nil
	p.observeLocked()
	p.work.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.idle.Broadcast()
	p.mu.Unlock()

	if len(abandoned) > 0 {
		p.logger.Info("worker pool stopped", "abandoned", len(abandoned))
	}
	return abandoned
}

// Stats returns the current load.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.size,
		Active:  p.active,
		Idle:    p.size - p.active,
		Pending: len(p.pending),
	}
}

// ActiveCount returns the number of workers running a job.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called successfully.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Pool) observeLocked() {
	if p.observer != nil {
		p.observer.ObserveLoad(len(p.pending), p.active)
	}
}
