// ============================================================================
// pixelsqueeze Worker - job execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one goroutine that takes jobs off the pool's pending queue and
//           runs them through the handler
//
// Loop:
//   ┌──────────────────────────────────────────┐
//   │  Worker goroutine                        │
//   │  ┌────────────────────────────────────┐  │
//   │  │ next()    wait on work cond        │  │
//   │  │ execute() handler, panic recovered │  │
//   │  │ finish()  push to sink, active--   │  │
//   │  └────────────────────────────────────┘  │
//   └──────────────────────────────────────────┘
//
// Ordering:
//   The finished job is pushed to the sink before the active counter is
//   decremented. When WaitIdle returns, every job is therefore already
//   visible to the collector.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// Worker is one execution unit of a Pool.
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run serves jobs until the pool stops.
func (w *Worker) Run() {
	for {
		job, ok := w.next()
		if !ok {
			return
		}
		w.execute(job)
		w.finish(job)
	}
}

// next blocks until a job is pending or the pool stops. The job is counted
// as active before the lock is released.
func (w *Worker) next() (*types.ImageJob, bool) {
	p := w.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) == 0 && !p.stopped {
		p.work.Wait()
	}
	if p.stopped {
		return nil, false
	}
	job := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	p.active++
	p.observeLocked()
	return job, true
}

func (w *Worker) execute(job *types.ImageJob) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: worker %d: %v", types.ErrWorkerFault, w.id, r)
			w.pool.logger.Error("job panicked",
				"worker", w.id, "job", job.ID, "path", job.Path, "panic", r,
				"stack", string(debug.Stack()))
			w.pool.handler.Fault(job, err)
		}
	}()

	w.pool.logger.Debug("job started", "worker", w.id, "job", job.ID, "path", job.Path)
	w.pool.handler.Handle(context.Background(), job)
	w.pool.logger.Debug("job finished", "worker", w.id, "job", job.ID,
		"state", job.State, "duration", time.Since(start))
}

func (w *Worker) finish(job *types.ImageJob) {
	p := w.pool
	if err := p.sink.Push(job); err != nil {
		p.logger.Error("completion dropped", "job", job.ID, "path", job.Path, "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.observeLocked()
	if p.active == 0 && len(p.pending) == 0 {
		p.idle.Broadcast()
	}
}
