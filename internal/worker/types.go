package worker

import (
	"context"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// Handler runs one job to completion on a worker goroutine.
type Handler interface {
	// Handle processes the job. It owns the job until it returns.
	Handle(ctx context.Context, job *types.ImageJob)
	// Fault is called instead of a normal return when Handle panicked.
	// err wraps types.ErrWorkerFault.
	Fault(job *types.ImageJob, err error)
}

// Sink receives every job a worker finished, in completion order.
type Sink interface {
	Push(job *types.ImageJob) error
}

// Stats is a snapshot of the pool's load.
type Stats struct {
	Size    int // number of workers
	Active  int // workers currently running a job
	Idle    int // Size - Active
	Pending int // jobs waiting for a worker
}
