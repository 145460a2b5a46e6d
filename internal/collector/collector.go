// Package collector is the single consumer of the completion queue. It turns
// each settled job into a types.Event and fans it out to the report sinks.
package collector

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/pixelsqueeze/internal/queue"
	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// Sink consumes completion events. Sinks are called from the collector
// goroutine only, one event at a time.
type Sink interface {
	Report(ev types.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev types.Event)

// Report calls f(ev).
func (f SinkFunc) Report(ev types.Event) { f(ev) }

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// WithReported registers a hook called after every sink saw the job.
// The controller uses it to make the job resubmittable.
func WithReported(fn func(id types.JobID)) Option {
	return func(c *Collector) { c.reported = fn }
}

// Collector drains a completion queue.
type Collector struct {
	queue    *queue.FIFO[*types.ImageJob]
	sinks    []Sink
	reported func(id types.JobID)
	logger   *slog.Logger

	startOnce sync.Once
	done      chan struct{}

	mu    sync.Mutex
	count int
}

// New creates a collector over q.
func New(q *queue.FIFO[*types.ImageJob], sinks []Sink, opts ...Option) *Collector {
	c := &Collector{
		queue:  q,
		sinks:  sinks,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the collector on its own goroutine. Calling it twice is a no-op.
func (c *Collector) Start() {
	c.startOnce.Do(func() {
		go c.Run()
	})
}

// Run consumes jobs until the queue is closed and empty.
func (c *Collector) Run() {
	defer close(c.done)
	for {
		job, ok := c.queue.Pop()
		if !ok {
			c.logger.Debug("completion queue drained", "reported", c.Count())
			return
		}
		c.deliver(job)
	}
}

// Wait blocks until Run has returned.
func (c *Collector) Wait() {
	<-c.done
}

// Count returns the number of jobs reported so far. A job is counted once
// every sink and the reported hook have returned.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Collector) deliver(job *types.ImageJob) {
	ev := types.EventFromJob(job)
	for _, s := range c.sinks {
		s.Report(ev)
	}
	if c.reported != nil {
		c.reported(job.ID)
	}

	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}
