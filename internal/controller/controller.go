// ============================================================================
// pixelsqueeze Controller - pipeline coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: wires every component together and owns the submission path
//
// Components:
//   - JobManager:  job registry, the only writer of job state
//   - Normalizer:  sniff / rename / convert, runs on the submitting goroutine
//   - Pool:        fixed worker pool, FIFO pending queue
//   - Compressor:  job body (backup -> chain -> reconcile)
//   - completions: FIFO between workers and the collector
//   - Collector:   single consumer, fans events out to the sinks
//   - Metrics:     Prometheus collector on an injected registry
//
// Submission (per path, after directory expansion):
//
//   known + compressed + reported ─► Resubmit ─► Queued (recompression)
//   known + in progress            ─► ignored
//   unknown or failed              ─► Register ─► Validating ─► Normalize
//                                        │                         │
//                                        │             ok ─► Track ─► Queued ─► pool
//                                        └──── error ─► Reject ─► completions
//
// Termination:
//   Drain() - batch: pool idle, close completions, wait for the collector
//   Stop()  - interrupt: stop the pool, fail the abandoned jobs, close
//             completions, wait for the collector
//
// A settled job is released (made resubmittable) only after the collector
// has handed it to every sink, so a resubmission never races the reporter.
//
// ============================================================================

package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ChuLiYu/pixelsqueeze/internal/collector"
	"github.com/ChuLiYu/pixelsqueeze/internal/compress"
	"github.com/ChuLiYu/pixelsqueeze/internal/config"
	"github.com/ChuLiYu/pixelsqueeze/internal/discover"
	"github.com/ChuLiYu/pixelsqueeze/internal/executor"
	"github.com/ChuLiYu/pixelsqueeze/internal/jobmanager"
	"github.com/ChuLiYu/pixelsqueeze/internal/metrics"
	"github.com/ChuLiYu/pixelsqueeze/internal/normalize"
	"github.com/ChuLiYu/pixelsqueeze/internal/plan"
	"github.com/ChuLiYu/pixelsqueeze/internal/queue"
	"github.com/ChuLiYu/pixelsqueeze/internal/reconcile"
	"github.com/ChuLiYu/pixelsqueeze/internal/worker"
	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// RecompressCommand is the interactive input line that resubmits every known path.
const RecompressCommand = "recompress"

var (
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("controller not started")
	// ErrStopped is returned once Drain or Stop has run.
	ErrStopped = errors.New("controller stopped")
)

// errAbandoned marks jobs that were still pending when the pool stopped.
var errAbandoned = fmt.Errorf("%w: abandoned at shutdown", types.ErrWorkerFault)

// ============================================================================
// Types
// ============================================================================

// Deps are the collaborators injected from outside the pipeline.
type Deps struct {
	// Registerer receives the pipeline metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Sinks receive one event per settled or rejected job, after metrics.
	Sinks []collector.Sink
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Jobs     map[string]int // registry counts, see jobmanager.Stats
	Pool     worker.Stats
	Reported int
}

// Controller coordinates one pixelsqueeze run.
type Controller struct {
	cfg        *config.Config
	logger     *slog.Logger
	jobs       *jobmanager.JobManager
	normalizer *normalize.Normalizer
	metrics    *metrics.Collector
	pool       *worker.Pool
	queue      *queue.FIFO[*types.ImageJob]
	collector  *collector.Collector

	submitMu sync.Mutex // serializes Submit so registration order is submission order

	mu       sync.Mutex
	started  bool
	finished bool
	endOnce  sync.Once
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

// New builds the pipeline from cfg. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Controller, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rec, err := reconcile.New(cfg.ResolvedBackupDir(), reconcile.Baseline(cfg.Artifact.Baseline))
	if err != nil {
		return nil, err
	}

	m := metrics.NewCollector(deps.Registerer)
	jobs := jobmanager.NewJobManager()
	table := plan.NewTable(cfg.Tools, plan.OptionsFrom(cfg))
	comp := compress.New(table, executor.New(cfg.StepTimeout, m), rec, jobs, logger)
	completions := queue.NewFIFO[*types.ImageJob]()

	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		jobs:       jobs,
		normalizer: normalize.New(cfg.Conversion.JPEGQuality),
		metrics:    m,
		queue:      completions,
	}
	c.pool = worker.NewPool(cfg.PoolSize(), comp, completions,
		worker.WithLogger(logger),
		worker.WithLoadObserver(m),
	)
	sinks := append([]collector.Sink{m}, deps.Sinks...)
	c.collector = collector.New(completions, sinks,
		collector.WithLogger(logger),
		collector.WithReported(c.release),
	)
	return c, nil
}

// Start launches the workers and the collector.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	if err := c.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.collector.Start()
	c.started = true
	c.logger.Info("controller started",
		"workers", c.cfg.PoolSize(),
		"backups", c.cfg.ResolvedBackupDir(),
		"artifact", c.cfg.Artifact.Enabled)
	return nil
}

// Drain waits until every submitted job has been compressed and reported,
// then shuts the pipeline down. Used to end a batch.
func (c *Controller) Drain() {
	if !c.isStarted() {
		return
	}
	c.pool.WaitIdle()
	c.end(nil)
}

// Stop ends the run without waiting for pending jobs. Jobs already running
// finish; jobs still pending are failed and reported. Returns the number of
// abandoned jobs.
func (c *Controller) Stop() int {
	if !c.isStarted() {
		return 0
	}
	n := 0
	c.end(func() {
		abandoned := c.pool.Stop()
		for _, job := range abandoned {
			job.Fail(errAbandoned)
			if err := c.jobs.Transition(job.ID, types.StateFailed); err != nil {
				c.logger.Error("cannot fail abandoned job", "path", job.Path, "error", err)
				continue
			}
			c.push(job)
		}
		n = len(abandoned)
	})
	return n
}

// end runs shutdown once: optional pool teardown, close completions, wait
// for the collector to drain them.
func (c *Controller) end(stopPool func()) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()

		c.submitMu.Lock()
		defer c.submitMu.Unlock()
		if stopPool != nil {
			stopPool()
		} else {
			c.pool.WaitIdle()
			c.pool.Stop()
		}
		c.queue.Close()
		c.collector.Wait()
		c.logger.Debug("controller stopped", "reported", c.collector.Count())
	})
}

func (c *Controller) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Controller) accepting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.finished:
		return ErrStopped
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// ============================================================================
// Submission
// ============================================================================

// Submit expands paths and queues every candidate file. It returns the number
// of jobs queued; rejections are reported through the sinks. Walk errors are
// logged and do not stop the other paths.
func (c *Controller) Submit(paths []string) (int, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if err := c.accepting(); err != nil {
		return 0, err
	}

	files, err := discover.Expand(paths)
	if err != nil {
		c.logger.Warn("some paths could not be read", "error", err)
	}

	queued := 0
	for _, path := range files {
		if c.submitOne(path) {
			queued++
		}
	}
	c.logger.Debug("submission processed", "paths", len(paths), "files", len(files), "queued", queued)
	return queued, nil
}

// Recompress resubmits every path the registry knows. Jobs still in
// progress are skipped.
func (c *Controller) Recompress() (int, error) {
	return c.Submit(c.jobs.Paths())
}

func (c *Controller) submitOne(path string) bool {
	job, err := c.jobs.Resubmit(path)
	switch {
	case err == nil:
		c.metrics.RecordSubmitted()
		c.logger.Debug("queued for recompression", "path", job.Path)
		return c.dispatch(job)
	case errors.Is(err, jobmanager.ErrInProgress):
		c.logger.Debug("already in progress, ignored", "path", path)
		return false
	}

	job = types.NewImageJob(path)
	if err := c.jobs.Register(job); err != nil {
		c.logger.Debug("not registered", "path", path, "error", err)
		return false
	}
	c.metrics.RecordSubmitted()
	if err := c.jobs.Transition(job.ID, types.StateValidating); err != nil {
		c.logger.Error("cannot validate job", "path", path, "error", err)
		return false
	}

	if err := c.normalizer.Normalize(job); err != nil {
		c.reject(job, err)
		return false
	}
	if job.Path != path {
		if err := c.jobs.Track(job.ID, job.Path); err != nil {
			kind := types.ErrRenameFailed
			if job.SourcePath != "" {
				kind = types.ErrConversionFailed
			}
			c.reject(job, fmt.Errorf("%s: %w: target already queued", job.Path, kind))
			return false
		}
		c.logger.Debug("normalized", "from", path, "to", job.Path, "format", job.Format)
	}
	if err := c.jobs.Transition(job.ID, types.StateQueued); err != nil {
		c.logger.Error("cannot queue job", "path", job.Path, "error", err)
		return false
	}
	return c.dispatch(job)
}

func (c *Controller) dispatch(job *types.ImageJob) bool {
	if err := c.pool.Submit(job); err != nil {
		job.Fail(fmt.Errorf("%w: %v", types.ErrWorkerFault, err))
		if terr := c.jobs.Transition(job.ID, types.StateFailed); terr != nil {
			c.logger.Error("cannot fail undispatched job", "path", job.Path, "error", terr)
		}
		c.logger.Error("job not dispatched", "path", job.Path, "error", err)
		return false
	}
	return true
}

func (c *Controller) reject(job *types.ImageJob, cause error) {
	if err := c.jobs.Reject(job.ID, cause); err != nil {
		c.logger.Error("cannot reject job", "path", job.Path, "error", err)
		return
	}
	c.logger.Info("rejected", "path", job.Path, "reason", job.FailureReason, "error", cause)
	c.push(job)
}

func (c *Controller) push(job *types.ImageJob) {
	if err := c.queue.Push(job); err != nil {
		c.logger.Error("completion dropped", "path", job.Path, "error", err)
	}
}

// release is the collector's reported hook.
func (c *Controller) release(id types.JobID) {
	if err := c.jobs.Release(id); err != nil && !errors.Is(err, jobmanager.ErrJobNotFound) {
		c.logger.Error("cannot release job", "job", id, "error", err)
	}
}

// ============================================================================
// Interactive mode
// ============================================================================

// Serve reads one path per line from r until EOF or ctx is done. Blank lines
// are ignored; the line RecompressCommand resubmits every known path.
// Serve does not end the run; call Drain or Stop afterwards.
func (c *Controller) Serve(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var err error
			if line == RecompressCommand {
				_, err = c.Recompress()
			} else {
				_, err = c.Submit([]string{line})
			}
			if err != nil {
				return err
			}
		}
	}
}

// ============================================================================
// Introspection
// ============================================================================

// Stats returns registry counts, pool load and the number of reported jobs.
func (c *Controller) Stats() Stats {
	return Stats{
		Jobs:     c.jobs.Stats(),
		Pool:     c.pool.Stats(),
		Reported: c.collector.Count(),
	}
}
