// Package compress is the body of a job on a worker: it backs the file up,
// runs the format's optimizer chain and reconciles the result.
package compress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/pixelsqueeze/internal/executor"
	"github.com/ChuLiYu/pixelsqueeze/internal/jobmanager"
	"github.com/ChuLiYu/pixelsqueeze/internal/plan"
	"github.com/ChuLiYu/pixelsqueeze/internal/reconcile"
	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// errInterrupted is what reconciliation sees when the chain never returned.
var errInterrupted = fmt.Errorf("%w: chain interrupted", types.ErrWorkerFault)

// Compressor runs one job at a time per calling goroutine. It is safe for
// concurrent use by every worker of a pool.
type Compressor struct {
	table  *plan.Table
	runner *executor.Runner
	rec    *reconcile.Reconciler
	jobs   *jobmanager.JobManager
	logger *slog.Logger
}

// New wires a compressor.
func New(table *plan.Table, runner *executor.Runner, rec *reconcile.Reconciler, jobs *jobmanager.JobManager, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{table: table, runner: runner, rec: rec, jobs: jobs, logger: logger}
}

// Handle implements worker.Handler.
func (c *Compressor) Handle(ctx context.Context, job *types.ImageJob) {
	_ = c.Compress(ctx, job)
}

// Fault implements worker.Handler. It settles a job whose handler panicked.
func (c *Compressor) Fault(job *types.ImageJob, err error) {
	job.Fail(err)
	if job.FinishedAt.IsZero() {
		job.FinishedAt = time.Now()
	}
	if state, ok := c.jobs.State(job.ID); ok && state != types.StateFailed {
		if terr := c.jobs.Transition(job.ID, types.StateFailed); terr != nil {
			c.logger.Error("cannot fail faulted job", "job", job.ID, "state", state, "error", terr)
		}
	}
}

// Compress moves a queued job to Compressed or Failed. The returned error is
// also recorded on the job.
func (c *Compressor) Compress(ctx context.Context, job *types.ImageJob) (err error) {
	job.StartedAt = time.Now()
	if err := c.jobs.Transition(job.ID, types.StateCompressing); err != nil {
		return c.fail(job, fmt.Errorf("%w: %v", types.ErrWorkerFault, err))
	}

	steps, ok := c.table.Steps(job.Format)
	if !ok {
		return c.fail(job, fmt.Errorf("%s: no chain for %q: %w", job.Path, job.Format, types.ErrUnsupportedFormat))
	}
	info, err := os.Stat(job.Path)
	if err != nil {
		return c.fail(job, fmt.Errorf("%s: %w", job.Path, types.ErrNotAccessible))
	}
	job.OriginalSize = info.Size()

	if err := c.rec.Backup(job); err != nil {
		return c.fail(job, fmt.Errorf("%w: %v", types.ErrWorkerFault, err))
	}

	steps = c.chain(job, steps)
	var res executor.Result
	runErr := errInterrupted
	defer func() {
		// res.ArtifactPath is empty unless the artifact step started, so a
		// sidecar kept by an earlier run survives a chain that fails first.
		if serr := c.rec.Settle(job, res.ArtifactPath, runErr); serr != nil {
			runErr = errors.Join(runErr, serr)
		}
		err = c.finish(job, runErr)
	}()

	res, runErr = c.runner.Run(ctx, job.Path, steps)
	return nil
}

// chain drops the artifact step when it would overwrite a file the run does
// not own: the submitted source of a converted job, or a pre-existing file on
// a first run.
func (c *Compressor) chain(job *types.ImageJob, steps []plan.Step) []plan.Step {
	path := plan.ArtifactPath(job.Path)
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if path != job.SourcePath && (!exists || job.Recompression) {
		return steps
	}

	out := steps[:0]
	for _, s := range steps {
		if s.Output == plan.ArtifactFile {
			c.logger.Debug("artifact step skipped", "path", job.Path, "artifact", path)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c *Compressor) finish(job *types.ImageJob, runErr error) error {
	job.FinishedAt = time.Now()
	if runErr == nil {
		if err := c.jobs.Transition(job.ID, types.StateCompressed); err != nil {
			job.Fail(fmt.Errorf("%w: %v", types.ErrWorkerFault, err))
			return err
		}
		c.logger.Debug("job compressed",
			"path", job.Path, "old", job.OriginalSize, "new", job.FinalSize,
			"restored", job.Restored, "artifact", job.ArtifactPath)
		return nil
	}

	var se *executor.StepError
	if errors.As(runErr, &se) {
		job.ExitCode = se.ExitCode
		job.FailedStep = se.Step
	}
	return c.fail(job, runErr)
}

func (c *Compressor) fail(job *types.ImageJob, err error) error {
	job.Fail(err)
	job.FinishedAt = time.Now()
	if terr := c.jobs.Transition(job.ID, types.StateFailed); terr != nil {
		c.logger.Error("cannot fail job", "job", job.ID, "path", job.Path, "error", terr)
	}
	c.logger.Warn("job failed",
		"path", job.Path, "reason", job.FailureReason, "step", job.FailedStep,
		"exit", job.ExitCode, "error", err)
	return err
}
