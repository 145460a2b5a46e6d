// Package executor runs a compression chain against one working file.
//
// Steps run strictly in order and the chain stops at the first non-zero exit.
// Steps that produce a new file (TempFile, Stdout) write next to the working
// file and are renamed over it only after the tool succeeded, so the working
// path never holds a half-written image.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/pixelsqueeze/internal/plan"
	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// ExitNotStarted is reported when the tool could not be launched.
const ExitNotStarted = -1

// ErrEmptyOutput is returned when a tool exits zero but leaves an empty result.
var ErrEmptyOutput = errors.New("tool produced empty output")

// StepError describes the failing step of a chain. It matches
// types.ErrToolInvocationFailed under errors.Is.
type StepError struct {
	Step     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %s failed (exit %d)", e.Step, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	return []error{types.ErrToolInvocationFailed, e.Err}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Observer receives the duration of every step that was started.
type Observer interface {
	ObserveStep(step string, d time.Duration, err error)
}

// Runner executes chains. The zero value runs without timeouts or observer.
type Runner struct {
	Timeout  time.Duration
	Observer Observer
}

// New returns a Runner with a per-step timeout (0 disables it).
func New(timeout time.Duration, obs Observer) *Runner {
	return &Runner{Timeout: timeout, Observer: obs}
}

// Result reports how far a chain got. It is filled in on failure too.
type Result struct {
	ArtifactPath string // set once the artifact step has started
	Steps        int    // steps that exited zero
}

// Run executes steps against path. On failure the returned error is a *StepError.
func (r *Runner) Run(ctx context.Context, path string, steps []plan.Step) (Result, error) {
	var res Result
	artifact := plan.ArtifactPath(path)
	for _, step := range steps {
		if step.Output == plan.ArtifactFile {
			res.ArtifactPath = artifact
		}
		start := time.Now()
		err := r.runStep(ctx, path, artifact, step)
		if r.Observer != nil {
			r.Observer.ObserveStep(step.Name, time.Since(start), err)
		}
		if err != nil {
			return res, err
		}
		res.Steps++
	}
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, path, artifact string, step plan.Step) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var tmp *os.File
	if step.Output == plan.TempFile || step.Output == plan.Stdout {
		f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
		if err != nil {
			return &StepError{Step: step.Name, ExitCode: ExitNotStarted, Err: err}
		}
		tmp = f
		defer os.Remove(tmp.Name()) // no-op after a successful swap
	}

	tmpName := ""
	if tmp != nil {
		tmpName = tmp.Name()
	}
	cmd := exec.CommandContext(ctx, step.Tool, step.Expand(path, tmpName, artifact)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if step.Output == plan.Stdout {
		cmd.Stdout = tmp
	}
	// Tools that write {tmp} themselves reopen it by name.
	if tmp != nil && step.Output != plan.Stdout {
		tmp.Close()
	}

	err := cmd.Run()
	if tmp != nil && step.Output == plan.Stdout {
		tmp.Close()
	}
	if err != nil {
		return &StepError{Step: step.Name, ExitCode: exitCode(err), Stderr: stderr.String(), Err: err}
	}

	if tmp != nil {
		if err := swap(tmpName, path); err != nil {
			return &StepError{Step: step.Name, ExitCode: 0, Stderr: stderr.String(), Err: err}
		}
	}
	return nil
}

// swap renames tmp over path, keeping path's permission bits.
func swap(tmp, path string) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return ErrEmptyOutput
	}
	if orig, err := os.Stat(path); err == nil {
		if err := os.Chmod(tmp, orig.Mode().Perm()); err != nil {
			return err
		}
	}
	return os.Rename(tmp, path)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return ExitNotStarted
}
