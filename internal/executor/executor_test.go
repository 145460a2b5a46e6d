package executor

// ============================================================================
// Executor tests
// Fake optimizers are tiny shell scripts written into a temp dir.
// ============================================================================

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/pixelsqueeze/internal/plan"
	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are POSIX shell scripts")
	}
}

// writeTool creates an executable script named name in dir.
func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func writeImage(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o640))
	return path
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func tmpLeftovers(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	require.NoError(t, err)
	return matches
}

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) ObserveStep(step string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

// ============================================================================
// Output modes
// ============================================================================

func TestRunInPlaceTempAndStdout(t *testing.T) {
	requireShell(t)
	bin := t.TempDir()
	work := t.TempDir()
	img := writeImage(t, work, "a.jpg", 100)

	// shrink in place to 80 bytes
	shrink := writeTool(t, bin, "shrink", `head -c 80 "$1" > "$1.part" && mv "$1.part" "$1"`)
	// copy first 60 bytes of $1 into $2
	totmp := writeTool(t, bin, "totmp", `head -c 60 "$1" > "$2"`)
	// print first 50 bytes to stdout
	tostdout := writeTool(t, bin, "tostdout", `head -c 50 "$1"`)

	steps := []plan.Step{
		{Name: "shrink", Tool: shrink, Args: []string{plan.Input}, Output: plan.InPlace},
		{Name: "totmp", Tool: totmp, Args: []string{plan.Input, plan.Temp}, Output: plan.TempFile},
		{Name: "tostdout", Tool: tostdout, Args: []string{plan.Input}, Output: plan.Stdout},
	}

	rec := &recorder{}
	res, err := New(0, rec).Run(context.Background(), img, steps)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Steps)
	assert.Empty(t, res.ArtifactPath)
	assert.Equal(t, int64(50), fileSize(t, img))
	assert.Empty(t, tmpLeftovers(t, work))
	assert.Equal(t, []string{"shrink", "totmp", "tostdout"}, rec.steps)

	info, err := os.Stat(img)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm(), "swap keeps permissions")
}

func TestRunArtifact(t *testing.T) {
	requireShell(t)
	bin := t.TempDir()
	work := t.TempDir()
	img := writeImage(t, work, "b.png", 100)
	webp := writeTool(t, bin, "fakewebp", `head -c 40 "$1" > "$3"`)

	steps := []plan.Step{
		{Name: "cwebp", Tool: webp, Args: []string{plan.Input, "-o", plan.Artifact}, Output: plan.ArtifactFile},
	}
	res, err := New(0, nil).Run(context.Background(), img, steps)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(work, "b.png.webp"), res.ArtifactPath)
	assert.Equal(t, int64(40), fileSize(t, res.ArtifactPath))
	assert.Equal(t, int64(100), fileSize(t, img))
}

// ============================================================================
// Fail-fast
// ============================================================================

func TestRunStopsAtFirstFailure(t *testing.T) {
	requireShell(t)
	bin := t.TempDir()
	work := t.TempDir()
	img := writeImage(t, work, "c.gif", 100)
	marker := filepath.Join(work, "second-ran")

	fail := writeTool(t, bin, "fail", `echo "corrupt input" >&2; exit 3`)
	touch := writeTool(t, bin, "touch-marker", `touch "`+marker+`"`)

	steps := []plan.Step{
		{Name: "fail", Tool: fail, Args: []string{plan.Input, plan.Temp}, Output: plan.TempFile},
		{Name: "second", Tool: touch, Output: plan.InPlace},
	}
	_, err := New(0, nil).Run(context.Background(), img, steps)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "fail", stepErr.Step)
	assert.Equal(t, 3, stepErr.ExitCode)
	assert.Contains(t, stepErr.Error(), "corrupt input")
	assert.ErrorIs(t, err, types.ErrToolInvocationFailed)

	assert.NoFileExists(t, marker, "later steps must not run")
	assert.Equal(t, int64(100), fileSize(t, img))
	assert.Empty(t, tmpLeftovers(t, work))
}

func TestRunReportsWhetherArtifactStepStarted(t *testing.T) {
	requireShell(t)
	bin := t.TempDir()
	work := t.TempDir()
	img := writeImage(t, work, "e.png", 100)
	fail := writeTool(t, bin, "fail", `exit 3`)
	ok := writeTool(t, bin, "ok", `exit 0`)
	webp := writeTool(t, bin, "fakewebp", `head -c 5 "$1" > "$3"; exit 4`)
	artifact := plan.Step{Name: "cwebp", Tool: webp, Args: []string{plan.Input, "-o", plan.Artifact}, Output: plan.ArtifactFile}

	res, err := New(0, nil).Run(context.Background(), img, []plan.Step{
		{Name: "first", Tool: fail, Output: plan.InPlace},
		artifact,
	})
	require.Error(t, err)
	assert.Empty(t, res.ArtifactPath, "artifact step never started")
	assert.Zero(t, res.Steps)

	res, err = New(0, nil).Run(context.Background(), img, []plan.Step{
		{Name: "first", Tool: ok, Output: plan.InPlace},
		artifact,
	})
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "cwebp", stepErr.Step)
	assert.Equal(t, img+".webp", res.ArtifactPath)
	assert.Equal(t, 1, res.Steps)
}

func TestRunMissingTool(t *testing.T) {
	work := t.TempDir()
	img := writeImage(t, work, "d.png", 10)

	steps := []plan.Step{{Name: "ghost", Tool: filepath.Join(work, "no-such-tool"), Output: plan.InPlace}}
	_, err := New(0, nil).Run(context.Background(), img, steps)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, ExitNotStarted, stepErr.ExitCode)
}

func TestRunEmptyOutputRejected(t *testing.T) {
	requireShell(t)
	bin := t.TempDir()
	work := t.TempDir()
	img := writeImage(t, work, "e.jpg", 100)
	silent := writeTool(t, bin, "silent", `exit 0`)

	steps := []plan.Step{{Name: "jpegtran", Tool: silent, Args: []string{plan.Input}, Output: plan.Stdout}}
	_, err := New(0, nil).Run(context.Background(), img, steps)

	assert.ErrorIs(t, err, ErrEmptyOutput)
	assert.Equal(t, int64(100), fileSize(t, img), "working file untouched")
	assert.Empty(t, tmpLeftovers(t, work))
}

func TestRunStepTimeout(t *testing.T) {
	requireShell(t)
	bin := t.TempDir()
	work := t.TempDir()
	img := writeImage(t, work, "f.png", 10)
	slow := writeTool(t, bin, "slow", `exec sleep 5`)

	steps := []plan.Step{{Name: "slow", Tool: slow, Output: plan.InPlace}}
	start := time.Now()
	_, err := New(100*time.Millisecond, nil).Run(context.Background(), img, steps)

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}
