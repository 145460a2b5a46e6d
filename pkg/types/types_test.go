package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFromExt(t *testing.T) {
	cases := map[string]Format{
		".jpg":  FormatJPEG,
		"JPEG":  FormatJPEG,
		".jfif": FormatJPEG,
		".png":  FormatPNG,
		"gif":   FormatGIF,
		".WebP": FormatWebP,
		".tif":  FormatTIFF,
		".svg":  FormatUnknown,
		"":      FormatUnknown,
	}
	for ext, want := range cases {
		assert.Equal(t, want, FormatFromExt(ext), "ext %q", ext)
	}
}

func TestFormatClasses(t *testing.T) {
	assert.True(t, FormatJPEG.Compressible())
	assert.True(t, FormatGIF.Compressible())
	assert.False(t, FormatWebP.Compressible())
	assert.True(t, FormatWebP.Convertible())
	assert.False(t, FormatPNG.Convertible())
	assert.False(t, FormatUnknown.Convertible())
}

func TestStateMachine(t *testing.T) {
	assert.True(t, StateNew.CanTransition(StateValidating))
	assert.True(t, StateValidating.CanTransition(StateQueued))
	assert.True(t, StateValidating.CanTransition(StateFailed))
	assert.True(t, StateQueued.CanTransition(StateCompressing))
	assert.True(t, StateCompressing.CanTransition(StateCompressed))
	assert.True(t, StateCompressing.CanTransition(StateFailed))
	assert.True(t, StateCompressed.CanTransition(StateQueued), "recompression edge")

	assert.False(t, StateNew.CanTransition(StateCompressing))
	assert.False(t, StateFailed.CanTransition(StateQueued))
	assert.False(t, StateCompressed.CanTransition(StateCompressing))

	assert.True(t, StateCompressed.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateCompressing.IsTerminal())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, FailureNone, KindOf(nil))
	assert.Equal(t, FailureRenameFailed, KindOf(fmt.Errorf("x.png: %w", ErrRenameFailed)))
	assert.Equal(t, FailureToolInvocationFailed, KindOf(fmt.Errorf("step optipng: %w", ErrToolInvocationFailed)))
	assert.Equal(t, FailureWorkerFault, KindOf(errors.New("boom")))
}

func TestRejectionKinds(t *testing.T) {
	assert.True(t, FailureUnsupportedFormat.Rejection())
	assert.True(t, FailureNotAccessible.Rejection())
	assert.False(t, FailureToolInvocationFailed.Rejection())
	assert.False(t, FailureWorkerFault.Rejection())
	assert.False(t, FailureNone.Rejection())
}

func TestResetForRecompression(t *testing.T) {
	job := NewImageJob("/img/a.png")
	job.State = StateCompressed
	job.OriginalSize = 1000
	job.FinalSize = 800
	job.ArtifactPath = "/img/a.webp"
	job.ArtifactSize = 700

	job.ResetForRecompression()

	assert.True(t, job.Recompression)
	assert.Zero(t, job.FinalSize)
	assert.Empty(t, job.ArtifactPath)
	assert.Equal(t, int64(1000), job.OriginalSize)
}

func TestEventFromJob(t *testing.T) {
	job := NewImageJob("/img/a.gif")
	job.State = StateFailed
	job.ExitCode = 2
	job.FailedStep = "gifsicle"
	job.Fail(fmt.Errorf("gifsicle: %w", ErrToolInvocationFailed))

	ev := EventFromJob(job)
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, StateFailed, ev.State)
	assert.Equal(t, FailureToolInvocationFailed, ev.FailureReason)
	assert.Equal(t, 2, ev.ExitCode)
	assert.False(t, ev.HasArtifact)
	assert.Contains(t, ev.Error, "optimizer step failed")
}
