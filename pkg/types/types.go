// Package types defines the core domain model shared by every pixelsqueeze package.
package types

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobID uniquely identifies an image job.
type JobID string

// NewJobID returns a random job identifier.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// ============================================================================
// Formats
// ============================================================================

// Format is a canonical image format name.
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
)

// Compressible reports whether the compression chains handle f directly.
func (f Format) Compressible() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF:
		return true
	}
	return false
}

// Convertible reports whether f is decoded and re-encoded into a compressible format.
func (f Format) Convertible() bool {
	switch f {
	case FormatWebP, FormatBMP, FormatTIFF:
		return true
	}
	return false
}

// FormatFromExt maps a file extension (with or without the dot, any case)
// to its canonical format. jpg and its aliases collapse to jpeg.
func FormatFromExt(ext string) Format {
	ext = strings.TrimPrefix(ext, ".")
	switch strings.ToLower(ext) {
	case "jpg", "jpeg", "jpe", "jfif":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "gif":
		return FormatGIF
	case "webp":
		return FormatWebP
	case "bmp":
		return FormatBMP
	case "tif", "tiff":
		return FormatTIFF
	}
	return FormatUnknown
}

// ============================================================================
// Job state machine
// ============================================================================

// JobState is the lifecycle state of an image job.
type JobState string

const (
	StateNew         JobState = "new"
	StateValidating  JobState = "validating"
	StateQueued      JobState = "queued"
	StateCompressing JobState = "compressing"
	StateCompressed  JobState = "compressed"
	StateFailed      JobState = "failed"
)

// transitions lists every legal edge of the job state machine.
// Compressed -> Queued is the recompression edge.
var transitions = map[JobState][]JobState{
	StateNew:         {StateValidating},
	StateValidating:  {StateQueued, StateFailed},
	StateQueued:      {StateCompressing, StateFailed},
	StateCompressing: {StateCompressed, StateFailed},
	StateCompressed:  {StateQueued},
}

// CanTransition reports whether s may move to next.
func (s JobState) CanTransition(next JobState) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the job has settled.
func (s JobState) IsTerminal() bool {
	return s == StateCompressed || s == StateFailed
}

// ============================================================================
// Failure taxonomy
// ============================================================================

// FailureKind names why a job was rejected or failed. It doubles as a metric label.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureNotAccessible        FailureKind = "not_accessible"
	FailureUnsupportedFormat    FailureKind = "unsupported_format"
	FailureConversionFailed     FailureKind = "conversion_failed"
	FailureRenameFailed         FailureKind = "rename_failed"
	FailureToolInvocationFailed FailureKind = "tool_invocation_failed"
	FailureWorkerFault          FailureKind = "worker_fault"
)

var (
	ErrNotAccessible        = errors.New("file missing or not writable")
	ErrUnsupportedFormat    = errors.New("unsupported image format")
	ErrConversionFailed     = errors.New("format conversion failed")
	ErrRenameFailed         = errors.New("rename to detected extension failed")
	ErrToolInvocationFailed = errors.New("optimizer step failed")
	ErrWorkerFault          = errors.New("unexpected worker fault")
)

// Rejection reports whether k is raised while validating a submission,
// before the job ever reaches a worker.
func (k FailureKind) Rejection() bool {
	switch k {
	case FailureNotAccessible, FailureUnsupportedFormat, FailureConversionFailed, FailureRenameFailed:
		return true
	}
	return false
}

// KindOf classifies err against the sentinel taxonomy.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrNotAccessible):
		return FailureNotAccessible
	case errors.Is(err, ErrUnsupportedFormat):
		return FailureUnsupportedFormat
	case errors.Is(err, ErrConversionFailed):
		return FailureConversionFailed
	case errors.Is(err, ErrRenameFailed):
		return FailureRenameFailed
	case errors.Is(err, ErrToolInvocationFailed):
		return FailureToolInvocationFailed
	}
	return FailureWorkerFault
}

// ============================================================================
// ImageJob
// ============================================================================

// ImageJob is one file under processing. Its fields are owned by exactly one
// role at a time: the submitter until it is queued, the executing worker until
// it settles, then the collector. State is only written through the job registry.
type ImageJob struct {
	ID   JobID  `json:"id"`
	Path string `json:"path"`
	// SourcePath is the submitted file when normalization converted it into Path.
	SourcePath string `json:"source_path,omitempty"`

	DeclaredFormat Format `json:"declared_format"`
	Format         Format `json:"format"`

	State         JobState `json:"state"`
	Recompression bool     `json:"recompression"`

	OriginalSize int64 `json:"original_size"`
	FinalSize    int64 `json:"final_size"`
	Restored     bool  `json:"restored,omitempty"`

	BackupPath   string `json:"-"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	ArtifactSize int64  `json:"artifact_size,omitempty"`

	ExitCode      int         `json:"exit_code"`
	FailedStep    string      `json:"failed_step,omitempty"`
	FailureReason FailureKind `json:"failure_reason,omitempty"`
	Err           error       `json:"-"`

	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// NewImageJob creates a job in state New for path.
func NewImageJob(path string) *ImageJob {
	return &ImageJob{
		ID:          NewJobID(),
		Path:        path,
		State:       StateNew,
		SubmittedAt: time.Now(),
	}
}

// Fail records a failure cause on the job. The state change itself is the registry's.
func (j *ImageJob) Fail(err error) {
	j.Err = err
	j.FailureReason = KindOf(err)
}

// ResetForRecompression discards the results of the previous run.
func (j *ImageJob) ResetForRecompression() {
	j.Recompression = true
	j.FinalSize = 0
	j.Restored = false
	j.BackupPath = ""
	j.ArtifactPath = ""
	j.ArtifactSize = 0
	j.ExitCode = 0
	j.FailedStep = ""
	j.FailureReason = FailureNone
	j.Err = nil
	j.SubmittedAt = time.Now()
	j.StartedAt = time.Time{}
	j.FinishedAt = time.Time{}
}

// Saved returns the number of bytes the job removed from the main file.
func (j *ImageJob) Saved() int64 {
	if j.State != StateCompressed {
		return 0
	}
	return j.OriginalSize - j.FinalSize
}

// ============================================================================
// Completion events
// ============================================================================

// Event is the read-only record handed to presentation sinks for each settled job.
type Event struct {
	JobID         JobID         `json:"job_id"`
	Path          string        `json:"path"`
	Format        Format        `json:"format"`
	State         JobState      `json:"state"`
	Recompression bool          `json:"recompression"`
	OriginalSize  int64         `json:"original_size"`
	FinalSize     int64         `json:"final_size"`
	Restored      bool          `json:"restored"`
	HasArtifact   bool          `json:"has_artifact"`
	ArtifactPath  string        `json:"artifact_path,omitempty"`
	ArtifactSize  int64         `json:"artifact_size,omitempty"`
	ExitCode      int           `json:"exit_code"`
	FailedStep    string        `json:"failed_step,omitempty"`
	FailureReason FailureKind   `json:"failure_reason,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// EventFromJob snapshots the terminal fields of j.
func EventFromJob(j *ImageJob) Event {
	ev := Event{
		JobID:         j.ID,
		Path:          j.Path,
		Format:        j.Format,
		State:         j.State,
		Recompression: j.Recompression,
		OriginalSize:  j.OriginalSize,
		FinalSize:     j.FinalSize,
		Restored:      j.Restored,
		HasArtifact:   j.ArtifactPath != "",
		ArtifactPath:  j.ArtifactPath,
		ArtifactSize:  j.ArtifactSize,
		ExitCode:      j.ExitCode,
		FailedStep:    j.FailedStep,
		FailureReason: j.FailureReason,
	}
	if j.Err != nil {
		ev.Error = j.Err.Error()
	}
	if !j.StartedAt.IsZero() && !j.FinishedAt.IsZero() {
		ev.Duration = j.FinishedAt.Sub(j.StartedAt)
	}
	return ev
}
