// Package report renders completion events for people: one line per job on
// the console and a summary at the end of a batch.
//
// Events are plain records; every column has its own formatting function so
// that other front ends can reuse them field by field.
package report

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
	"github.com/dustin/go-humanize"
)

// ============================================================================
// Field formatting
// ============================================================================

// FormatName returns the file name without its directory.
func FormatName(ev types.Event) string {
	return filepath.Base(ev.Path)
}

// FormatOldSize returns the human-readable size before compression, or ""
// while the job has not compressed.
func FormatOldSize(ev types.Event) string {
	if ev.State != types.StateCompressed {
		return ""
	}
	return humanize.Bytes(uint64(ev.OriginalSize))
}

// FormatNewSize returns the human-readable size after compression, or "".
func FormatNewSize(ev types.Event) string {
	if ev.State != types.StateCompressed {
		return ""
	}
	return humanize.Bytes(uint64(ev.FinalSize))
}

// FormatRatio returns the saving as a percentage of the original size,
// e.g. "4.0%", or "".
func FormatRatio(ev types.Event) string {
	if ev.State != types.StateCompressed {
		return ""
	}
	if ev.OriginalSize <= 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", 100-float64(ev.FinalSize)/float64(ev.OriginalSize)*100)
}

// FormatStatus returns the short status text shown next to a file.
func FormatStatus(ev types.Event) string {
	name := FormatName(ev)
	switch ev.State {
	case types.StateFailed:
		return "ERROR: " + name
	case types.StateCompressing:
		return "Compressing " + name + "..."
	case types.StateQueued, types.StateValidating, types.StateNew:
		if ev.Recompression {
			return "Queued for recompression " + name + "..."
		}
		return "Queued " + name + "..."
	}
	return name
}

// FormatLine returns the console line of a compressed job.
func FormatLine(ev types.Event) string {
	return fmt.Sprintf("File: %s, Old Size: %s, New Size: %s, Ratio: %s",
		ev.Path, FormatOldSize(ev), FormatNewSize(ev), FormatRatio(ev))
}

// ============================================================================
// Summary
// ============================================================================

// Summary tallies a run.
type Summary struct {
	Files      int
	Compressed int
	Restored   int
	Failed     int
	Rejected   int
	Artifacts  int
	BytesSaved int64
}

// Add folds one event into the summary.
func (s *Summary) Add(ev types.Event) {
	s.Files++
	switch ev.State {
	case types.StateCompressed:
		s.Compressed++
		if ev.Restored {
			s.Restored++
		}
		if ev.HasArtifact {
			s.Artifacts++
		}
		if saved := ev.OriginalSize - ev.FinalSize; saved > 0 {
			s.BytesSaved += saved
		}
	case types.StateFailed:
		if ev.FailureReason.Rejection() {
			s.Rejected++
		} else {
			s.Failed++
		}
	}
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("files", s.Files),
		slog.Int("compressed", s.Compressed),
		slog.Int("unchanged", s.Restored),
		slog.Int("failed", s.Failed),
		slog.Int("rejected", s.Rejected),
		slog.Int("artifacts", s.Artifacts),
		slog.String("saved", humanize.Bytes(uint64(s.BytesSaved))),
	)
}

// ============================================================================
// Console printer
// ============================================================================

// Printer writes per-job lines. Successes go to Out unless Quiet is set;
// failures and rejections always go to Err.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Quiet bool

	mu      sync.Mutex
	summary Summary
}

// NewPrinter creates a printer. quiet suppresses success lines.
func NewPrinter(out, errOut io.Writer, quiet bool) *Printer {
	return &Printer{Out: out, Err: errOut, Quiet: quiet}
}

// Report implements collector.Sink.
func (p *Printer) Report(ev types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.Add(ev)

	switch {
	case ev.State == types.StateCompressed:
		if !p.Quiet {
			fmt.Fprintln(p.Out, FormatLine(ev))
		}
	case ev.FailureReason.Rejection():
		fmt.Fprintf(p.Err, "[error] %s not a supported image file and/or not writable: %s\n", ev.Path, reason(ev))
	default:
		fmt.Fprintf(p.Err, "[error] %s could not be compressed: %s\n", ev.Path, reason(ev))
	}
}

// reason prefers the wrapped error text and falls back to the failure kind.
func reason(ev types.Event) string {
	if ev.Error != "" {
		return ev.Error
	}
	return string(ev.FailureReason)
}

// Summary returns the totals reported so far.
func (p *Printer) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}
