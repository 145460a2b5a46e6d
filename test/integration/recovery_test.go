// ============================================================================
// pixelsqueeze end-to-end suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Functionality: full pipeline runs against fake optimizer binaries
//
// Fake optimizers:
//   - optipng   waits while the gate file exists (when the gate is set)
//   - pngcrush  drops the last 16 bytes            -> png jobs shrink
//   - jpegtran  prints the input plus padding      -> jpeg jobs are restored
//   - gifsicle  exits 2                            -> gif jobs fail
//   - guetzli   copies its input to the temp output
//   - others    succeed without touching the file
//
// TestInterruptLeavesFilesIntact:
//   interrupt a run with pending jobs
//   - 2 workers blocked on the gate, 18 jobs pending
//   - Stop, then open the gate
//   - expect: every job reported once, abandoned files byte-identical,
//     no backup left behind
//
// ============================================================================

package integration

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/pixelsqueeze/internal/collector"
	"github.com/ChuLiYu/pixelsqueeze/internal/config"
	"github.com/ChuLiYu/pixelsqueeze/internal/controller"
	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gateEnv = "PIXELSQUEEZE_TEST_GATE"

var scripts = map[string]string{
	"jpegoptim": "exit 0",
	"guetzli":   `cat "$4" > "$5"`,
	"jpegtran":  `for a; do last=$a; done; cat "$last"; printf 'padding-padding'`,
	"optipng": `if [ -n "$` + gateEnv + `" ]; then
  while [ -f "$` + gateEnv + `" ]; do sleep 0.02; done
fi`,
	"advpng": "exit 0",
	"pngcrush": `for a; do in=$out; out=$a; done
n=$(wc -c < "$in")
head -c $((n - 16)) "$in" > "$out"`,
	"gifsicle": "echo 'gifsicle: cannot optimize' >&2; exit 2",
	"cwebp":    "exit 0",
}

// events is a thread-safe sink.
type events struct {
	mu   sync.Mutex
	list []types.Event
}

func (e *events) Report(ev types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) byPath() map[string][]types.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]types.Event)
	for _, ev := range e.list {
		out[ev.Path] = append(out[ev.Path], ev)
	}
	return out
}

type fixture struct {
	ctrl    *controller.Controller
	events  *events
	backups string
}

// newFixture builds a started controller over fake optimizers.
func newFixture(tb testing.TB, workers int) *fixture {
	tb.Helper()
	if runtime.GOOS == "windows" {
		tb.Skip("fake tools are POSIX shell scripts")
	}

	bin := tb.TempDir()
	tool := func(name string) string {
		path := filepath.Join(bin, name)
		require.NoError(tb, os.WriteFile(path, []byte("#!/bin/sh\n"+scripts[name]+"\n"), 0o755))
		return path
	}

	cfg := config.Default()
	cfg.Workers = workers
	cfg.BackupDir = filepath.Join(tb.TempDir(), "backups")
	cfg.Artifact.Enabled = false
	cfg.Tools = config.Tools{
		Jpegoptim: tool("jpegoptim"),
		Guetzli:   tool("guetzli"),
		Jpegtran:  tool("jpegtran"),
		Optipng:   tool("optipng"),
		Advpng:    tool("advpng"),
		Pngcrush:  tool("pngcrush"),
		Gifsicle:  tool("gifsicle"),
		Cwebp:     tool("cwebp"),
	}
	require.NoError(tb, cfg.Validate())

	f := &fixture{events: &events{}, backups: cfg.BackupDir}
	ctrl, err := controller.New(cfg, controller.Deps{
		Registerer: prometheus.NewRegistry(),
		Sinks:      []collector.Sink{f.events},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(tb, err)
	require.NoError(tb, ctrl.Start())
	tb.Cleanup(func() { ctrl.Stop() })
	f.ctrl = ctrl
	return f
}

func testImage(seed int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x*10 + seed), G: uint8(y * 10), B: uint8(seed * 7), A: 255})
		}
	}
	return img
}

// generateTestImages writes count files of format into dir and returns their
// contents keyed by path.
func generateTestImages(tb testing.TB, dir string, format types.Format, count int) map[string][]byte {
	tb.Helper()
	out := make(map[string][]byte, count)
	for i := 0; i < count; i++ {
		var buf bytes.Buffer
		img := testImage(i)
		switch format {
		case types.FormatPNG:
			require.NoError(tb, png.Encode(&buf, img))
		case types.FormatJPEG:
			require.NoError(tb, jpeg.Encode(&buf, img, nil))
		case types.FormatGIF:
			require.NoError(tb, gif.Encode(&buf, img, nil))
		default:
			tb.Fatalf("no encoder for %s", format)
		}
		ext := string(format)
		if format == types.FormatJPEG {
			ext = "jpg"
		}
		path := filepath.Join(dir, fmt.Sprintf("img-%03d.%s", i, ext))
		require.NoError(tb, os.WriteFile(path, buf.Bytes(), 0o644))
		out[path] = buf.Bytes()
	}
	return out
}

func assertNoBackups(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "backups must not outlive their job")
}

func TestInterruptLeavesFilesIntact(t *testing.T) {
	f := newFixture(t, 2)
	gate := filepath.Join(t.TempDir(), "gate")
	require.NoError(t, os.WriteFile(gate, nil, 0o644))
	t.Setenv(gateEnv, gate)

	dir := t.TempDir()
	originals := generateTestImages(t, dir, types.FormatPNG, 20)

	queued, err := f.ctrl.Submit([]string{dir})
	require.NoError(t, err)
	require.Equal(t, 20, queued)
	require.Eventually(t, func() bool {
		s := f.ctrl.Stats().Pool
		return s.Active == 2 && s.Pending == 18
	}, 10*time.Second, 10*time.Millisecond)

	stopped := make(chan int, 1)
	go func() { stopped <- f.ctrl.Stop() }()
	require.Eventually(t, func() bool { return f.ctrl.Stats().Pool.Pending == 0 },
		10*time.Second, 10*time.Millisecond)
	require.NoError(t, os.Remove(gate))

	select {
	case n := <-stopped:
		assert.Equal(t, 18, n)
	case <-time.After(20 * time.Second):
		t.Fatal("Stop did not return")
	}

	got := f.events.byPath()
	require.Len(t, got, 20)
	compressed := 0
	for path, want := range originals {
		evs := got[path]
		require.Len(t, evs, 1, path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)

		if evs[0].State == types.StateCompressed {
			compressed++
			assert.Equal(t, want[:len(want)-16], data, path)
			continue
		}
		assert.Equal(t, types.FailureWorkerFault, evs[0].FailureReason, path)
		assert.Equal(t, want, data, "abandoned file must be untouched: %s", path)
	}
	assert.Equal(t, 2, compressed)
	assertNoBackups(t, f.backups)
}
