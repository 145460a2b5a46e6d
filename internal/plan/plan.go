// Package plan holds the immutable table mapping each compressible format to
// its ordered, fail-fast chain of optimizer invocations.
package plan

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/pixelsqueeze/internal/config"
	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// Placeholders substituted into step arguments at run time.
const (
	Input    = "{in}"
	Temp     = "{tmp}"
	Artifact = "{artifact}"
)

// Output describes where a step leaves its result.
type Output int

const (
	// InPlace tools rewrite the working file themselves.
	InPlace Output = iota
	// TempFile tools write to {tmp}; the temp file replaces the working file on success.
	TempFile
	// Stdout tools print the result; stdout is captured into a temp file and swapped in.
	Stdout
	// ArtifactFile tools write a derived file next to the working file.
	ArtifactFile
)

func (o Output) String() string {
	switch o {
	case InPlace:
		return "in-place"
	case TempFile:
		return "temp-file"
	case Stdout:
		return "stdout"
	case ArtifactFile:
		return "artifact"
	}
	return "unknown"
}

// Step is one optimizer invocation.
type Step struct {
	Name   string
	Tool   string
	Args   []string
	Output Output
}

// Expand returns the argument vector with placeholders replaced.
func (s Step) Expand(in, tmp, artifact string) []string {
	r := strings.NewReplacer(Input, in, Temp, tmp, Artifact, artifact)
	out := make([]string, len(s.Args))
	for i, a := range s.Args {
		out[i] = r.Replace(a)
	}
	return out
}

// String renders the step the way a shell user would type it.
func (s Step) String() string {
	cmd := s.Tool + " " + strings.Join(s.Args, " ")
	if s.Output == Stdout {
		cmd += " > " + Temp
	}
	return cmd
}

// Options tune the derived artifact steps.
type Options struct {
	Artifact        bool
	ArtifactQuality int
}

// OptionsFrom extracts plan options from the runtime config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Artifact:        cfg.Artifact.Enabled,
		ArtifactQuality: cfg.Artifact.Quality,
	}
}

// Table is the per-format step lookup. It is never mutated after NewTable.
type Table struct {
	steps map[types.Format][]Step
}

// NewTable builds the chains for every compressible format.
func NewTable(tools config.Tools, opts Options) *Table {
	q := strconv.Itoa(opts.ArtifactQuality)
	webp := Step{
		Name:   "cwebp",
		Tool:   tools.Cwebp,
		Args:   []string{"-quiet", "-q", q, Input, "-o", Artifact},
		Output: ArtifactFile,
	}

	jpeg := []Step{
		{Name: "jpegoptim", Tool: tools.Jpegoptim, Args: []string{"-f", "--strip-all", "--quiet", Input}, Output: InPlace},
		{Name: "guetzli", Tool: tools.Guetzli, Args: []string{"--quality", "100", "--nomemlimit", Input, Temp}, Output: TempFile},
		{Name: "jpegtran", Tool: tools.Jpegtran, Args: []string{"-copy", "none", "-optimize", Input}, Output: Stdout},
	}
	png := []Step{
		{Name: "optipng", Tool: tools.Optipng, Args: []string{"-quiet", "-force", "-o7", Input}, Output: InPlace},
		{Name: "advpng", Tool: tools.Advpng, Args: []string{"-q", "-z4", Input}, Output: InPlace},
		{Name: "pngcrush", Tool: tools.Pngcrush, Args: []string{
			"-q", "-rem", "gAMA", "-rem", "alla", "-rem", "cHRM", "-rem", "iCCP", "-rem", "sRGB", "-rem", "time",
			Input, Temp,
		}, Output: TempFile},
	}
	if opts.Artifact {
		jpeg = append(jpeg, webp)
		png = append(png, webp)
	}

	return &Table{steps: map[types.Format][]Step{
		types.FormatJPEG: jpeg,
		types.FormatPNG:  png,
		types.FormatGIF: {
			{Name: "gifsicle", Tool: tools.Gifsicle, Args: []string{"-O3", Input, "-o", Temp}, Output: TempFile},
		},
	}}
}

// Steps returns a copy of the chain for format.
func (t *Table) Steps(format types.Format) ([]Step, bool) {
	steps, ok := t.steps[format]
	if !ok {
		return nil, false
	}
	out := make([]Step, len(steps))
	copy(out, steps)
	return out, true
}

// Formats lists the formats the table handles, sorted.
func (t *Table) Formats() []types.Format {
	out := make([]types.Format, 0, len(t.steps))
	for f := range t.steps {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tools returns every distinct binary referenced by the table, sorted.
func (t *Table) Tools() []string {
	seen := make(map[string]bool)
	var out []string
	for _, steps := range t.steps {
		for _, s := range steps {
			if !seen[s.Tool] {
				seen[s.Tool] = true
				out = append(out, s.Tool)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ArtifactPath returns the derived WebP path for a working file: the full
// file name with .webp appended, so a.png and a.jpg in one directory get
// a.png.webp and a.jpg.webp.
func ArtifactPath(path string) string {
	return path + ".webp"
}
