// Package check verifies that every optimizer the plan table refers to can be
// executed, before any file is touched.
package check

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// ErrToolsMissing is returned by Missing when at least one tool cannot be resolved.
var ErrToolsMissing = errors.New("required optimizer tools not found")

// Status is the resolution result for one tool.
type Status struct {
	Tool string // as configured
	Path string // resolved executable, empty when missing
	Err  error
}

// OK reports whether the tool was found.
func (s Status) OK() bool { return s.Err == nil }

// Resolve looks every tool up with exec.LookPath. Tools containing a path
// separator are checked as given.
func Resolve(tools []string) []Status {
	out := make([]Status, 0, len(tools))
	for _, tool := range tools {
		path, err := exec.LookPath(tool)
		out = append(out, Status{Tool: tool, Path: path, Err: err})
	}
	return out
}

// Missing returns nil when every tool resolves. Otherwise the error matches
// ErrToolsMissing and carries one lookup error per missing tool.
func Missing(tools []string) error {
	var errs []error
	for _, s := range Resolve(tools) {
		if !s.OK() {
			errs = append(errs, s.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrToolsMissing}, errs...)...)
}

// Print writes one line per tool, "ok" or "missing", and returns the number
// of missing tools.
func Print(w io.Writer, statuses []Status) int {
	missing := 0
	for _, s := range statuses {
		if s.OK() {
			fmt.Fprintf(w, "  ok       %-10s %s\n", s.Tool, s.Path)
			continue
		}
		missing++
		fmt.Fprintf(w, "  missing  %s\n", s.Tool)
	}
	return missing
}
