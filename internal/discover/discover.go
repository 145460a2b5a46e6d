// Package discover turns submitted paths into candidate files.
package discover

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// vcsNames are directory (and file) names never descended into or submitted.
var vcsNames = map[string]bool{
	".svn": true,
	".git": true,
	".hg":  true,
	".bzr": true,
	".cvs": true,
}

// Skipped reports whether name is a version-control entry.
func Skipped(name string) bool {
	return vcsNames[name]
}

// Expand resolves paths to absolute file paths. Directories are walked
// recursively in lexical order. Anything that is not a directory, including
// paths that do not exist, is passed through so that validation can report
// it. Unreadable subdirectories are skipped and reported in the joined error;
// the files found elsewhere are still returned.
func Expand(paths []string) ([]string, error) {
	var (
		files []string
		errs  []error
	)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", p, err))
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			files = append(files, abs)
			continue
		}
		found, err := walk(abs)
		files = append(files, found...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return files, errors.Join(errs...)
}

func walk(root string) ([]string, error) {
	var (
		files []string
		errs  []error
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("walk %s: %w", path, err))
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if path != root && Skipped(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return files, errors.Join(errs...)
}
