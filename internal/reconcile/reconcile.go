// Package reconcile keeps the size guarantee of a compression run: the file
// at a job's path never ends up larger than it was when the run started.
//
// Every run is bracketed by Backup and Settle. Backups live in a private
// directory and are named after a hash of the file's absolute path, so jobs
// that share a base name in different directories never collide.
package reconcile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// Baseline selects what a derived artifact must undercut to be kept.
type Baseline string

const (
	BaselineFinal    Baseline = "final"
	BaselineOriginal Baseline = "original"
)

// ErrRestoreFailed is returned when the backup could not be put back. The
// backup is kept on disk in that case.
var ErrRestoreFailed = errors.New("restore from backup failed")

// Reconciler creates backups and settles finished runs.
type Reconciler struct {
	dir      string
	baseline Baseline
}

// New creates the backup directory (0700) if needed.
func New(dir string, baseline Baseline) (*Reconciler, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	if baseline == "" {
		baseline = BaselineFinal
	}
	return &Reconciler{dir: dir, baseline: baseline}, nil
}

// Dir returns the backup directory.
func (r *Reconciler) Dir() string { return r.dir }

// BackupPath returns the job-unique backup location for path.
func (r *Reconciler) BackupPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:8])+"-"+filepath.Base(path))
}

// Backup copies the job's file aside and records the backup on the job.
func (r *Reconciler) Backup(job *types.ImageJob) error {
	dst := r.BackupPath(job.Path)
	if err := copyFile(job.Path, dst, 0o600); err != nil {
		os.Remove(dst)
		return fmt.Errorf("backup %s: %w", job.Path, err)
	}
	job.BackupPath = dst
	return nil
}

// Settle finalizes a run. artifact is the derived artifact path when the
// chain's artifact step started, "" otherwise. runErr is the chain's error.
//
// On success FinalSize is set, the backup is restored if the result did not
// shrink, and the artifact is kept only if smaller than the baseline. On
// failure the file is restored when it differs from the backup and any
// artifact is removed. The backup is deleted in every case except a failed
// restore.
func (r *Reconciler) Settle(job *types.ImageJob, artifact string, runErr error) error {
	if runErr != nil {
		if artifact != "" {
			os.Remove(artifact)
		}
		return r.rollback(job)
	}

	info, err := os.Stat(job.Path)
	if err != nil {
		if artifact != "" {
			os.Remove(artifact)
		}
		if rerr := r.rollback(job); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%s vanished after compression: %w", job.Path, err)
	}

	job.FinalSize = info.Size()
	if job.FinalSize >= job.OriginalSize {
		if err := r.restore(job); err != nil {
			return err
		}
		job.FinalSize = job.OriginalSize
		job.Restored = true
	}
	r.discard(job)

	if artifact != "" {
		r.settleArtifact(job, artifact)
	}
	return nil
}

func (r *Reconciler) settleArtifact(job *types.ImageJob, artifact string) {
	info, err := os.Stat(artifact)
	if err != nil {
		return
	}
	limit := job.FinalSize
	if r.baseline == BaselineOriginal {
		limit = job.OriginalSize
	}
	if info.Size() >= limit {
		os.Remove(artifact)
		return
	}
	job.ArtifactPath = artifact
	job.ArtifactSize = info.Size()
}

// rollback restores the file if the chain left it changed, then drops the backup.
func (r *Reconciler) rollback(job *types.ImageJob) error {
	if job.BackupPath == "" {
		return nil
	}
	same, err := sameContent(job.Path, job.BackupPath)
	if err != nil || !same {
		if err := r.restore(job); err != nil {
			return err
		}
	}
	r.discard(job)
	return nil
}

// restore atomically replaces the job's file with the backup.
func (r *Reconciler) restore(job *types.ImageJob) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(job.Path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(job.Path), "."+filepath.Base(job.Path)+".*.restore")
	if err != nil {
		return fmt.Errorf("%w: %s (backup kept at %s): %v", ErrRestoreFailed, job.Path, job.BackupPath, err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := copyFile(job.BackupPath, tmpName, mode); err != nil {
		return fmt.Errorf("%w: %s (backup kept at %s): %v", ErrRestoreFailed, job.Path, job.BackupPath, err)
	}
	if err := os.Rename(tmpName, job.Path); err != nil {
		return fmt.Errorf("%w: %s (backup kept at %s): %v", ErrRestoreFailed, job.Path, job.BackupPath, err)
	}
	return nil
}

func (r *Reconciler) discard(job *types.ImageJob) {
	if job.BackupPath != "" {
		os.Remove(job.BackupPath)
		job.BackupPath = ""
	}
}

// ============================================================================
// File helpers
// ============================================================================

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Chmod(mode); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sameContent(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ia.Size() != ib.Size() {
		return false, nil
	}
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
