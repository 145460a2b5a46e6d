// ============================================================================
// pixelsqueeze job registry - image job state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: owns the State of every ImageJob and validates each transition
//
// State machine:
//
//   New ─► Validating ─► Queued ─► Compressing ─► Compressed
//               │           │            │             │
//               └───────────┴────────────┴─► Failed    │
//                           ▲                          │
//                           └──────── Resubmit ────────┘  (recompression)
//
// Ownership:
//   Job fields other than State belong to whichever role currently holds the
//   job (submitter, worker, collector). State is written only here, under mu.
//   The registry keeps its own copy of each state so that lookups never read
//   a job that a worker is mutating.
//
//   A settled job becomes resubmittable only after Release(), which the
//   controller calls once the collector has reported it.
//
// Indexes:
//   jobs   - all live jobs by ID
//   byPath - submitted path and normalized path both point at the job
//   order  - registration order, used for "recompress everything"
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob is returned when a path already has an unsettled job.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned for unknown IDs or paths.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for an edge the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInProgress is returned by Resubmit while the job is queued, running or not yet reported.
	ErrInProgress = errors.New("job still in progress")
	// ErrNotCompressed is returned by Resubmit for failed jobs; they are submitted afresh.
	ErrNotCompressed = errors.New("job did not compress")
)

type entry struct {
	job      *types.ImageJob
	path     string // latest tracked path
	state    types.JobState
	released bool
}

// JobManager is the thread-safe job registry.
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*entry
	byPath   map[string]types.JobID
	order    []types.JobID
	counts   map[types.JobState]int
	rejected int
}

// NewJobManager creates an empty registry.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[types.JobID]*entry),
		byPath: make(map[string]types.JobID),
		counts: make(map[types.JobState]int),
	}
}

// Register adds a job in state New.
//
// A path whose previous job has settled and been released is taken over by
// the new job. A path with a job still in flight returns ErrDuplicateJob.
func (jm *JobManager) Register(job *types.ImageJob) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	if job.State != types.StateNew {
		return fmt.Errorf("%w: register in state %s", ErrInvalidTransition, job.State)
	}
	if id, ok := jm.byPath[job.Path]; ok {
		prev := jm.jobs[id]
		if !prev.state.IsTerminal() || !prev.released {
			return ErrDuplicateJob
		}
		jm.dropLocked(id)
	}

	jm.jobs[job.ID] = &entry{job: job, path: job.Path, state: types.StateNew}
	jm.byPath[job.Path] = job.ID
	jm.order = append(jm.order, job.ID)
	jm.counts[types.StateNew]++
	return nil
}

// Transition moves a job to next.
//
// Errors:
//   - ErrJobNotFound: unknown ID
//   - ErrInvalidTransition: edge not in the state machine
func (jm *JobManager) Transition(id types.JobID, next types.JobState) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.transitionLocked(id, next)
}

func (jm *JobManager) transitionLocked(id types.JobID, next types.JobState) error {
	e, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !e.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, next)
	}
	jm.counts[e.state]--
	jm.counts[next]++
	e.state = next
	e.job.State = next
	if next.IsTerminal() {
		e.released = false
	}
	return nil
}

// Track indexes the job under path as well, e.g. after normalization
// renamed or converted the submitted file.
func (jm *JobManager) Track(id types.JobID, path string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	e, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if other, taken := jm.byPath[path]; taken && other != id {
		prev := jm.jobs[other]
		if !prev.state.IsTerminal() || !prev.released {
			return ErrDuplicateJob
		}
		jm.dropLocked(other)
	}
	jm.byPath[path] = id
	e.path = path
	return nil
}

// Reject fails a job during validation and forgets it, so the path can be
// submitted again later.
func (jm *JobManager) Reject(id types.JobID, cause error) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	e.job.Fail(cause)
	if err := jm.transitionLocked(id, types.StateFailed); err != nil {
		return err
	}
	jm.rejected++
	jm.dropLocked(id)
	return nil
}

// Release marks a settled job as reported. Only released jobs can be
// resubmitted or replaced.
func (jm *JobManager) Release(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	e, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !e.state.IsTerminal() {
		return fmt.Errorf("%w: release in state %s", ErrInvalidTransition, e.state)
	}
	e.released = true
	return nil
}

// Resubmit requeues a compressed job for recompression. The job's previous
// results are discarded and its recompression flag is set.
//
// Errors:
//   - ErrJobNotFound: path never registered
//   - ErrInProgress: job not settled or not yet released
//   - ErrNotCompressed: job failed; submit it as a new job instead
func (jm *JobManager) Resubmit(path string) (*types.ImageJob, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	id, ok := jm.byPath[path]
	if !ok {
		return nil, ErrJobNotFound
	}
	e := jm.jobs[id]
	if !e.state.IsTerminal() || !e.released {
		return nil, ErrInProgress
	}
	if e.state != types.StateCompressed {
		return nil, ErrNotCompressed
	}
	e.job.ResetForRecompression()
	if err := jm.transitionLocked(id, types.StateQueued); err != nil {
		return nil, err
	}
	e.released = false
	return e.job, nil
}

// Lookup returns the ID and registry state of the job known under path.
func (jm *JobManager) Lookup(path string) (types.JobID, types.JobState, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	id, ok := jm.byPath[path]
	if !ok {
		return "", "", false
	}
	return id, jm.jobs[id].state, true
}

// State returns the registry state of a job.
func (jm *JobManager) State(id types.JobID) (types.JobState, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, ok := jm.jobs[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Paths returns the current path of every live job in registration order.
// Paths are read from the registry's index, never from the job structs.
func (jm *JobManager) Paths() []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]string, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, jm.jobs[id].path)
	}
	return out
}

// Stats returns the number of live jobs per state plus rejected submissions.
//
// Keys: new, validating, queued, compressing, compressed, failed, rejected, total.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		"new":         jm.counts[types.StateNew],
		"validating":  jm.counts[types.StateValidating],
		"queued":      jm.counts[types.StateQueued],
		"compressing": jm.counts[types.StateCompressing],
		"compressed":  jm.counts[types.StateCompressed],
		"failed":      jm.counts[types.StateFailed],
		"rejected":    jm.rejected,
		"total":       len(jm.jobs),
	}
}

// GetJob returns the job with id, or nil.
func (jm *JobManager) GetJob(id types.JobID) *types.ImageJob {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	if e, ok := jm.jobs[id]; ok {
		return e.job
	}
	return nil
}

func (jm *JobManager) dropLocked(id types.JobID) {
	e, ok := jm.jobs[id]
	if !ok {
		return
	}
	jm.counts[e.state]--
	delete(jm.jobs, id)
	for path, pid := range jm.byPath {
		if pid == id {
			delete(jm.byPath, path)
		}
	}
	for i, oid := range jm.order {
		if oid == id {
			jm.order = append(jm.order[:i], jm.order[i+1:]...)
			break
		}
	}
}
