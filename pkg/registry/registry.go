package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// Registry is the process-resident table mapping job identifiers to
// current state and produced archive path. It is the single
// owner of every Job record; the Orchestrator mutates jobs exclusively
// through WithJob so that readers always observe a consistent snapshot.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	cancelers map[string]func()
	logger    arbor.ILogger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		jobs:      make(map[string]*Job),
		cancelers: make(map[string]func()),
		logger:    logger,
	}
}

// Submit admits a new Job in the Starting state and returns it. Admission
// (the concurrency cap check) is the caller's responsibility; Submit never
// rejects.
func (r *Registry) Submit(itemID string, meta Metadata) *Job {
	job := &Job{
		ID:             uuid.NewString(),
		WorkshopItemID: itemID,
		State:          JobStarting,
		Progress:       0,
		Metadata:       meta,
		StartedAt:      time.Now().UTC(),
		AttemptCount:   0,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	return job
}

// RegisterCanceler associates a cancellation function with a job so that
// Forget can terminate in-flight work. Overwrites any previous canceler.
func (r *Registry) RegisterCanceler(jobID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; ok {
		r.cancelers[jobID] = cancel
	}
}

// CancelIfRunning invokes and clears jobID's canceler without removing the
// Job record, for the sweeper reaping a stale non-terminal job (the record
// stays visible to status queries with LastError set).
func (r *Registry) CancelIfRunning(jobID string) {
	r.mu.Lock()
	cancel := r.cancelers[jobID]
	delete(r.cancelers, jobID)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// WithJob locks the Registry for the duration of fn, passing the Job by
// pointer so the Orchestrator can mutate state/progress as the sole writer.
// Returns false if no job with the given id exists.
func (r *Registry) WithJob(jobID string, fn func(*Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return false
	}
	fn(job)
	return true
}

// Status returns an immutable snapshot of the job's fields.
func (r *Registry) Status(jobID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return job.snapshot(), true
}

// List returns snapshots of every tracked job, for admin/debugging use.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.snapshot())
	}
	return out
}

// Count returns the number of jobs currently occupying a non-terminal
// pipeline state (Preparing, Downloading, CreatingArchive).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, job := range r.jobs {
		switch job.State {
		case JobPreparing, JobDownloading, JobCreatingArchive:
			n++
		}
	}
	return n
}

// ArchiveHandle describes a Completed job's archive file for delivery.
type ArchiveHandle struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// notFoundError and notReadyError are sentinel-style errors distinguishable
// by the caller (via IsNotFound/IsNotReady) without exposing implementation
// detail.
type notFoundError struct{ jobID string }

func (e *notFoundError) Error() string { return fmt.Sprintf("job not found: %s", e.jobID) }

// IsNotFound reports whether err was returned because the job id is unknown.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}

type notReadyError struct{ jobID string }

func (e *notReadyError) Error() string {
	return fmt.Sprintf("job not in a deliverable state: %s", e.jobID)
}

// IsNotReady reports whether err was returned because the job has not yet
// reached the Completed state.
func IsNotReady(err error) bool {
	_, ok := err.(*notReadyError)
	return ok
}

// Fetch resolves the archive location for a Completed job. modTime/size
// come from the Job record, set by the Orchestrator when it registered the
// archive. The caller is responsible for streaming the file (with
// byte-range support via the stdlib) and calling NotifyDelivered afterward.
func (r *Registry) Fetch(jobID string) (ArchiveHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ArchiveHandle{}, &notFoundError{jobID}
	}
	if job.State != JobCompleted || job.ArchivePath == "" {
		return ArchiveHandle{}, &notReadyError{jobID}
	}

	return ArchiveHandle{
		Path:    job.ArchivePath,
		Size:    job.ArchiveSize,
		ModTime: job.FinishedAt,
	}, nil
}

// NotifyDelivered records that the archive for jobID has been streamed in
// full (not a range request). disposeFn is invoked once, synchronously, to
// remove the workspace; the Job record is then dropped from the Registry.
func (r *Registry) NotifyDelivered(jobID string, disposeFn func(workspacePath string)) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok || job.delivered {
		r.mu.Unlock()
		return
	}
	job.delivered = true
	workspacePath := job.WorkspacePath
	r.mu.Unlock()

	if disposeFn != nil && workspacePath != "" {
		disposeFn(workspacePath)
	}

	r.mu.Lock()
	job.State = JobCleaned
	job.WorkspacePath = ""
	delete(r.jobs, jobID)
	delete(r.cancelers, jobID)
	r.mu.Unlock()
}

// Forget cancels a running job if any, disposes its workspace, marks it
// Cleaned, and drops it from the Registry. Idempotent: forgetting an
// already-cleaned or unknown job id is a no-op that reports "not found";
// since a forgotten record is dropped, the two cases are not distinguished.
func (r *Registry) Forget(jobID string, disposeFn func(workspacePath string)) error {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return &notFoundError{jobID}
	}

	cancel := r.cancelers[jobID]
	workspacePath := job.WorkspacePath
	delete(r.cancelers, jobID)
	job.State = JobCleaned
	job.WorkspacePath = ""
	delete(r.jobs, jobID)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if disposeFn != nil && workspacePath != "" {
		disposeFn(workspacePath)
	}

	return nil
}

// Sweep returns the ids of non-terminal jobs whose StartedAt is older than
// deadline, for the periodic sweeper to reap, and Completed-but-undelivered
// jobs past the same deadline.
func (r *Registry) Sweep(now time.Time, deadline time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, job := range r.jobs {
		if job.State.terminal() {
			continue
		}
		age := now.Sub(job.StartedAt)
		if age <= deadline {
			continue
		}
		if job.State == JobCompleted && !job.delivered {
			stale = append(stale, id)
			continue
		}
		if job.State != JobCompleted {
			stale = append(stale, id)
		}
	}
	return stale
}
