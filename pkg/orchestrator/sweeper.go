package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/workshopd/pkg/logbus"
	"github.com/ternarybob/workshopd/pkg/registry"
)

// StartSweeper launches the periodic sweeper on its own timer task. It
// reaps jobs that have been in a non-terminal state past the stale
// deadline (transitioning them to Error with kind=Timeout) and disposes
// Completed-but-undelivered jobs past the same deadline. Returns a stop
// function.
func (o *Orchestrator) StartSweeper(ctx context.Context, interval, staleDeadline time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.sweepOnce(staleDeadline)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func (o *Orchestrator) sweepOnce(staleDeadline time.Duration) {
	stale := o.registry.Sweep(time.Now(), staleDeadline)
	for _, jobID := range stale {
		o.reap(jobID)
	}
}

// reap transitions a single stale job to its terminal outcome: a completed
// job that was never fetched is disposed and dropped; any other
// non-terminal job is cancelled, transitioned to Error with kind=Timeout,
// and has its workspace disposed, but its record remains queryable.
func (o *Orchestrator) reap(jobID string) {
	snap, ok := o.registry.Status(jobID)
	if !ok {
		return
	}

	// Occupancy for this job was claimed by Submit and is released exactly
	// once, by the run() goroutine's own deferred release() as it unwinds
	// after observing cancellation (completed jobs have already released
	// theirs on reaching Completed) — the sweeper only cancels and
	// disposes, it never double-releases the admission slot.
	o.registry.CancelIfRunning(jobID)

	if snap.State == registry.JobCompleted {
		_ = o.registry.Forget(jobID, func(path string) {
			_ = o.workspace.Dispose(path, true)
		})
		o.publish(logbus.LevelWarning, "sweeper", fmt.Sprintf("job %s swept: completed but never fetched", jobID))
		return
	}

	var workspacePath string
	o.registry.WithJob(jobID, func(j *registry.Job) {
		workspacePath = j.WorkspacePath
		j.State = registry.JobError
		j.LastError = ReasonTimeout
		j.FinishedAt = time.Now().UTC()
		j.WorkspacePath = ""
	})

	if workspacePath != "" {
		_ = o.workspace.Dispose(workspacePath, true)
	}

	o.publish(logbus.LevelWarning, "sweeper", fmt.Sprintf("job %s swept: stale non-terminal job", jobID))
}
