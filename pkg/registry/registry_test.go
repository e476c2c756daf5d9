package registry

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

func newTestRegistry() *Registry {
	return NewRegistry(arbor.NewLogger())
}

func TestSubmit_StartsInStartingState(t *testing.T) {
	r := newTestRegistry()
	job := r.Submit("123", Metadata{Title: "Widget"})

	if job.State != JobStarting {
		t.Fatalf("expected JobStarting, got %v", job.State)
	}
	if job.Progress != 0 {
		t.Fatalf("expected 0 progress, got %d", job.Progress)
	}

	snap, ok := r.Status(job.ID)
	if !ok {
		t.Fatalf("expected job to be found")
	}
	if snap.WorkshopItemID != "123" {
		t.Fatalf("unexpected item id: %s", snap.WorkshopItemID)
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	r := newTestRegistry()
	_, ok := r.Status("does-not-exist")
	if ok {
		t.Fatalf("expected unknown job to report not found")
	}
}

func TestWithJob_MutatesAndSnapshotsIndependently(t *testing.T) {
	r := newTestRegistry()
	job := r.Submit("123", Metadata{})

	ok := r.WithJob(job.ID, func(j *Job) {
		j.State = JobDownloading
		j.Progress = 30
	})
	if !ok {
		t.Fatalf("expected WithJob to find the job")
	}

	snap, _ := r.Status(job.ID)
	if snap.State != JobDownloading || snap.Progress != 30 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// Mutating the registry's Job after taking a snapshot must not affect
	// the already-returned, copied Snapshot.
	r.WithJob(job.ID, func(j *Job) { j.Progress = 90 })
	if snap.Progress != 30 {
		t.Fatalf("snapshot should be immutable, got %d", snap.Progress)
	}
}

func TestWithJob_UnknownJobReturnsFalse(t *testing.T) {
	r := newTestRegistry()
	if r.WithJob("nope", func(j *Job) {}) {
		t.Fatalf("expected false for unknown job")
	}
}

func TestFetch_NotFoundAndNotReady(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Fetch("nope")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}

	job := r.Submit("123", Metadata{})
	_, err = r.Fetch(job.ID)
	if !IsNotReady(err) {
		t.Fatalf("expected not-ready error for a Starting job, got %v", err)
	}
}

func TestFetch_CompletedJob(t *testing.T) {
	r := newTestRegistry()
	job := r.Submit("123", Metadata{})

	now := time.Now().UTC()
	r.WithJob(job.ID, func(j *Job) {
		j.State = JobCompleted
		j.ArchivePath = "/tmp/123.zip"
		j.ArchiveSize = 4096
		j.FinishedAt = now
	})

	handle, err := r.Fetch(job.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if handle.Path != "/tmp/123.zip" || handle.Size != 4096 {
		t.Fatalf("unexpected handle: %+v", handle)
	}
}

func TestNotifyDelivered_RemovesJobAndDisposesOnce(t *testing.T) {
	r := newTestRegistry()
	job := r.Submit("123", Metadata{})
	r.WithJob(job.ID, func(j *Job) {
		j.State = JobCompleted
		j.WorkspacePath = "/tmp/ws-1"
	})

	disposedCount := 0
	var disposedPath string
	dispose := func(path string) {
		disposedCount++
		disposedPath = path
	}

	r.NotifyDelivered(job.ID, dispose)
	if disposedCount != 1 || disposedPath != "/tmp/ws-1" {
		t.Fatalf("expected single dispose of /tmp/ws-1, got count=%d path=%s", disposedCount, disposedPath)
	}

	if _, ok := r.Status(job.ID); ok {
		t.Fatalf("expected job to be dropped after delivery")
	}

	// Calling again on a now-unknown job must not dispose a second time.
	r.NotifyDelivered(job.ID, dispose)
	if disposedCount != 1 {
		t.Fatalf("expected no additional dispose calls, got %d", disposedCount)
	}
}

func TestForget_IdempotentOnUnknownJob(t *testing.T) {
	r := newTestRegistry()

	err := r.Forget("nope", func(string) {})
	if !IsNotFound(err) {
		t.Fatalf("expected not-found on first forget of unknown job, got %v", err)
	}
	err = r.Forget("nope", func(string) {})
	if !IsNotFound(err) {
		t.Fatalf("expected not-found on second forget of unknown job, got %v", err)
	}
}

func TestForget_CancelsDisposesAndRemoves(t *testing.T) {
	r := newTestRegistry()
	job := r.Submit("123", Metadata{})

	canceled := false
	r.RegisterCanceler(job.ID, func() { canceled = true })
	r.WithJob(job.ID, func(j *Job) { j.WorkspacePath = "/tmp/ws-2" })

	var disposedPath string
	err := r.Forget(job.ID, func(path string) { disposedPath = path })
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !canceled {
		t.Fatalf("expected canceler to be invoked")
	}
	if disposedPath != "/tmp/ws-2" {
		t.Fatalf("expected dispose of /tmp/ws-2, got %s", disposedPath)
	}
	if _, ok := r.Status(job.ID); ok {
		t.Fatalf("expected job to be removed after Forget")
	}
}

func TestCancelIfRunning_ClearsCancelerWithoutRemovingJob(t *testing.T) {
	r := newTestRegistry()
	job := r.Submit("123", Metadata{})

	calls := 0
	r.RegisterCanceler(job.ID, func() { calls++ })

	r.CancelIfRunning(job.ID)
	if calls != 1 {
		t.Fatalf("expected canceler invoked once, got %d", calls)
	}
	if _, ok := r.Status(job.ID); !ok {
		t.Fatalf("expected job record to survive CancelIfRunning")
	}

	// A second call finds no canceler registered and is a no-op.
	r.CancelIfRunning(job.ID)
	if calls != 1 {
		t.Fatalf("expected no further invocation, got %d", calls)
	}
}

func TestSweep_ReapsStaleNonTerminalAndUndeliveredCompleted(t *testing.T) {
	r := newTestRegistry()

	stale := r.Submit("1", Metadata{})
	r.WithJob(stale.ID, func(j *Job) { j.StartedAt = time.Now().Add(-time.Hour) })

	fresh := r.Submit("2", Metadata{})

	completedUndelivered := r.Submit("3", Metadata{})
	r.WithJob(completedUndelivered.ID, func(j *Job) {
		j.State = JobCompleted
		j.StartedAt = time.Now().Add(-time.Hour)
	})

	cleaned := r.Submit("4", Metadata{})
	r.WithJob(cleaned.ID, func(j *Job) {
		j.State = JobCleaned
		j.StartedAt = time.Now().Add(-time.Hour)
	})

	stale2 := r.Sweep(time.Now(), 10*time.Minute)

	found := map[string]bool{}
	for _, id := range stale2 {
		found[id] = true
	}
	if !found[stale.ID] {
		t.Fatalf("expected stale non-terminal job to be reaped")
	}
	if !found[completedUndelivered.ID] {
		t.Fatalf("expected stale undelivered Completed job to be reaped")
	}
	if found[fresh.ID] {
		t.Fatalf("did not expect fresh job to be reaped")
	}
	if found[cleaned.ID] {
		t.Fatalf("did not expect terminal Cleaned job to be reaped")
	}
}

func TestCount_OnlyNonTerminalPipelineStates(t *testing.T) {
	r := newTestRegistry()

	a := r.Submit("1", Metadata{})
	r.WithJob(a.ID, func(j *Job) { j.State = JobDownloading })

	b := r.Submit("2", Metadata{})
	r.WithJob(b.ID, func(j *Job) { j.State = JobCompleted })

	c := r.Submit("3", Metadata{})
	r.WithJob(c.ID, func(j *Job) { j.State = JobCreatingArchive })

	if got := r.Count(); got != 2 {
		t.Fatalf("expected 2 active jobs, got %d", got)
	}
}
