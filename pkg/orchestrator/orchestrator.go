// Package orchestrator is the Download Orchestrator: the bounded concurrent
// job manager that drives the external-client Adapter through
// authentication and content retrieval, verifies and packages output, and
// coordinates lifecycle cleanup of workspaces.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/workshopd/pkg/archive"
	"github.com/ternarybob/workshopd/pkg/logbus"
	"github.com/ternarybob/workshopd/pkg/registry"
	"github.com/ternarybob/workshopd/pkg/steamclient"
	"github.com/ternarybob/workshopd/pkg/workspace"
)

// Reason strings are the stable, externally-visible error kinds from the
// error taxonomy. They are recorded as Job.LastError and surfaced via the
// status endpoint.
const (
	ReasonSecondFactorRequired = "SecondFactorRequired"
	ReasonAccessDenied         = "AccessDenied"
	ReasonNotFound             = "NotFound"
	ReasonTimeout              = "Timeout"
	ReasonNoContent            = "NoContent"
	ReasonArchiveTooSmall      = "ArchiveTooSmall"
	ReasonTransientFailure     = "TransientFailure"
	ReasonInternal             = "Internal"
)

// Config configures the Orchestrator's admission cap and retry policy.
type Config struct {
	AppID            string
	MaxConcurrent    int
	MaxRetryAttempts int
	RetryBase        time.Duration
	JobTimeout       time.Duration
	ArchiveFileName  func(itemID string) string
}

// DownloadAdapter is the subset of *steamclient.Adapter the Orchestrator
// drives. Extracted as an interface so tests can exercise the state
// machine, retry loop, and classification handling against a fake
// implementation instead of the real external tool.
type DownloadAdapter interface {
	Anonymous() bool
	Session() *steamclient.Session
	VerifySession(ctx context.Context, workspacePath string) bool
	Fetch(ctx context.Context, workspacePath, itemID string, cachedSession bool) <-chan steamclient.Event
}

// ArchiveBuilder is the subset of *archive.Builder the Orchestrator drives,
// extracted for the same reason as DownloadAdapter.
type ArchiveBuilder interface {
	Build(ctx context.Context, sourceDir, outputFile string, progress archive.ProgressSink) error
}

// Orchestrator sequences Adapter -> verify -> Builder -> publish -> cleanup
// for each admitted job, enforcing the global concurrency cap.
type Orchestrator struct {
	cfg Config

	registry  *registry.Registry
	workspace *workspace.Manager
	adapter   DownloadAdapter
	builder   ArchiveBuilder
	bus       *logbus.Bus
	logger    arbor.ILogger

	mu        sync.Mutex
	occupancy int
}

// ErrCapacityExhausted is returned by Submit when the concurrency cap is
// reached. Current/Max are included for the caller-visible 429 body.
type ErrCapacityExhausted struct {
	Current, Max int
}

func (e *ErrCapacityExhausted) Error() string {
	return fmt.Sprintf("capacity exhausted: %d/%d", e.Current, e.Max)
}

// New constructs an Orchestrator.
func New(cfg Config, reg *registry.Registry, ws *workspace.Manager, adapter DownloadAdapter, builder ArchiveBuilder, bus *logbus.Bus, logger arbor.ILogger) *Orchestrator {
	if cfg.ArchiveFileName == nil {
		cfg.ArchiveFileName = func(itemID string) string { return itemID + ".zip" }
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		workspace: ws,
		adapter:   adapter,
		builder:   builder,
		bus:       bus,
		logger:    logger,
	}
}

// Submit admits a new job for itemID, enforcing the concurrency cap, and
// starts the pipeline asynchronously. Returns the admitted Job's id.
func (o *Orchestrator) Submit(itemID string, meta registry.Metadata) (string, error) {
	o.mu.Lock()
	if o.occupancy >= o.cfg.MaxConcurrent {
		current := o.occupancy
		o.mu.Unlock()
		return "", &ErrCapacityExhausted{Current: current, Max: o.cfg.MaxConcurrent}
	}
	o.occupancy++
	o.mu.Unlock()

	job := o.registry.Submit(itemID, meta)

	ctx, cancel := context.WithCancel(context.Background())
	o.registry.RegisterCanceler(job.ID, cancel)

	go o.run(ctx, job.ID, itemID)

	return job.ID, nil
}

// Forget cancels and disposes a job, delegating to the Registry.
func (o *Orchestrator) Forget(jobID string) error {
	return o.registry.Forget(jobID, func(path string) {
		_ = o.workspace.Dispose(path, true)
	})
}

// DisposeWorkspace removes a workspace directory, used by the API layer
// once a Completed job's archive has been delivered in full.
func (o *Orchestrator) DisposeWorkspace(path string) {
	_ = o.workspace.Dispose(path, true)
}

// SetMaxConcurrent updates the admission cap applied by future Submit
// calls, for live config reload. Jobs already admitted are unaffected.
func (o *Orchestrator) SetMaxConcurrent(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.MaxConcurrent = n
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.occupancy--
	o.mu.Unlock()
}

func (o *Orchestrator) publish(level logbus.Level, source, message string) {
	if o.bus != nil {
		o.bus.Publish(level, source, message, nil)
	}
}

func (o *Orchestrator) run(ctx context.Context, jobID, itemID string) {
	defer o.release()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	o.publish(logbus.LevelInfo, "orchestrator", fmt.Sprintf("job %s starting for item %s", jobID, itemID))

	// Starting -> Preparing: allocate workspace.
	o.registry.WithJob(jobID, func(j *registry.Job) { j.State = registry.JobPreparing })

	workspacePath, err := o.workspace.Allocate(jobID)
	if err != nil {
		o.fail(jobID, ReasonInternal, err.Error())
		return
	}
	o.registry.WithJob(jobID, func(j *registry.Job) { j.WorkspacePath = workspacePath })

	// Preparing -> Downloading.
	o.registry.WithJob(jobID, func(j *registry.Job) { j.State = registry.JobDownloading })
	o.publish(logbus.LevelInfo, "orchestrator", fmt.Sprintf("job %s downloading", jobID))

	_, reason, detail, ok := o.runDownloadWithRetry(ctx, jobID, itemID, workspacePath)
	if !ok {
		o.fail(jobID, reason, detail)
		return
	}

	// Downloading -> CreatingArchive.
	o.registry.WithJob(jobID, func(j *registry.Job) {
		j.State = registry.JobCreatingArchive
		j.Progress = 65
	})
	o.publish(logbus.LevelInfo, "orchestrator", fmt.Sprintf("job %s building archive", jobID))

	sourceDir, rootOnly, found := o.workspace.FindContent(workspacePath, o.cfg.AppID, itemID)
	if !found || rootOnly {
		o.fail(jobID, ReasonNoContent, "no content found outside workspace-root fallback")
		return
	}

	archivePath := filepath.Join(workspacePath, o.cfg.ArchiveFileName(itemID))
	buildErr := o.builder.Build(ctx, sourceDir, archivePath, func(p archive.Progress) {
		pct := 70
		if p.EntriesTotal > 0 {
			pct = 70 + (p.EntriesWritten*25)/p.EntriesTotal
			if pct > 95 {
				pct = 95
			}
		}
		o.registry.WithJob(jobID, func(j *registry.Job) {
			if pct > j.Progress {
				j.Progress = pct
			}
		})
	})

	if buildErr != nil {
		if _, isTooSmall := buildErr.(*archive.ErrTooSmall); isTooSmall {
			o.fail(jobID, ReasonArchiveTooSmall, buildErr.Error())
			return
		}
		if ctx.Err() == context.DeadlineExceeded {
			o.fail(jobID, ReasonTimeout, "archive build deadline exceeded")
			return
		}
		o.fail(jobID, ReasonInternal, buildErr.Error())
		return
	}

	size, statErr := fileSize(archivePath)
	if statErr != nil {
		o.fail(jobID, ReasonInternal, statErr.Error())
		return
	}

	o.registry.WithJob(jobID, func(j *registry.Job) {
		j.State = registry.JobCompleted
		j.Progress = 100
		j.ArchivePath = archivePath
		j.ArchiveSize = size
		j.FinishedAt = time.Now().UTC()
	})
	o.publish(logbus.LevelSuccess, "orchestrator", fmt.Sprintf("job %s completed", jobID))
}

func (o *Orchestrator) fail(jobID, reason, detail string) {
	var workspacePath string
	alreadyFailed := false
	o.registry.WithJob(jobID, func(j *registry.Job) {
		if j.State == registry.JobError {
			// The sweeper has already reaped this job with kind=Timeout.
			alreadyFailed = true
			return
		}
		j.State = registry.JobError
		j.LastError = reason
		j.FinishedAt = time.Now().UTC()
		workspacePath = j.WorkspacePath
	})
	if alreadyFailed {
		return
	}
	o.publish(logbus.LevelError, "orchestrator", fmt.Sprintf("job %s failed: %s (%s)", jobID, reason, detail))

	if workspacePath != "" {
		_ = o.workspace.Dispose(workspacePath, false)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
