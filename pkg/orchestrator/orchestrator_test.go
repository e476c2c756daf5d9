package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/workshopd/pkg/archive"
	"github.com/ternarybob/workshopd/pkg/logbus"
	"github.com/ternarybob/workshopd/pkg/registry"
	"github.com/ternarybob/workshopd/pkg/steamclient"
	"github.com/ternarybob/workshopd/pkg/workspace"
)

// fakeAdapter stands in for *steamclient.Adapter: it returns a scripted
// sequence of Outcomes, one per Fetch call, optionally writing real content
// to disk so the Orchestrator's (concrete) workspace.FindContent call after
// the retry loop behaves exactly as it would against the real Adapter.
type fakeAdapter struct {
	mu        sync.Mutex
	anonymous bool
	session   *steamclient.Session

	verifySessionResult bool
	appID                string
	outcomes             []steamclient.Outcome
	calls                int

	// block, if non-nil, is read from before the first scripted outcome is
	// delivered, letting a test hold a Fetch call open to simulate an
	// in-flight job.
	block <-chan struct{}

	// strayOnFailure, if set, leaves a partial.tmp file in the workspace on
	// every transient-failure attempt, like a half-finished download.
	strayOnFailure bool
}

func (f *fakeAdapter) Anonymous() bool             { return f.anonymous }
func (f *fakeAdapter) Session() *steamclient.Session { return f.session }

func (f *fakeAdapter) VerifySession(ctx context.Context, workspacePath string) bool {
	return f.verifySessionResult
}

func (f *fakeAdapter) Fetch(ctx context.Context, workspacePath, itemID string, cachedSession bool) <-chan steamclient.Event {
	ch := make(chan steamclient.Event, 4)

	go func() {
		defer close(ch)

		if f.block != nil {
			select {
			case <-f.block:
			case <-ctx.Done():
				ch <- steamclient.Event{Kind: steamclient.EventOutcome, Outcome: steamclient.Outcome{Kind: steamclient.OutcomeTransientFailure, Detail: "canceled"}}
				return
			}
		}

		f.mu.Lock()
		idx := f.calls
		f.calls++
		f.mu.Unlock()

		outcome := f.outcomes[len(f.outcomes)-1]
		if idx < len(f.outcomes) {
			outcome = f.outcomes[idx]
		}

		if outcome.Kind == steamclient.OutcomeContentWritten {
			contentDir := filepath.Join(workspacePath, "steamapps", "workshop", "content", f.appID, itemID)
			if err := os.MkdirAll(contentDir, 0755); err == nil {
				_ = os.WriteFile(filepath.Join(contentDir, "item.bin"), []byte("fake content"), 0644)
			}
		}
		if f.strayOnFailure && outcome.Kind == steamclient.OutcomeTransientFailure {
			_ = os.WriteFile(filepath.Join(workspacePath, "partial.tmp"), []byte("partial"), 0644)
		}

		ch <- steamclient.Event{Kind: steamclient.EventProgressTick, Progress: 20}
		ch <- steamclient.Event{Kind: steamclient.EventOutcome, Outcome: outcome}
	}()

	return ch
}

// fakeBuilder stands in for *archive.Builder, writing a fixed-size file
// instead of a real zip so Build's caller-visible contract (an output file
// that stats successfully) is satisfied without the real archiver.
type fakeBuilder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (b *fakeBuilder) Build(ctx context.Context, sourceDir, outputFile string, progress archive.ProgressSink) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()

	if b.err != nil {
		return b.err
	}
	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return err
	}
	if progress != nil {
		progress(archive.Progress{EntriesWritten: 1, EntriesTotal: 1})
	}
	return os.WriteFile(outputFile, make([]byte, 1024), 0644)
}

func newTestOrchestrator(t *testing.T, adapter DownloadAdapter, builder ArchiveBuilder, cfg Config) (*Orchestrator, *registry.Registry) {
	t.Helper()

	log := arbor.NewLogger()
	reg := registry.NewRegistry(log)
	ws, err := workspace.NewManager(t.TempDir(), log)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	bus := logbus.NewBus(64, 0, log)

	if cfg.AppID == "" {
		cfg.AppID = "480"
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}

	return New(cfg, reg, ws, adapter, builder, bus, log), reg
}

func pollUntilTerminal(t *testing.T, reg *registry.Registry, jobID string, timeout time.Duration) registry.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, ok := reg.Status(jobID)
		if ok && (snap.State == registry.JobCompleted || snap.State == registry.JobError || snap.State == registry.JobCleaned) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", jobID, timeout)
	return registry.Snapshot{}
}

func TestSubmit_RejectsAtCapacity(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	adapter := &fakeAdapter{
		anonymous: true,
		session:   steamclient.NewSession("", time.Minute),
		appID:     "480",
		outcomes:  []steamclient.Outcome{{Kind: steamclient.OutcomeContentWritten}},
		block:     block,
	}
	orch, _ := newTestOrchestrator(t, adapter, &fakeBuilder{}, Config{MaxConcurrent: 1})

	if _, err := orch.Submit("111", registry.Metadata{}); err != nil {
		t.Fatalf("first Submit should be admitted: %v", err)
	}

	// Submit claims the occupancy slot synchronously; the pause only lets the
	// first job's goroutine start and block inside Fetch.
	time.Sleep(20 * time.Millisecond)

	_, err := orch.Submit("222", registry.Metadata{})
	if err == nil {
		t.Fatalf("expected second Submit to be rejected at capacity")
	}
	capErr, ok := err.(*ErrCapacityExhausted)
	if !ok {
		t.Fatalf("expected *ErrCapacityExhausted, got %T: %v", err, err)
	}
	if capErr.Max != 1 {
		t.Fatalf("expected Max=1, got %d", capErr.Max)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	adapter := &fakeAdapter{
		anonymous: true,
		session:   steamclient.NewSession("", time.Minute),
		appID:     "480",
		outcomes: []steamclient.Outcome{
			{Kind: steamclient.OutcomeTransientFailure, Detail: "flaky"},
			{Kind: steamclient.OutcomeContentWritten},
		},
	}
	builder := &fakeBuilder{}
	orch, reg := newTestOrchestrator(t, adapter, builder, Config{MaxRetryAttempts: 2})

	jobID, err := orch.Submit("333", registry.Metadata{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := pollUntilTerminal(t, reg, jobID, 2*time.Second)
	if snap.State != registry.JobCompleted {
		t.Fatalf("expected JobCompleted after a retry, got %v (lastError=%s)", snap.State, snap.LastError)
	}
	if snap.AttemptCount != 2 {
		t.Fatalf("expected 2 attempts recorded, got %d", snap.AttemptCount)
	}
	if builder.calls != 1 {
		t.Fatalf("expected the archive to be built exactly once, got %d", builder.calls)
	}
}

func TestRun_RetryCleansWorkspaceBetweenAttempts(t *testing.T) {
	adapter := &fakeAdapter{
		anonymous: true,
		session:   steamclient.NewSession("", time.Minute),
		appID:     "480",
		outcomes: []steamclient.Outcome{
			{Kind: steamclient.OutcomeTransientFailure, Detail: "flaky"},
			{Kind: steamclient.OutcomeContentWritten},
		},
		strayOnFailure: true,
	}
	orch, reg := newTestOrchestrator(t, adapter, &fakeBuilder{}, Config{MaxRetryAttempts: 2})

	jobID, err := orch.Submit("444", registry.Metadata{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := pollUntilTerminal(t, reg, jobID, 2*time.Second)
	if snap.State != registry.JobCompleted {
		t.Fatalf("expected JobCompleted, got %v", snap.State)
	}

	// A Completed job keeps its workspace until delivery or a sweep, so the
	// partial file from the failed first attempt can be looked for directly.
	var workspacePath string
	reg.WithJob(jobID, func(j *registry.Job) { workspacePath = j.WorkspacePath })
	if workspacePath == "" {
		t.Fatalf("expected the completed job to keep its workspace")
	}
	if _, err := os.Stat(filepath.Join(workspacePath, "partial.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected the failed attempt's partial file to be removed before the retry, stat err=%v", err)
	}
}

func TestRun_SessionExpiredMidJobIsTerminal(t *testing.T) {
	session := steamclient.NewSession("tester", time.Minute)
	session.MarkVerified()

	adapter := &fakeAdapter{
		anonymous: false,
		session:   session,
		appID:     "480",
		outcomes:  []steamclient.Outcome{{Kind: steamclient.OutcomeSessionExpired}},
	}
	orch, reg := newTestOrchestrator(t, adapter, &fakeBuilder{}, Config{MaxRetryAttempts: 3})

	jobID, err := orch.Submit("555", registry.Metadata{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := pollUntilTerminal(t, reg, jobID, 2*time.Second)
	if snap.State != registry.JobError {
		t.Fatalf("expected JobError, got %v", snap.State)
	}
	if snap.LastError != ReasonSecondFactorRequired {
		t.Fatalf("expected LastError=%s, got %s", ReasonSecondFactorRequired, snap.LastError)
	}
	// A session-expired outcome must not be retried: exactly one Fetch call.
	if adapter.calls != 1 {
		t.Fatalf("expected exactly 1 Fetch call for a terminal outcome, got %d", adapter.calls)
	}
}

func TestForget_UnknownJobIsIdempotentNotFound(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeAdapter{anonymous: true, session: steamclient.NewSession("", time.Minute), outcomes: []steamclient.Outcome{{Kind: steamclient.OutcomeContentWritten}}}, &fakeBuilder{}, Config{})

	if err := orch.Forget("does-not-exist"); !registry.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if err := orch.Forget("does-not-exist"); !registry.IsNotFound(err) {
		t.Fatalf("expected not-found error on a repeated Forget, got %v", err)
	}
}
