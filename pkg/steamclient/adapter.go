// Package steamclient wraps invocations of the external steam
// command-line tool, classifies its interleaved output, and manages
// credential-less reuse of a saved login session across jobs.
package steamclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
)

// ContentLocator reports whether the expected output directory for a fetch
// exists and is non-empty, distinguishing a canonical content path from the
// workspace-root fallback. Injected rather than imported directly so this
// package has no dependency on the workspace package.
type ContentLocator func(workspacePath, appID, itemID string) (path string, rootFallbackOnly bool, found bool)

// Config configures an Adapter instance.
type Config struct {
	BinaryPath          string
	ApplicationID       string
	Username            string
	Password            string
	CredentialStoreDir  string
	SessionCacheWindow  time.Duration
	VerifyTimeout       time.Duration
	FetchTimeout        time.Duration
	TerminationGrace    time.Duration
}

// Adapter runs the external tool and surfaces structured events from its
// output. It holds the process-wide Session but never a reference to any
// Job.
type Adapter struct {
	cfg     Config
	session *Session
	locator ContentLocator
	logger  arbor.ILogger
}

// NewAdapter constructs an Adapter. locator is used for post-run filesystem
// verification.
func NewAdapter(cfg Config, locator ContentLocator, logger arbor.ILogger) *Adapter {
	if cfg.TerminationGrace == 0 {
		cfg.TerminationGrace = 5 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		session: NewSession(cfg.Username, cfg.SessionCacheWindow),
		locator: locator,
		logger:  logger,
	}
}

// Session returns the Adapter-owned process-wide session object.
func (a *Adapter) Session() *Session { return a.session }

// Anonymous reports whether no credentials were configured, in which case
// the Orchestrator skips all session machinery.
func (a *Adapter) Anonymous() bool { return a.cfg.Username == "" }

// Fetch runs the external tool to retrieve itemID into workspacePath and
// streams typed events on the returned channel, always ending with exactly
// one EventOutcome. cachedSession, when true, omits the password argument
// and relies on the tool's own saved credential store.
func (a *Adapter) Fetch(ctx context.Context, workspacePath, itemID string, cachedSession bool) <-chan Event {
	events := make(chan Event, 64)

	go func() {
		defer close(events)
		outcome := a.runFetch(ctx, workspacePath, itemID, cachedSession, events)
		events <- Event{Kind: EventOutcome, Outcome: outcome}
	}()

	return events
}

func (a *Adapter) runFetch(ctx context.Context, workspacePath, itemID string, cachedSession bool, events chan<- Event) Outcome {
	fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	args := a.loginArgs(cachedSession)
	args = append(args,
		"+workshop_download_item", a.cfg.ApplicationID, itemID,
		"+quit",
	)

	cmd := a.command(fetchCtx, workspacePath, args)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return Outcome{Kind: OutcomeTransientFailure, Detail: fmt.Sprintf("start process: %v", err)}
	}

	var acc lineFlags
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			events <- Event{Kind: EventOutputLine, Line: line}
			if scanLine(line, &acc) {
				progress := acc.downloadMarkers * 2
				if progress > 55 {
					progress = 55
				}
				events <- Event{Kind: EventProgressTick, Progress: progress}
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timedOut bool
	select {
	case err := <-waitErr:
		pw.Close()
		<-done
		if err != nil {
			if fetchCtx.Err() == context.DeadlineExceeded {
				timedOut = true
			}
		}
	case <-fetchCtx.Done():
		timedOut = true
		terminateGroup(cmd, a.cfg.TerminationGrace)
		pw.Close()
		<-done
		<-waitErr
	}

	if timedOut {
		return Outcome{Kind: OutcomeTimeout}
	}

	if acc.secondFactor != SecondFactorNone || acc.sessionExpired {
		a.session.MarkInvalid()
	} else if acc.loginSuccess {
		a.session.MarkVerified()
	}

	contentPath, rootOnly, found := "", false, false
	if a.locator != nil {
		contentPath, rootOnly, found = a.locator(workspacePath, a.cfg.ApplicationID, itemID)
	}
	// Content found only via the workspace-root fallback is not a confirmed
	// success: the orchestrator's own FindContent check before the archive
	// stage makes the final call, so treat it as not-yet-found here.
	if rootOnly {
		found = false
	}

	events <- Event{Kind: EventProgressTick, Progress: 60}

	return classify(acc, contentPath, found)
}

func (a *Adapter) loginArgs(cachedSession bool) []string {
	if a.Anonymous() {
		return []string{"+login", "anonymous"}
	}
	if cachedSession {
		return []string{"+login", a.cfg.Username}
	}
	return []string{"+login", a.cfg.Username, a.cfg.Password}
}

func (a *Adapter) command(ctx context.Context, workspacePath string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, a.cfg.BinaryPath, args...)
	cmd.Dir = workspacePath
	cmd.Env = append(os.Environ(), "HOME="+a.credentialStoreDir())
	cmd.SysProcAttr = processGroupAttr()
	return cmd
}

func (a *Adapter) credentialStoreDir() string {
	if a.cfg.CredentialStoreDir != "" {
		return a.cfg.CredentialStoreDir
	}
	return os.Getenv("HOME")
}

// VerifySession spawns a short-lived login-and-quit invocation with a hard
// deadline, returning true only when a success marker is observed and no
// second-factor prompt appears.
func (a *Adapter) VerifySession(ctx context.Context, workspacePath string) bool {
	verifyCtx, cancel := context.WithTimeout(ctx, a.cfg.VerifyTimeout)
	defer cancel()

	cmd := a.command(verifyCtx, workspacePath, []string{"+login", a.cfg.Username, "+quit"})

	out, err := cmd.CombinedOutput()
	text := string(out)

	var acc lineFlags
	for _, line := range strings.Split(text, "\n") {
		scanLine(line, &acc)
	}

	ok := err == nil && acc.loginSuccess && acc.secondFactor == SecondFactorNone && !acc.sessionExpired
	if ok {
		a.session.MarkVerified()
	} else {
		a.session.MarkInvalid()
	}
	return ok
}

// AuthenticateWithSecondFactor performs a one-time session bootstrap using
// the given second-factor code. Returns ok=true on success, or the
// SecondFactorKind still required if the code was rejected or insufficient.
func (a *Adapter) AuthenticateWithSecondFactor(ctx context.Context, workspacePath, code string) (ok bool, stillRequired SecondFactorKind) {
	verifyCtx, cancel := context.WithTimeout(ctx, a.cfg.VerifyTimeout)
	defer cancel()

	cmd := a.command(verifyCtx, workspacePath, []string{
		"+set_steam_guard_code", code,
		"+login", a.cfg.Username, a.cfg.Password,
		"+quit",
	})

	out, _ := cmd.CombinedOutput()

	var acc lineFlags
	for _, line := range strings.Split(string(out), "\n") {
		scanLine(line, &acc)
	}

	if acc.secondFactor != SecondFactorNone {
		a.session.MarkInvalid()
		return false, acc.secondFactor
	}
	if acc.loginSuccess {
		a.session.MarkVerified()
		return true, SecondFactorNone
	}
	a.session.MarkInvalid()
	return false, SecondFactorNone
}

// terminateGroup sends a graceful signal to the process group, then a hard
// kill after grace if it hasn't exited.
func terminateGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
