package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ternarybob/workshopd/pkg/logbus"
	"github.com/ternarybob/workshopd/pkg/registry"
	"github.com/ternarybob/workshopd/pkg/steamclient"
)

// linearBackOff implements backoff.BackOff with the spec's retry policy:
// delay = base * attempt, capped at maxAttempts attempts in total.
type linearBackOff struct {
	base        time.Duration
	attempt     int
	maxAttempts int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.maxAttempts {
		return backoff.Stop
	}
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// sessionMode decides whether the first Fetch attempt should use a cached
// session, a full login, or anonymous access, following the session-aware
// first-attempt logic: valid cached session -> cached mode; invalid session
// with credentials -> full login, failing the job immediately if a second
// factor is required; no credentials -> anonymous, skipping session
// machinery entirely.
func (o *Orchestrator) sessionMode(ctx context.Context, workspacePath string) (cachedSession bool, failReason, failDetail string, proceed bool) {
	if o.adapter.Anonymous() {
		return false, "", "", true
	}

	if o.adapter.Session().Usable() {
		return true, "", "", true
	}

	ok := o.adapter.VerifySession(ctx, workspacePath)
	if ok {
		return true, "", "", true
	}

	// VerifySession failing without credentials supplied for a second
	// factor means the cached session is gone; the first retry attempt
	// below will perform a full login with the configured password. If
	// that login itself demands a second factor, the outcome classifier
	// reports NeedsSecondFactor and the job fails without further retry.
	return false, "", "", true
}

// runDownloadWithRetry drives the Adapter through the Downloading phase,
// embedding the retry loop for retry-eligible outcomes. Retries do not
// traverse the Job state machine; attemptCount increments and progress
// restarts at zero on each new attempt, but the Job stays in Downloading
// throughout.
func (o *Orchestrator) runDownloadWithRetry(ctx context.Context, jobID, itemID, workspacePath string) (outcome steamclient.Outcome, reason, detail string, ok bool) {
	cachedSession, failReason, failDetail, proceed := o.sessionMode(ctx, workspacePath)
	if !proceed {
		return steamclient.Outcome{}, failReason, failDetail, false
	}

	bo := &linearBackOff{base: o.cfg.RetryBase, maxAttempts: o.cfg.MaxRetryAttempts}

	var last steamclient.Outcome
	var terminalReason, terminalDetail string
	var cleanupErr error
	terminal := false
	attempt := 0

	retryErr := backoff.Retry(func() error {
		if attempt > 0 {
			// A retried attempt must not see a half-written tree left by the
			// previous failure: FindContent could mistake stray partial
			// output for a real success, or the Builder could archive a mix
			// of stale and fresh data. Clean the workspace and recreate it
			// before trying again.
			if err := o.workspace.Dispose(workspacePath, true); err != nil {
				cleanupErr = fmt.Errorf("clean workspace before retry: %w", err)
				return backoff.Permanent(cleanupErr)
			}
			if _, err := o.workspace.Allocate(jobID); err != nil {
				cleanupErr = fmt.Errorf("reallocate workspace before retry: %w", err)
				return backoff.Permanent(cleanupErr)
			}
		}
		attempt++

		o.registry.WithJob(jobID, func(j *registry.Job) {
			j.AttemptCount++
			j.Progress = 0
		})

		last = o.runOneAttempt(ctx, jobID, workspacePath, itemID, cachedSession)
		// Only the first attempt uses cached-session mode; retries always
		// carry credentials (or stay anonymous) since a failed attempt may
		// have invalidated the cached session.
		cachedSession = false

		switch last.Kind {
		case steamclient.OutcomeContentWritten:
			return nil
		case steamclient.OutcomeNeedsSecondFactor:
			terminal, terminalReason, terminalDetail = true, ReasonSecondFactorRequired, "second factor required mid-job"
			return nil
		case steamclient.OutcomeSessionExpired:
			terminal, terminalReason, terminalDetail = true, ReasonSecondFactorRequired, "session expired mid-job"
			return nil
		case steamclient.OutcomeAccessDenied:
			terminal, terminalReason, terminalDetail = true, ReasonAccessDenied, "access denied"
			return nil
		case steamclient.OutcomeNotFound:
			terminal, terminalReason, terminalDetail = true, ReasonNotFound, "item not found"
			return nil
		default:
			// TransientFailure and Timeout are retry-eligible.
			return &retryableError{outcome: last}
		}
	}, backoff.WithContext(bo, ctx))

	if cleanupErr != nil {
		return last, ReasonInternal, cleanupErr.Error(), false
	}
	if terminal {
		return last, terminalReason, terminalDetail, false
	}
	if last.Kind == steamclient.OutcomeContentWritten {
		return last, "", "", true
	}

	if retryErr != nil {
		if last.Kind == steamclient.OutcomeTimeout {
			return last, ReasonTimeout, "fetch deadline exceeded after retries", false
		}
		return last, ReasonTransientFailure, "retries exhausted", false
	}

	return last, ReasonInternal, "retry loop exited without a terminal outcome", false
}

type retryableError struct{ outcome steamclient.Outcome }

func (e *retryableError) Error() string { return "retry-eligible outcome" }

// runOneAttempt invokes the Adapter once, consuming its event stream and
// updating Job progress as events arrive. The last EventOutcome is returned.
func (o *Orchestrator) runOneAttempt(ctx context.Context, jobID, workspacePath, itemID string, cachedSession bool) steamclient.Outcome {
	var outcome steamclient.Outcome

	for ev := range o.adapter.Fetch(ctx, workspacePath, itemID, cachedSession) {
		switch ev.Kind {
		case steamclient.EventOutputLine:
			o.publish(logbus.LevelDebug, "steamclient", ev.Line)
		case steamclient.EventProgressTick:
			progress := 10 + ev.Progress
			if progress > 60 {
				progress = 60
			}
			o.registry.WithJob(jobID, func(j *registry.Job) {
				if progress > j.Progress {
					j.Progress = progress
				}
			})
		case steamclient.EventOutcome:
			outcome = ev.Outcome
		}
	}

	return outcome
}
