package steamclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

// writeFakeTool writes an executable shell script that stands in for the
// real external client, emitting the given lines and optionally dropping a
// file under workspacePath/steamapps/workshop/content/<appId>/<itemId>.
func writeFakeTool(t *testing.T, lines []string, dropContent bool) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-steamcmd.sh")

	script := "#!/bin/sh\n"
	for _, l := range lines {
		script += fmt.Sprintf("echo '%s'\n", l)
	}
	if dropContent {
		script += `mkdir -p "$(pwd)/steamapps/workshop/content/480/123"` + "\n"
		script += `echo data > "$(pwd)/steamapps/workshop/content/480/123/item.bin"` + "\n"
	}
	script += "exit 0\n"

	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func newTestAdapter(t *testing.T, binary string, locator ContentLocator) *Adapter {
	t.Helper()
	return NewAdapter(Config{
		BinaryPath:         binary,
		ApplicationID:      "480",
		Username:           "tester",
		Password:           "secret",
		CredentialStoreDir: t.TempDir(),
		SessionCacheWindow: time.Minute,
		VerifyTimeout:      5 * time.Second,
		FetchTimeout:       5 * time.Second,
		TerminationGrace:   time.Second,
	}, locator, arbor.NewLogger())
}

func realLocator(t *testing.T) ContentLocator {
	t.Helper()
	return func(workspacePath, appID, itemID string) (string, bool, bool) {
		candidate := filepath.Join(workspacePath, "steamapps", "workshop", "content", appID, itemID)
		if entries, err := os.ReadDir(candidate); err == nil && len(entries) > 0 {
			return candidate, false, true
		}
		return "", false, false
	}
}

func drainFetch(t *testing.T, a *Adapter, ctx context.Context, workspacePath, itemID string, cachedSession bool) Outcome {
	t.Helper()
	var outcome Outcome
	for ev := range a.Fetch(ctx, workspacePath, itemID, cachedSession) {
		if ev.Kind == EventOutcome {
			outcome = ev.Outcome
		}
	}
	return outcome
}

func TestFetch_SuccessWithContentOnDisk(t *testing.T) {
	bin := writeFakeTool(t, []string{"Logged in OK", "downloading item..."}, true)
	a := newTestAdapter(t, bin, realLocator(t))
	ws := t.TempDir()

	outcome := drainFetch(t, a, context.Background(), ws, "123", false)
	if outcome.Kind != OutcomeContentWritten {
		t.Fatalf("expected OutcomeContentWritten, got %v (%s)", outcome.Kind, outcome.Detail)
	}
	if !a.Session().Usable() {
		t.Fatalf("expected session to be marked usable after a successful login")
	}
}

func TestFetch_SecondFactorPromptMarksSessionInvalid(t *testing.T) {
	bin := writeFakeTool(t, []string{"Steam Guard code"}, false)
	a := newTestAdapter(t, bin, realLocator(t))
	ws := t.TempDir()

	outcome := drainFetch(t, a, context.Background(), ws, "123", false)
	if outcome.Kind != OutcomeNeedsSecondFactor {
		t.Fatalf("expected OutcomeNeedsSecondFactor, got %v", outcome.Kind)
	}
	if outcome.SecondFactorKind != SecondFactorEmail {
		t.Fatalf("expected SecondFactorEmail, got %v", outcome.SecondFactorKind)
	}
	if a.Session().Usable() {
		t.Fatalf("expected session to be invalidated")
	}
}

func TestFetch_ApparentSuccessWithNoContentIsTransient(t *testing.T) {
	bin := writeFakeTool(t, []string{"Logged in OK"}, false)
	a := newTestAdapter(t, bin, realLocator(t))
	ws := t.TempDir()

	outcome := drainFetch(t, a, context.Background(), ws, "123", false)
	if outcome.Kind != OutcomeTransientFailure {
		t.Fatalf("expected OutcomeTransientFailure, got %v", outcome.Kind)
	}
}

func TestFetch_RootFallbackOnlyIsNotAConfirmedSuccess(t *testing.T) {
	bin := writeFakeTool(t, []string{"Logged in OK"}, false)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "stray.bin"), []byte("x"), 0644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	rootFallbackLocator := func(workspacePath, appID, itemID string) (string, bool, bool) {
		return workspacePath, true, true
	}
	a := newTestAdapter(t, bin, rootFallbackLocator)

	outcome := drainFetch(t, a, context.Background(), ws, "123", false)
	if outcome.Kind != OutcomeTransientFailure {
		t.Fatalf("expected a root-fallback-only match to be treated as not found, got %v", outcome.Kind)
	}
}

func TestFetch_AnonymousSkipsCredentials(t *testing.T) {
	bin := writeFakeTool(t, []string{"Logged in OK"}, true)
	a := NewAdapter(Config{
		BinaryPath:       bin,
		ApplicationID:    "480",
		FetchTimeout:     5 * time.Second,
		TerminationGrace: time.Second,
	}, realLocator(t), arbor.NewLogger())

	if !a.Anonymous() {
		t.Fatalf("expected adapter with no username to be anonymous")
	}

	outcome := drainFetch(t, a, context.Background(), t.TempDir(), "123", false)
	if outcome.Kind != OutcomeContentWritten {
		t.Fatalf("expected anonymous fetch to succeed, got %v", outcome.Kind)
	}
}

func TestVerifySession_SuccessAndFailure(t *testing.T) {
	okBin := writeFakeTool(t, []string{"Logged in OK"}, false)
	a := newTestAdapter(t, okBin, realLocator(t))
	if !a.VerifySession(context.Background(), t.TempDir()) {
		t.Fatalf("expected VerifySession to succeed on a clean login")
	}

	failBin := writeFakeTool(t, []string{"Invalid Password"}, false)
	b := newTestAdapter(t, failBin, realLocator(t))
	if b.VerifySession(context.Background(), t.TempDir()) {
		t.Fatalf("expected VerifySession to fail on an expired session")
	}
}
