package confwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/workshopd/internal/config"
)

const baseConfig = `
[steam]
application_id = "480"

[download]
max_concurrent = %d
`

func writeConfig(t *testing.T, path string, maxConcurrent int) {
	t.Helper()
	content := fmt.Sprintf(baseConfig, maxConcurrent)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, 2)

	applied := make(chan *config.Config, 4)
	w, err := New(path, arbor.NewLogger(), func(cfg *config.Config) {
		applied <- cfg
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()
	w.Start()

	writeConfig(t, path, 7)

	select {
	case cfg := <-applied:
		if cfg.Download.MaxConcurrent != 7 {
			t.Fatalf("expected reloaded max_concurrent=7, got %d", cfg.Download.MaxConcurrent)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for config reload")
	}
}

func TestWatcher_SkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, 2)

	applied := make(chan *config.Config, 4)
	w, err := New(path, arbor.NewLogger(), func(cfg *config.Config) {
		applied <- cfg
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()
	w.Start()

	// max_concurrent = 0 fails Validate (requires >= 1), so applyFn must
	// never fire for this write.
	writeConfig(t, path, 0)

	select {
	case cfg := <-applied:
		t.Fatalf("did not expect an invalid config to be applied: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_Stop_StopsObserving(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, 2)

	applied := make(chan *config.Config, 4)
	w, err := New(path, arbor.NewLogger(), func(cfg *config.Config) {
		applied <- cfg
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	w.Stop()

	writeConfig(t, path, 9)

	select {
	case cfg := <-applied:
		t.Fatalf("did not expect reload after Stop: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
