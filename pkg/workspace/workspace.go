// Package workspace allocates, locates, and disposes of the on-disk scratch
// space used by each download job.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
)

// Manager owns every job's temporary tree under a single root directory.
type Manager struct {
	root   string
	logger arbor.ILogger
}

// NewManager creates a Manager rooted at root, creating the directory if
// necessary.
func NewManager(root string, logger arbor.ILogger) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root, logger: logger}, nil
}

// Allocate creates (idempotently) the workspace directory for jobID and
// returns its path.
func (m *Manager) Allocate(jobID string) (string, error) {
	path := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("allocate workspace %s: %w", jobID, err)
	}
	return path, nil
}

// fallbackSuffixes lists the non-canonical layouts to try, in decreasing
// order of plausibility, after the canonical steamapps layout fails.
var fallbackSuffixes = []string{
	"workshop/content/{appId}/{itemId}",
	"content/{appId}/{itemId}",
	"{itemId}",
}

// FindContent locates the produced content directory under workspacePath,
// trying the canonical steam layout first and then a list of fallback
// layouts of decreasing plausibility. The last fallback tried is the
// workspace root itself; a match there alone is reported via
// rootFallbackOnly so the caller can reject it per its own policy rather
// than silently archiving the whole workspace.
func (m *Manager) FindContent(workspacePath, appID, itemID string) (path string, rootFallbackOnly bool, found bool) {
	canonical := filepath.Join(workspacePath, "steamapps", "workshop", "content", appID, itemID)
	if nonEmptyDir(canonical) {
		return canonical, false, true
	}

	for _, suffix := range fallbackSuffixes {
		rel := strings.NewReplacer("{appId}", appID, "{itemId}", itemID).Replace(suffix)
		candidate := filepath.Join(workspacePath, filepath.FromSlash(rel))
		if nonEmptyDir(candidate) {
			return candidate, false, true
		}
	}

	if nonEmptyDir(workspacePath) {
		return workspacePath, true, true
	}

	return "", false, false
}

func nonEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// Dispose removes the workspace tree. force is accepted for callers that
// want to log the reason for a non-graceful removal (timeout, cancellation)
// but disposal semantics are identical either way: best-effort RemoveAll.
func (m *Manager) Dispose(workspacePath string, force bool) error {
	if workspacePath == "" {
		return nil
	}
	if err := os.RemoveAll(workspacePath); err != nil {
		if m.logger != nil {
			m.logger.Warn().Err(err).Str("workspace", workspacePath).Bool("force", force).
				Msg("failed to dispose workspace")
		}
		return fmt.Errorf("dispose workspace %s: %w", workspacePath, err)
	}
	return nil
}

// SweepAll removes every pre-existing workspace directory under the root.
// Called unconditionally on process startup, since active jobs are
// considered lost across restarts.
func (m *Manager) SweepAll() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workspace root: %w", err)
	}

	for _, entry := range entries {
		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			if m.logger != nil {
				m.logger.Warn().Err(err).Str("path", path).Msg("failed to sweep stale workspace")
			}
			continue
		}
	}
	return nil
}
