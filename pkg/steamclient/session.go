package steamclient

import (
	"sync"
	"time"
)

// SessionState models the Adapter's cached-login lazy object as an explicit
// state rather than a boolean plus scattered timestamps.
type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionVerified
	SessionInvalid
)

func (s SessionState) String() string {
	switch s {
	case SessionVerified:
		return "verified"
	case SessionInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Session is the process-wide, Adapter-owned object governing whether jobs
// can run without re-prompting for a second factor.
type Session struct {
	mu             sync.RWMutex
	username       string
	state          SessionState
	lastVerifiedAt time.Time
	cacheWindow    time.Duration
}

// NewSession constructs a Session in the Unknown state.
func NewSession(username string, cacheWindow time.Duration) *Session {
	return &Session{
		username:    username,
		state:       SessionUnknown,
		cacheWindow: cacheWindow,
	}
}

// Usable reports whether the session may be trusted without a fresh
// verify() call: it must be Verified and within the caching window.
func (s *Session) Usable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == SessionVerified && time.Since(s.lastVerifiedAt) < s.cacheWindow
}

// MarkVerified transitions the session to Verified, resetting the cache
// window clock. Called after an Adapter invocation observes a login-success
// marker with no second-factor prompt.
func (s *Session) MarkVerified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionVerified
	s.lastVerifiedAt = time.Now()
}

// MarkInvalid transitions the session to Invalid. Called when the Adapter
// observes any re-auth signal (expired login, second-factor prompt) during
// a fetch.
func (s *Session) MarkInvalid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionInvalid
}

// State returns the current state for diagnostics/testing.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
