// Package obssession issues and validates the bearer tokens that gate
// admin and log-stream access.
package obssession

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is an issued observer session.
type Session struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store holds live observer sessions in memory; there is no external
// persistence for them.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
	ttl      time.Duration
}

// NewStore creates a Store whose issued tokens are valid for ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]Session),
		ttl:      ttl,
	}
}

// Issue creates and stores a new observer session, returning its token.
func (s *Store) Issue() Session {
	now := time.Now()
	sess := Session{
		Token:     uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()

	return sess
}

// Validate reports whether token names a live, unexpired session.
func (s *Store) Validate(token string) bool {
	if token == "" {
		return false
	}

	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	if time.Now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return false
	}
	return true
}

// Sweep removes expired sessions, returning the count removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}
