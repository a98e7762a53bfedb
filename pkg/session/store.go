// Package session provides an in-memory store of time-boxed authorization
// sessions. Each session grants access to a named set of services and is
// evicted lazily once its TTL elapses.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTLMinutes is applied when a caller requests a zero TTL.
	DefaultTTLMinutes = 30
	// MinTTLMinutes is the floor for session lifetimes.
	MinTTLMinutes = 1
	// MaxTTLMinutes is the ceiling for session lifetimes (8 hours).
	MaxTTLMinutes = 480
)

// Session grants time-limited access to a set of services. Values returned
// by the store are copies; mutating them has no effect on the store.
type Session struct {
	ID        string
	Services  []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// HasService reports whether the session grants access to a service.
func (s Session) HasService(service string) bool {
	for _, svc := range s.Services {
		if svc == service {
			return true
		}
	}
	return false
}

// Expired reports whether the session's TTL has elapsed.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Remaining returns the time left until expiry, floored at zero.
func (s Session) Remaining(now time.Time) time.Duration {
	if remaining := s.ExpiresAt.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Info is a summary of an active session for diagnostics.
type Info struct {
	ID               string    `json:"session_id"`
	Services         []string  `json:"services"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	MinutesRemaining int       `json:"minutes_remaining"`
}

// Store is a thread-safe in-memory session store. Expired sessions are
// removed lazily on access; Sweep exists for long-lived processes that
// want to reclaim memory for sessions nobody touches again.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// ClampTTL bounds a requested TTL to [MinTTLMinutes, MaxTTLMinutes],
// substituting the default for zero or negative input.
func ClampTTL(ttlMinutes int) int {
	if ttlMinutes <= 0 {
		return DefaultTTLMinutes
	}
	if ttlMinutes < MinTTLMinutes {
		return MinTTLMinutes
	}
	if ttlMinutes > MaxTTLMinutes {
		return MaxTTLMinutes
	}
	return ttlMinutes
}

// Create stores a new session granting access to the given services. The
// TTL is clamped so every caller gets the same bounds. The service list is
// copied; the store never shares a slice with the caller.
func (s *Store) Create(services []string, ttlMinutes int) Session {
	ttlMinutes = ClampTTL(ttlMinutes)
	now := s.now()

	sess := Session{
		ID:        uuid.NewString(),
		Services:  append([]string(nil), services...),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlMinutes) * time.Minute),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess
}

// Get returns a copy of the session if it exists and has not expired.
// Expired sessions are deleted as a side effect.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	if sess.Expired(s.now()) {
		delete(s.sessions, id)
		return Session{}, false
	}

	sess.Services = append([]string(nil), sess.Services...)
	return sess, true
}

// Revoke deletes a session unconditionally, reporting whether it existed.
func (s *Store) Revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		return true
	}
	return false
}

// HasService reports whether a valid session grants access to a service.
// Absent and expired sessions report false.
func (s *Store) HasService(id, service string) bool {
	sess, ok := s.Get(id)
	if !ok {
		return false
	}
	return sess.HasService(service)
}

// Count returns the number of unexpired sessions. Expired entries that
// have not yet been evicted do not count.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for _, sess := range s.sessions {
		if !sess.Expired(now) {
			count++
		}
	}
	return count
}

// Sweep removes all expired sessions and returns how many were removed.
// Lazy eviction keeps the store correct without it; Sweep only reclaims
// memory.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// List returns summaries of all active sessions.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	infos := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Expired(now) {
			continue
		}
		infos = append(infos, Info{
			ID:               sess.ID,
			Services:         append([]string(nil), sess.Services...),
			CreatedAt:        sess.CreatedAt,
			ExpiresAt:        sess.ExpiresAt,
			MinutesRemaining: int(sess.Remaining(now).Minutes()),
		})
	}
	return infos
}
