// Package variables provides the per-session variable context used for
// request parameter template substitution.
package variables

import (
	"strconv"
	"sync"
	"time"
)

// Well-known variable names seeded into every session context.
const (
	KeySessionID    = "sessionId"
	KeyTimestamp    = "timestamp"
	KeyRequestCount = "requestCount"
)

// Store defines the interface for a session's variable context.
type Store interface {
	// Set stores a variable with the given key and value.
	Set(key, value string)

	// Get retrieves a variable by key. Returns (value, true) if found,
	// or ("", false) if the key is not present.
	Get(key string) (string, bool)

	// GetAll returns a copy of all stored variables.
	GetAll() map[string]string

	// IncrementRequestCount bumps the per-session request counter and
	// refreshes the timestamp variable.
	IncrementRequestCount() int64

	// Clear removes all stored variables except the seeded ones.
	Clear()
}

// SessionContext is the map-based Store bound to one session. Interception
// callbacks and monitoring read it concurrently, so access is mutex
// protected.
type SessionContext struct {
	mu        sync.Mutex
	sessionID string
	requests  int64
	vars      map[string]string
}

// NewSessionContext creates a Store seeded with the session id, the current
// timestamp, a zero request counter, and any custom variables.
func NewSessionContext(sessionID string, custom map[string]string) *SessionContext {
	s := &SessionContext{
		sessionID: sessionID,
		vars:      make(map[string]string, len(custom)+3),
	}
	for k, v := range custom {
		s.vars[k] = v
	}
	s.vars[KeySessionID] = sessionID
	s.vars[KeyTimestamp] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	s.vars[KeyRequestCount] = "0"
	return s
}

// Set stores a variable with the given key and value.
func (s *SessionContext) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[key] = value
}

// Get retrieves a variable by key.
func (s *SessionContext) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[key]
	return v, ok
}

// GetAll returns a copy of all stored variables.
func (s *SessionContext) GetAll() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// IncrementRequestCount bumps the request counter and refreshes timestamp.
func (s *SessionContext) IncrementRequestCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.vars[KeyRequestCount] = strconv.FormatInt(s.requests, 10)
	s.vars[KeyTimestamp] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.requests
}

// Clear removes all variables, then re-seeds the session id and counters.
func (s *SessionContext) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars = map[string]string{
		KeySessionID:    s.sessionID,
		KeyTimestamp:    strconv.FormatInt(time.Now().UnixMilli(), 10),
		KeyRequestCount: strconv.FormatInt(s.requests, 10),
	}
}
