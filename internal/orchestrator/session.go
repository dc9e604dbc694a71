package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/surgecast/surgecast/internal/browser"
	"github.com/surgecast/surgecast/internal/intercept"
	"github.com/surgecast/surgecast/internal/variables"
)

// SessionStatus is the lifecycle state of one virtual user.
type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionRunning   SessionStatus = "running"
	SessionStopping  SessionStatus = "stopping"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is one virtual user: a browser instance, its request interceptor,
// and its variable context.
type Session struct {
	id          string
	instance    *browser.Instance
	interceptor *intercept.Interceptor
	vars        *variables.SessionContext

	mu        sync.Mutex
	status    SessionStatus
	startTime time.Time
	endTime   time.Time
	lastErr   error
}

func newSession() *Session {
	return &Session{
		id:        ulid.Make().String(),
		status:    SessionStarting,
		startTime: time.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Status returns the session's current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) setStatus(st SessionStatus) {
	s.mu.Lock()
	s.status = st
	if st == SessionCompleted || st == SessionFailed {
		s.endTime = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.status = SessionFailed
	s.lastErr = err
	s.endTime = time.Now()
	s.mu.Unlock()
}

// stop detaches the interceptor and releases the browser instance back to
// the pool. It is safe to call on a session that never fully started.
func (s *Session) stop(ctx context.Context, pool *browser.Pool) error {
	s.mu.Lock()
	if s.status == SessionCompleted || s.status == SessionFailed {
		s.mu.Unlock()
		return nil
	}
	s.status = SessionStopping
	s.mu.Unlock()

	if s.interceptor != nil {
		s.interceptor.Stop()
	}

	if s.instance != nil {
		if relErr := pool.Release(ctx, s.instance.ID()); relErr != nil {
			err := fmt.Errorf("session %s: release instance: %w", s.id, relErr)
			s.fail(err)
			return err
		}
	}

	s.setStatus(SessionCompleted)
	return nil
}
