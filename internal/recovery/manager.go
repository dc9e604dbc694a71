// Package recovery tracks per-instance failure history and decides whether
// a browser instance may be used or restarted. It knows nothing about
// browsers: callers feed it failure/success/restart observations and query
// pure decisions.
package recovery

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/surgecast/surgecast/internal/config"
)

// CircuitState is the breaker state for one instance.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// maxRestarts is the lifetime restart budget before an instance is
// blacklisted outright.
const maxRestarts = 10

// CircuitRecord is the failure bookkeeping for one instance id.
type CircuitRecord struct {
	FailureCount        int
	ConsecutiveFailures int
	LastFailureTime     time.Time
	TotalRestarts       int
	Blacklisted         bool
	BlacklistUntil      time.Time
	BlacklistReason     string
	State               CircuitState

	halfOpenSuccesses int
	lastUpdated       time.Time
}

// Manager owns the circuit-breaker and blacklist state for all instances.
type Manager struct {
	mu      sync.Mutex
	cfg     config.RecoveryConfig
	records map[string]*CircuitRecord
	logger  *log.Logger
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the operational logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// cleanupInterval is how often stale tracking entries are purged.
const cleanupInterval = 60 * time.Second

// NewManager creates a Manager and starts its periodic cleanup loop.
// Close must be called to stop the loop.
func NewManager(cfg config.RecoveryConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		records: make(map[string]*CircuitRecord),
		logger:  log.New(os.Stderr, "recovery: ", log.LstdFlags),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupLoop()
	return m
}

// Close stops the cleanup loop.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stop) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Cleanup purges tracking entries older than the monitoring window that are
// not blacklisted and have no consecutive failures on record.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.MonitoringWindow)
	removed := 0
	for id, rec := range m.records {
		if rec.Blacklisted || rec.ConsecutiveFailures > 0 {
			continue
		}
		if rec.lastUpdated.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) record(id string) *CircuitRecord {
	rec, ok := m.records[id]
	if !ok {
		rec = &CircuitRecord{State: CircuitClosed, lastUpdated: m.now()}
		m.records[id] = rec
	}
	return rec
}

// RecordFailure registers a failure for the instance. Reaching the failure
// threshold of consecutive failures opens the circuit; a failure while
// half-open reopens it immediately.
func (m *Manager) RecordFailure(id string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(id)
	now := m.now()

	rec.FailureCount++
	rec.ConsecutiveFailures++
	rec.LastFailureTime = now
	rec.lastUpdated = now
	rec.halfOpenSuccesses = 0

	switch rec.State {
	case CircuitHalfOpen:
		rec.State = CircuitOpen
		m.logger.Printf("instance %s: half-open probe failed, circuit reopened: %v", id, cause)
	case CircuitClosed:
		if rec.ConsecutiveFailures >= m.cfg.FailureThreshold {
			rec.State = CircuitOpen
			m.logger.Printf("instance %s: circuit opened after %d consecutive failures", id, rec.ConsecutiveFailures)
		}
	}
}

// RecordSuccess registers a successful use of the instance. While half-open,
// accumulating the success threshold closes the circuit.
func (m *Manager) RecordSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(id)
	rec.lastUpdated = m.now()
	rec.ConsecutiveFailures = 0
	m.countSuccessLocked(id, rec)
}

// RecordRestart registers a restart attempt outcome. A successful restart
// counts as one half-open success event; the pool calls only RecordRestart
// for a restart, never RecordSuccess as well, so an attempt is never
// double counted.
func (m *Manager) RecordRestart(id string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(id)
	now := m.now()
	rec.TotalRestarts++
	rec.lastUpdated = now
	if success {
		rec.ConsecutiveFailures = 0
		m.countSuccessLocked(id, rec)
		return
	}
	rec.FailureCount++
	rec.ConsecutiveFailures++
	rec.LastFailureTime = now
	if rec.State == CircuitHalfOpen {
		rec.State = CircuitOpen
	}
}

func (m *Manager) countSuccessLocked(id string, rec *CircuitRecord) {
	if rec.State != CircuitHalfOpen {
		return
	}
	rec.halfOpenSuccesses++
	if rec.halfOpenSuccesses >= m.cfg.SuccessThreshold {
		rec.State = CircuitClosed
		rec.halfOpenSuccesses = 0
		m.logger.Printf("instance %s: circuit closed after recovery", id)
	}
}

// CanUseInstance reports whether the instance may serve a session right now.
// Blacklist expiry is cleared lazily on this call; an open circuit whose
// recovery timeout has elapsed transitions to half-open and is allowed one
// probe.
func (m *Manager) CanUseInstance(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return true
	}
	now := m.now()

	if rec.Blacklisted {
		if now.Before(rec.BlacklistUntil) {
			return false
		}
		rec.Blacklisted = false
		rec.BlacklistUntil = time.Time{}
		rec.BlacklistReason = ""
		rec.lastUpdated = now
		m.logger.Printf("instance %s: blacklist expired", id)
	}

	switch rec.State {
	case CircuitOpen:
		if now.Sub(rec.LastFailureTime) >= m.cfg.RecoveryTimeout {
			rec.State = CircuitHalfOpen
			rec.halfOpenSuccesses = 0
			rec.lastUpdated = now
			return true
		}
		return false
	default:
		return true
	}
}

// ShouldRestartInstance decides whether the pool should attempt an automatic
// restart after a disconnect. Chronic failure blacklists the instance.
func (m *Manager) ShouldRestartInstance(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false
	}
	if rec.Blacklisted {
		return false
	}
	if rec.ConsecutiveFailures >= 2*m.cfg.FailureThreshold {
		m.blacklistLocked(id, rec, fmt.Sprintf("%d consecutive failures", rec.ConsecutiveFailures))
		return false
	}
	if rec.TotalRestarts >= maxRestarts {
		m.blacklistLocked(id, rec, fmt.Sprintf("restart budget exhausted (%d restarts)", rec.TotalRestarts))
		return false
	}
	return rec.ConsecutiveFailures > 0
}

func (m *Manager) blacklistLocked(id string, rec *CircuitRecord, reason string) {
	now := m.now()
	rec.Blacklisted = true
	rec.BlacklistUntil = now.Add(3 * m.cfg.RecoveryTimeout)
	rec.BlacklistReason = reason
	rec.lastUpdated = now
	m.logger.Printf("instance %s: blacklisted until %s: %s", id, rec.BlacklistUntil.Format(time.RFC3339), reason)
}

// Record returns a snapshot of the tracking entry for the instance.
func (m *Manager) Record(id string) (CircuitRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return CircuitRecord{}, false
	}
	return *rec, true
}

// Tracked returns how many instances currently have tracking entries.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
