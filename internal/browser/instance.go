package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of a pooled instance.
type State int

const (
	StateIdle State = iota
	StateActive
	// StateCleaning marks an idle instance claimed by the resource monitor
	// or idle sweep. It cannot be acquired until set back to idle.
	StateCleaning
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCleaning:
		return "cleaning"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// InstanceMetrics tracks resource and traffic statistics for one instance.
type InstanceMetrics struct {
	mu           sync.Mutex
	memoryMB     float64
	cpuPercent   float64
	cpuSeconds   float64
	requestCount int64
	errorCount   int64
}

// MetricsSnapshot is a consistent copy of an instance's metrics.
type MetricsSnapshot struct {
	InstanceID   string    `json:"instanceId"`
	State        string    `json:"state"`
	MemoryMB     float64   `json:"memoryMb"`
	CPUPercent   float64   `json:"cpuPercent"`
	RequestCount int64     `json:"requestCount"`
	ErrorCount   int64     `json:"errorCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}

// SetUsage stores a resource sample, deriving CPU percent from the delta of
// cumulative CPU seconds over the sampling interval.
func (m *InstanceMetrics) SetUsage(u ResourceUsage, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryMB = u.MemoryMB
	if interval > 0 && m.cpuSeconds > 0 && u.CPUSeconds >= m.cpuSeconds {
		m.cpuPercent = (u.CPUSeconds - m.cpuSeconds) / interval.Seconds() * 100
	}
	m.cpuSeconds = u.CPUSeconds
}

// IncrementRequests bumps the per-instance request counter.
func (m *InstanceMetrics) IncrementRequests() {
	m.mu.Lock()
	m.requestCount++
	m.mu.Unlock()
}

// IncrementErrors bumps the per-instance error counter.
func (m *InstanceMetrics) IncrementErrors() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
}

// ResetRequests zeroes the request counter. Done on release so a reused
// instance starts its next session clean.
func (m *InstanceMetrics) ResetRequests() {
	m.mu.Lock()
	m.requestCount = 0
	m.mu.Unlock()
}

// MemoryMB returns the last sampled memory use.
func (m *InstanceMetrics) MemoryMB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryMB
}

// CPUPercent returns the last derived CPU percentage.
func (m *InstanceMetrics) CPUPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpuPercent
}

// RequestCount returns the current request counter.
func (m *InstanceMetrics) RequestCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// Instance is one pooled browser. It is owned exclusively by the Pool and
// bound to at most one session at a time.
type Instance struct {
	id     string
	driver Driver

	mu         sync.Mutex
	state      State
	createdAt  time.Time
	lastUsedAt time.Time

	metrics *InstanceMetrics
}

func newInstance(driver Driver) *Instance {
	now := time.Now()
	return &Instance{
		id:         ulid.Make().String(),
		driver:     driver,
		state:      StateIdle,
		createdAt:  now,
		lastUsedAt: now,
		metrics:    &InstanceMetrics{},
	}
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Driver exposes the underlying browser capability to the bound session.
func (i *Instance) Driver() Driver { return i.driver }

// Metrics returns the live metrics tracker.
func (i *Instance) Metrics() *InstanceMetrics { return i.metrics }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Touch refreshes the last-used timestamp.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastUsedAt = time.Now()
	i.mu.Unlock()
}

// LastUsedAt returns when the instance last served a session.
func (i *Instance) LastUsedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsedAt
}

// CreatedAt returns when the instance was created.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// cleanup resets the instance between sessions: blank page, cleared
// cookies/permissions/storage, zeroed request counter.
func (i *Instance) cleanup(ctx context.Context) error {
	if err := i.driver.ClearBrowsingData(ctx); err != nil {
		return fmt.Errorf("clear browsing data: %w", err)
	}
	i.metrics.ResetRequests()
	return nil
}

// aggressiveCleanup recreates the page and hints the JS VM to collect
// garbage. Used when an idle instance exceeds the soft memory threshold.
func (i *Instance) aggressiveCleanup(ctx context.Context) error {
	if err := i.driver.RecreatePage(ctx); err != nil {
		return fmt.Errorf("recreate page: %w", err)
	}
	if err := i.driver.HintGC(ctx); err != nil {
		return fmt.Errorf("gc hint: %w", err)
	}
	return nil
}

// destroy closes the browser and marks the instance terminal.
func (i *Instance) destroy(ctx context.Context) error {
	i.setState(StateDestroyed)
	return i.driver.Close(ctx)
}

// MetricsSnapshot returns a point-in-time copy for reporting.
func (i *Instance) MetricsSnapshot() MetricsSnapshot {
	i.mu.Lock()
	state := i.state
	created := i.createdAt
	lastUsed := i.lastUsedAt
	i.mu.Unlock()

	i.metrics.mu.Lock()
	defer i.metrics.mu.Unlock()
	return MetricsSnapshot{
		InstanceID:   i.id,
		State:        state.String(),
		MemoryMB:     i.metrics.memoryMB,
		CPUPercent:   i.metrics.cpuPercent,
		RequestCount: i.metrics.requestCount,
		ErrorCount:   i.metrics.errorCount,
		CreatedAt:    created,
		LastUsedAt:   lastUsed,
	}
}
