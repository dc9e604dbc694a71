// Package events provides the typed event stream consumed by external
// observability and export collaborators.
package events

import (
	"sync"
	"time"
)

// Event is implemented by every published event variant.
type Event interface {
	// EventName returns the wire name of the event, e.g. "test-started".
	EventName() string
}

// AlertLevel grades a threshold or resource alert.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// TestStarted is published once when the orchestrator begins a test.
type TestStarted struct {
	TestID    string    `json:"testId"`
	TargetURL string    `json:"targetUrl"`
	StartedAt time.Time `json:"startedAt"`
}

func (TestStarted) EventName() string { return "test-started" }

// RampUpComplete is published when the last session has been started.
type RampUpComplete struct {
	TestID   string `json:"testId"`
	Sessions int    `json:"sessions"`
}

func (RampUpComplete) EventName() string { return "ramp-up-complete" }

// MonitoringUpdate carries a periodic aggregated snapshot.
type MonitoringUpdate struct {
	Snapshot any `json:"snapshot"`
}

func (MonitoringUpdate) EventName() string { return "monitoring-update" }

// SessionFailed is published when a session fails to start or complete.
type SessionFailed struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

func (SessionFailed) EventName() string { return "session-failed" }

// TestCompleted carries the final aggregated result structure.
type TestCompleted struct {
	Results any `json:"results"`
}

func (TestCompleted) EventName() string { return "test-completed" }

// ResourceAlert is published when an instance or the pool crosses a
// resource threshold.
type ResourceAlert struct {
	Level      AlertLevel `json:"level"`
	Resource   string     `json:"resource"`
	InstanceID string     `json:"instanceId,omitempty"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Limit      float64    `json:"limit"`
}

func (ResourceAlert) EventName() string { return "resource-alert" }

// InstanceRestarted is published after the pool replaces a disconnected
// instance.
type InstanceRestarted struct {
	OldInstanceID string `json:"oldInstanceId"`
	NewInstanceID string `json:"newInstanceId,omitempty"`
	Success       bool   `json:"success"`
}

func (InstanceRestarted) EventName() string { return "instance-restarted" }

// Bus fans events out to subscribers. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted.
type Bus struct {
	mu      sync.Mutex
	subs    []chan Event
	dropped int64
	closed  bool
	bufSize int
}

// NewBus creates a Bus whose subscriber channels buffer bufSize events.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{bufSize: bufSize}
}

// Subscribe registers a new subscriber and returns its receive channel.
// The channel is closed when the bus is closed.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events were discarded due to full subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
