package browser

import (
	"context"
	"testing"
	"time"
)

func TestInstanceMetricsCPUDerivation(t *testing.T) {
	m := &InstanceMetrics{}

	// First sample only seeds the cumulative counter.
	m.SetUsage(ResourceUsage{MemoryMB: 100, CPUSeconds: 10}, 5*time.Second)
	if got := m.CPUPercent(); got != 0 {
		t.Errorf("CPUPercent = %f after first sample, want 0", got)
	}

	// 2.5 CPU-seconds over a 5s interval is 50%.
	m.SetUsage(ResourceUsage{MemoryMB: 120, CPUSeconds: 12.5}, 5*time.Second)
	if got := m.CPUPercent(); got != 50 {
		t.Errorf("CPUPercent = %f, want 50", got)
	}
	if got := m.MemoryMB(); got != 120 {
		t.Errorf("MemoryMB = %f, want 120", got)
	}
}

func TestInstanceCleanupResetsRequests(t *testing.T) {
	driver := &stubDriver{}
	inst := newInstance(driver)

	inst.Metrics().IncrementRequests()
	inst.Metrics().IncrementRequests()
	if err := inst.cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup() error = %v", err)
	}

	if got := inst.Metrics().RequestCount(); got != 0 {
		t.Errorf("RequestCount = %d after cleanup, want 0", got)
	}
	driver.mu.Lock()
	cleanups := driver.cleanups
	driver.mu.Unlock()
	if cleanups != 1 {
		t.Errorf("ClearBrowsingData calls = %d, want 1", cleanups)
	}
}

func TestDestroyMarksTerminal(t *testing.T) {
	driver := &stubDriver{}
	inst := newInstance(driver)

	if err := inst.destroy(context.Background()); err != nil {
		t.Fatalf("destroy() error = %v", err)
	}
	if inst.State() != StateDestroyed {
		t.Errorf("State = %s, want destroyed", inst.State())
	}

	snap := inst.MetricsSnapshot()
	if snap.State != "destroyed" || snap.InstanceID != inst.ID() {
		t.Errorf("MetricsSnapshot = %+v", snap)
	}
}
