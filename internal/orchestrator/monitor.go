package orchestrator

import (
	"context"
	"time"

	"github.com/surgecast/surgecast/internal/browser"
	"github.com/surgecast/surgecast/internal/events"
	"github.com/surgecast/surgecast/internal/threshold"
)

const (
	monitorInterval = 2 * time.Second
	rpsWindow       = 10 * time.Second
	latencyWindow   = 30 * time.Second
)

// Snapshot is one periodic monitoring sample published on the event bus.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	TestID    string    `json:"testId"`

	ActiveSessions  int `json:"activeSessions"`
	StartingSession int `json:"startingSessions"`
	FailedSessions  int `json:"failedSessions"`

	Pool browser.PoolStats `json:"pool"`

	RequestsPerSec float64 `json:"requestsPerSec"`
	AvgResponseMs  float64 `json:"avgResponseMs"`

	MemoryUtilizationPct   float64 `json:"memoryUtilizationPct"`
	CPUUtilizationPct      float64 `json:"cpuUtilizationPct"`
	InstanceUtilizationPct float64 `json:"instanceUtilizationPct"`

	Alerts []threshold.Alert `json:"alerts,omitempty"`
}

func (o *Orchestrator) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.publishSnapshot()
		}
	}
}

func (o *Orchestrator) publishSnapshot() {
	snap := Snapshot{
		Timestamp: time.Now(),
		TestID:    o.testID,
		Pool:      o.pool.Stats(),
	}

	for _, sess := range o.snapshotSessions() {
		switch sess.Status() {
		case SessionRunning:
			snap.ActiveSessions++
		case SessionStarting:
			snap.StartingSession++
		case SessionFailed:
			snap.FailedSessions++
		}
	}

	snap.RequestsPerSec = o.collector.RollingRate(rpsWindow)
	avgLatency := o.collector.RecentAvgLatency(latencyWindow)
	snap.AvgResponseMs = float64(avgLatency) / float64(time.Millisecond)

	snap.MemoryUtilizationPct, snap.CPUUtilizationPct = o.peakInstanceUtilization()
	limits := o.cfg.Pool.ResourceLimits
	if limits.MaxConcurrentInstances > 0 {
		snap.InstanceUtilizationPct = float64(snap.Pool.Total) / float64(limits.MaxConcurrentInstances) * 100
	}

	snap.Alerts = threshold.Evaluate(threshold.Input{
		MemoryPct:         snap.MemoryUtilizationPct,
		CPUPct:            snap.CPUUtilizationPct,
		InstancePct:       snap.InstanceUtilizationPct,
		RecentAvgResponse: avgLatency,
	})
	for _, a := range snap.Alerts {
		o.bus.Publish(events.ResourceAlert{
			Level:    a.Level,
			Resource: a.Resource,
			Message:  a.Message,
			Value:    a.Value,
			Limit:    a.Limit,
		})
	}

	o.bus.Publish(events.MonitoringUpdate{Snapshot: snap})
}

// peakInstanceUtilization reports the worst instance's memory and CPU use
// as a percentage of the configured per-instance limits. Negative values
// mean the limit is unset and the dimension is skipped by the evaluator.
func (o *Orchestrator) peakInstanceUtilization() (memPct, cpuPct float64) {
	memPct, cpuPct = -1, -1
	limits := o.cfg.Pool.ResourceLimits

	for _, m := range o.pool.MetricsSnapshots() {
		if limits.MaxMemoryPerInstanceMB > 0 {
			pct := m.MemoryMB / limits.MaxMemoryPerInstanceMB * 100
			if pct > memPct {
				memPct = pct
			}
		}
		if limits.MaxCPUPercentage > 0 {
			pct := m.CPUPercent / limits.MaxCPUPercentage * 100
			if pct > cpuPct {
				cpuPct = pct
			}
		}
	}
	return memPct, cpuPct
}
