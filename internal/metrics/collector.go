package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// CategoryStats aggregates the responses observed for one traffic category.
type CategoryStats struct {
	Count          int64         `json:"count"`
	Failures       int64         `json:"failures"`
	AvgLatency     time.Duration `json:"-"`
	AvgLatencyMs   float64       `json:"avg_latency_ms"`
	TotalBytes     int64         `json:"total_bytes"`
	P95LatencyMs   float64       `json:"p95_latency_ms"`
	sumLatency     time.Duration
	hist           *hdrhistogram.Histogram
}

// Collector records network metrics across all sessions in a thread-safe
// manner and answers monitoring queries over a trailing window.
type Collector struct {
	mu           sync.Mutex
	hist         *hdrhistogram.Histogram
	successes    int64
	failures     int64
	minLatency   time.Duration
	maxLatency   time.Duration
	sumLatency   time.Duration
	totalBytes   int64
	errorsByType map[string]int64
	byCategory   map[Category]*CategoryStats
	recent       []sample
	start        time.Time
}

type sample struct {
	at      time.Time
	latency time.Duration
}

// Stats represents aggregated metrics.
type Stats struct {
	Total          int64         `json:"total"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	MinLatency     time.Duration `json:"-"`
	MaxLatency     time.Duration `json:"-"`
	MeanLatency    time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P90Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	Duration       time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	TotalBytes     int64         `json:"total_bytes"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64        `json:"min_latency_ms"`
	MaxLatencyMs  float64        `json:"max_latency_ms"`
	MeanLatencyMs float64        `json:"mean_latency_ms"`
	P50LatencyMs  float64        `json:"p50_latency_ms"`
	P90LatencyMs  float64        `json:"p90_latency_ms"`
	P99LatencyMs  float64        `json:"p99_latency_ms"`
	DurationMs    float64        `json:"duration_ms"`
	Errors        map[string]int `json:"errors,omitempty"`
}

func newHistogram() *hdrhistogram.Histogram {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	return hdrhistogram.New(1, 60_000_000, 3)
}

func NewCollector() *Collector {
	return &Collector{
		hist:         newHistogram(),
		errorsByType: make(map[string]int64),
		byCategory:   make(map[Category]*CategoryStats),
		start:        time.Now(),
	}
}

// Record stores one network metric observation.
func (c *Collector) Record(m NetworkMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latency := m.ResponseTime
	if latency > 0 {
		us := latency.Microseconds()
		if us < c.hist.LowestTrackableValue() {
			us = c.hist.LowestTrackableValue()
		}
		if us > c.hist.HighestTrackableValue() {
			us = c.hist.HighestTrackableValue()
		}
		_ = c.hist.RecordValue(us)
	}
	c.sumLatency += latency

	if c.minLatency == 0 || latency < c.minLatency {
		c.minLatency = latency
	}
	if latency > c.maxLatency {
		c.maxLatency = latency
	}

	if m.Success() {
		c.successes++
	} else {
		c.failures++
	}
	c.totalBytes += m.ResponseSize

	at := m.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	c.recent = append(c.recent, sample{at: at, latency: latency})
	c.pruneLocked(at)

	cs, ok := c.byCategory[m.Category]
	if !ok {
		cs = &CategoryStats{hist: newHistogram()}
		c.byCategory[m.Category] = cs
	}
	cs.Count++
	if !m.Success() {
		cs.Failures++
	}
	cs.TotalBytes += m.ResponseSize
	cs.sumLatency += latency
	if latency > 0 {
		_ = cs.hist.RecordValue(clampMicros(cs.hist, latency))
	}
}

// RecordError records a request that failed without producing a response.
func (c *Collector) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	errorType := fmt.Sprintf("%T", err)
	if len(errorType) > 30 {
		errorType = errorType[len(errorType)-30:]
	}
	c.errorsByType[errorType]++
}

func clampMicros(h *hdrhistogram.Histogram, d time.Duration) int64 {
	us := d.Microseconds()
	if us < h.LowestTrackableValue() {
		return h.LowestTrackableValue()
	}
	if us > h.HighestTrackableValue() {
		return h.HighestTrackableValue()
	}
	return us
}

// retention bounds the rolling sample buffer; monitoring windows are
// shorter than this.
const retention = 60 * time.Second

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(c.recent) && c.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.recent = append(c.recent[:0], c.recent[i:]...)
	}
}

// RollingRate returns requests per second over the trailing window.
func (c *Collector) RollingRate(window time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.pruneLocked(now)
	cutoff := now.Add(-window)
	n := 0
	for _, s := range c.recent {
		if !s.at.Before(cutoff) {
			n++
		}
	}
	if window <= 0 {
		return 0
	}
	return float64(n) / window.Seconds()
}

// RecentAvgLatency returns the mean latency of responses observed within the
// trailing window, or 0 when none were.
func (c *Collector) RecentAvgLatency(window time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.pruneLocked(now)
	cutoff := now.Add(-window)
	var sum time.Duration
	n := 0
	for _, s := range c.recent {
		if !s.at.Before(cutoff) {
			sum += s.latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// CategorySnapshot returns per-category aggregates.
func (c *Collector) CategorySnapshot() map[Category]CategoryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Category]CategoryStats, len(c.byCategory))
	for cat, cs := range c.byCategory {
		snap := CategoryStats{
			Count:      cs.Count,
			Failures:   cs.Failures,
			TotalBytes: cs.TotalBytes,
		}
		if cs.Count > 0 {
			snap.AvgLatency = cs.sumLatency / time.Duration(cs.Count)
			snap.AvgLatencyMs = float64(snap.AvgLatency) / float64(time.Millisecond)
		}
		if cs.hist.TotalCount() > 0 {
			snap.P95LatencyMs = float64(cs.hist.ValueAtQuantile(95)) / 1000.0
		}
		out[cat] = snap
	}
	return out
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.successes + c.failures
	stats := Stats{
		Total:      total,
		Successes:  c.successes,
		Failures:   c.failures,
		MinLatency: c.minLatency,
		MaxLatency: c.maxLatency,
		TotalBytes: c.totalBytes,
	}

	if total > 0 {
		stats.MeanLatency = time.Duration(int64(c.sumLatency) / total)
	}

	if c.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(c.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(c.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P99Latency = time.Duration(c.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = float64(stats.MinLatency) / float64(time.Millisecond)
	stats.MaxLatencyMs = float64(stats.MaxLatency) / float64(time.Millisecond)
	stats.MeanLatencyMs = float64(stats.MeanLatency) / float64(time.Millisecond)
	stats.P50LatencyMs = float64(stats.P50Latency) / float64(time.Millisecond)
	stats.P90LatencyMs = float64(stats.P90Latency) / float64(time.Millisecond)
	stats.P99LatencyMs = float64(stats.P99Latency) / float64(time.Millisecond)

	stats.Duration = elapsed
	stats.DurationMs = float64(elapsed) / float64(time.Millisecond)
	if elapsed > 0 && total > 0 {
		stats.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	if len(c.errorsByType) > 0 {
		stats.Errors = make(map[string]int, len(c.errorsByType))
		for k, v := range c.errorsByType {
			stats.Errors[FriendlyErrorName(k)] += int(v)
		}
	}

	return stats
}
