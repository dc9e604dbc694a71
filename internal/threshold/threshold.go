package threshold

import (
	"fmt"
	"time"

	"github.com/surgecast/surgecast/internal/events"
)

// Warning and critical boundaries for resource utilization percentages.
const (
	UtilizationWarningPct  = 80.0
	UtilizationCriticalPct = 90.0
)

// Warning and critical boundaries for average response time.
const (
	ResponseWarning  = 2 * time.Second
	ResponseCritical = 5 * time.Second
)

// Input is one monitoring sample to evaluate. Percentage fields are
// utilization relative to the configured limit (0-100); negative values
// mean the dimension was not sampled and is skipped.
type Input struct {
	MemoryPct         float64
	CPUPct            float64
	InstancePct       float64
	RecentAvgResponse time.Duration
}

// Alert is one breached boundary.
type Alert struct {
	Level    events.AlertLevel
	Resource string
	Message  string
	Value    float64
	Limit    float64
}

// Evaluate checks one sample against all boundaries and returns an alert
// per breached dimension. Boundaries are exclusive: a value sitting exactly
// on one does not alert. A dimension past the critical boundary produces
// only the critical alert, not both.
func Evaluate(in Input) []Alert {
	var alerts []Alert

	dims := []struct {
		name  string
		value float64
	}{
		{"memory", in.MemoryPct},
		{"cpu", in.CPUPct},
		{"instances", in.InstancePct},
	}
	for _, d := range dims {
		if d.value < 0 {
			continue
		}
		switch {
		case d.value > UtilizationCriticalPct:
			alerts = append(alerts, Alert{
				Level:    events.LevelCritical,
				Resource: d.name,
				Message:  fmt.Sprintf("%s utilization %.1f%% exceeds critical boundary %.0f%%", d.name, d.value, UtilizationCriticalPct),
				Value:    d.value,
				Limit:    UtilizationCriticalPct,
			})
		case d.value > UtilizationWarningPct:
			alerts = append(alerts, Alert{
				Level:    events.LevelWarning,
				Resource: d.name,
				Message:  fmt.Sprintf("%s utilization %.1f%% exceeds warning boundary %.0f%%", d.name, d.value, UtilizationWarningPct),
				Value:    d.value,
				Limit:    UtilizationWarningPct,
			})
		}
	}

	rt := in.RecentAvgResponse
	switch {
	case rt > ResponseCritical:
		alerts = append(alerts, Alert{
			Level:    events.LevelCritical,
			Resource: "response-time",
			Message:  fmt.Sprintf("average response time %s exceeds critical boundary %s", rt.Round(time.Millisecond), ResponseCritical),
			Value:    float64(rt) / float64(time.Millisecond),
			Limit:    float64(ResponseCritical) / float64(time.Millisecond),
		})
	case rt > ResponseWarning:
		alerts = append(alerts, Alert{
			Level:    events.LevelWarning,
			Resource: "response-time",
			Message:  fmt.Sprintf("average response time %s exceeds warning boundary %s", rt.Round(time.Millisecond), ResponseWarning),
			Value:    float64(rt) / float64(time.Millisecond),
			Limit:    float64(ResponseWarning) / float64(time.Millisecond),
		})
	}

	return alerts
}
