package metrics

import "time"

// Category classifies a network request by its role in streaming playback.
type Category string

const (
	CategoryManifest Category = "manifest"
	CategorySegment  Category = "segment"
	CategoryLicense  Category = "license"
	CategoryAPI      Category = "api"
	// CategoryOther is the classification catch-all: any request no
	// streaming pattern matches lands here.
	CategoryOther Category = "other"
	// CategoryNone marks traffic that never reached classification,
	// such as requests dropped by the resource filter.
	CategoryNone Category = "none"
)

// NetworkMetric records one observed network response.
type NetworkMetric struct {
	SessionID    string        `json:"sessionId,omitempty"`
	URL          string        `json:"url"`
	Method       string        `json:"method"`
	ResponseTime time.Duration `json:"-"`
	ResponseMs   float64       `json:"responseTimeMs"`
	StatusCode   int           `json:"statusCode"`
	Timestamp    time.Time     `json:"timestamp"`
	RequestSize  int64         `json:"requestSize"`
	ResponseSize int64         `json:"responseSize"`
	Category     Category      `json:"category"`
}

// Success reports whether the response carries a 2xx or 3xx status.
func (m NetworkMetric) Success() bool {
	return m.StatusCode >= 200 && m.StatusCode < 400
}

// ErrorEntry is one recoverable error surfaced through the event stream.
type ErrorEntry struct {
	SessionID string    `json:"sessionId,omitempty"`
	Category  string    `json:"category,omitempty"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
