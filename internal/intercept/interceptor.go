package intercept

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/surgecast/surgecast/internal/browser"
	"github.com/surgecast/surgecast/internal/config"
	"github.com/surgecast/surgecast/internal/metrics"
	"github.com/surgecast/surgecast/internal/variables"
)

// Rules is the shared, per-test filtering and injection configuration. One
// Rules value is compiled once and shared by every session's Interceptor.
type Rules struct {
	StreamingOnly bool
	Allowed       []Pattern
	Blocked       []Pattern
	Templates     []*Template
	Classifier    *Classifier
}

// StreamingStats is the on-demand aggregation of a session's streaming
// traffic.
type StreamingStats struct {
	ByCategory           map[metrics.Category]CategoryAggregate `json:"byCategory"`
	SuccessRate          float64                                 `json:"successRate"`
	BandwidthBytesPerSec float64                                 `json:"bandwidthBytesPerSec"`
	BlockedRequests      int64                                   `json:"blockedRequests"`
	TotalRequests        int64                                   `json:"totalRequests"`
}

// CategoryAggregate summarizes one category's traffic within a session.
type CategoryAggregate struct {
	Count        int64         `json:"count"`
	Failures     int64         `json:"failures"`
	AvgLatency   time.Duration `json:"-"`
	AvgLatencyMs float64       `json:"avgLatencyMs"`
}

// Interceptor is bound to one browser instance for the lifetime of one
// session. It filters and rewrites every outgoing request and collects
// network and streaming metrics.
type Interceptor struct {
	sessionID string
	driver    browser.Driver
	rules     *Rules
	vars      variables.Store
	collector *metrics.Collector
	instance  *browser.InstanceMetrics
	logger    *log.Logger

	mu              sync.Mutex
	rng             *rand.Rand
	started         bool
	startedAt       time.Time
	blockedCount    int64
	totalCount      int64
	pending         map[string]time.Time
	netMetrics      []metrics.NetworkMetric
	streamingErrors []metrics.ErrorEntry
	totalBytes      int64
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the operational logger.
func WithLogger(l *log.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// WithCollector mirrors every observed metric into a shared collector.
func WithCollector(c *metrics.Collector) Option {
	return func(i *Interceptor) { i.collector = c }
}

// WithInstanceMetrics ties request/error counters to the bound instance.
func WithInstanceMetrics(m *browser.InstanceMetrics) Option {
	return func(i *Interceptor) { i.instance = m }
}

// WithRandSource seeds the interceptor's randomizer, for tests.
func WithRandSource(seed int64) Option {
	return func(i *Interceptor) { i.rng = rand.New(rand.NewSource(seed)) }
}

// New creates an Interceptor bound to the session's driver and variable
// context.
func New(sessionID string, driver browser.Driver, rules *Rules, vars variables.Store, opts ...Option) *Interceptor {
	i := &Interceptor{
		sessionID: sessionID,
		driver:    driver,
		rules:     rules,
		vars:      vars,
		logger:    log.New(os.Stderr, "intercept: ", log.LstdFlags),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start attaches the interceptor to the driver's network hooks.
func (i *Interceptor) Start() error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil
	}
	i.started = true
	i.startedAt = time.Now()
	i.mu.Unlock()

	i.driver.OnResponse(i.handleResponse)
	i.driver.OnRequestFailed(i.handleRequestFailed)
	return i.driver.InterceptRequests(i.handleRequest)
}

// Stop detaches the interceptor. Collected metrics remain available.
func (i *Interceptor) Stop() {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return
	}
	i.started = false
	i.mu.Unlock()
	i.driver.StopIntercepting()
}

// handleRequest applies the filter chain and parameter templates to one
// outgoing request.
func (i *Interceptor) handleRequest(req *browser.InterceptedRequest) browser.RequestAction {
	if !i.allow(req.URL) {
		i.mu.Lock()
		i.blockedCount++
		i.mu.Unlock()
		return browser.RequestAction{Block: true}
	}

	i.vars.IncrementRequestCount()
	if i.instance != nil {
		i.instance.IncrementRequests()
	}

	i.mu.Lock()
	i.totalCount++
	i.pending[req.ID] = time.Now()
	i.mu.Unlock()

	return i.applyTemplates(req)
}

// allow evaluates filter rules in priority order: blocked patterns always
// win, then allowed patterns, then the streaming-only heuristic.
func (i *Interceptor) allow(rawURL string) bool {
	if matchAny(i.rules.Blocked, rawURL) {
		return false
	}
	if matchAny(i.rules.Allowed, rawURL) {
		return true
	}
	if i.rules.StreamingOnly {
		return i.rules.Classifier.IsStreamingTraffic(rawURL) || i.rules.Classifier.IsEssential(rawURL)
	}
	return true
}

// applyTemplates composes every applicable template onto the request.
// Template application errors are isolated: a failing template is logged
// and the rest still apply.
func (i *Interceptor) applyTemplates(req *browser.InterceptedRequest) browser.RequestAction {
	action := browser.RequestAction{}
	applied := false

	for _, t := range i.rules.Templates {
		if !t.AppliesTo(req.Method, req.URL) {
			continue
		}
		i.mu.Lock()
		value := t.Resolve(i.vars, i.rng)
		i.mu.Unlock()

		switch t.Target {
		case config.TargetHeader:
			if action.Headers == nil {
				action.Headers = make(map[string]string, len(req.Headers)+1)
				for k, v := range req.Headers {
					action.Headers[k] = v
				}
			}
			action.Headers[t.Name] = value
			applied = true

		case config.TargetQuery:
			base := req.URL
			if action.URL != "" {
				base = action.URL
			}
			rewritten, err := upsertQueryParam(base, t.Name, value)
			if err != nil {
				i.logger.Printf("session %s: template %s: query rewrite failed: %v", i.sessionID, t.Name, err)
				continue
			}
			action.URL = rewritten
			applied = true

		case config.TargetBody:
			body := req.Body
			if action.Body != nil {
				body = action.Body
			}
			merged, ok := mergeBodyField(body, t.Name, value)
			if !ok {
				i.logger.Printf("session %s: template %s: unsupported body format, leaving body unmodified", i.sessionID, t.Name)
				continue
			}
			action.Body = merged
			applied = true
		}
	}

	if !applied {
		return browser.RequestAction{}
	}
	return action
}

// upsertQueryParam sets or replaces a URL-encoded query parameter.
func upsertQueryParam(rawURL, name, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// mergeBodyField injects name=value into a JSON or form-urlencoded body.
// Unknown formats are left untouched; the caller logs the warning.
func mergeBodyField(body []byte, name, value string) ([]byte, bool) {
	if len(body) == 0 {
		// An empty body becomes a single-field JSON object.
		out, err := json.Marshal(map[string]string{name: value})
		return out, err == nil
	}

	if gjson.ValidBytes(body) && gjson.ParseBytes(body).IsObject() {
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err == nil {
			obj[name] = value
			if out, err := json.Marshal(obj); err == nil {
				return out, true
			}
		}
		return nil, false
	}

	if form, err := url.ParseQuery(string(body)); err == nil && looksLikeForm(string(body)) {
		form.Set(name, value)
		return []byte(form.Encode()), true
	}

	return nil, false
}

// looksLikeForm filters out free-text bodies that url.ParseQuery would
// happily misparse as a single giant key.
func looksLikeForm(body string) bool {
	return strings.Contains(body, "=") && !strings.ContainsAny(body, " \n{")
}

// handleResponse records one network metric and streaming error entries.
func (i *Interceptor) handleResponse(resp browser.Response) {
	now := resp.At
	if now.IsZero() {
		now = time.Now()
	}

	i.mu.Lock()
	responseTime := resp.Timing
	if responseTime <= 0 {
		if start, ok := i.pending[resp.RequestID]; ok {
			responseTime = now.Sub(start)
		}
	}
	delete(i.pending, resp.RequestID)
	i.mu.Unlock()

	category := i.rules.Classifier.Classify(resp.URL)
	m := metrics.NetworkMetric{
		SessionID:    i.sessionID,
		URL:          resp.URL,
		Method:       resp.Method,
		ResponseTime: responseTime,
		ResponseMs:   float64(responseTime) / float64(time.Millisecond),
		StatusCode:   resp.Status,
		Timestamp:    now,
		ResponseSize: estimateSize(resp.Headers),
		Category:     category,
	}

	i.mu.Lock()
	i.netMetrics = append(i.netMetrics, m)
	i.totalBytes += m.ResponseSize
	if !m.Success() && category != metrics.CategoryOther && category != metrics.CategoryNone {
		i.streamingErrors = append(i.streamingErrors, metrics.ErrorEntry{
			SessionID: i.sessionID,
			Category:  string(category),
			URL:       resp.URL,
			Message:   "streaming response failed with status " + strconv.Itoa(resp.Status),
			Timestamp: now,
		})
		if i.instance != nil {
			i.instance.IncrementErrors()
		}
	}
	i.mu.Unlock()

	if i.collector != nil {
		i.collector.Record(m)
	}
}

func (i *Interceptor) handleRequestFailed(f browser.RequestFailure) {
	i.mu.Lock()
	delete(i.pending, f.RequestID)
	if f.Reason != "" && !strings.Contains(strings.ToLower(f.Reason), "blockedbyclient") {
		i.streamingErrors = append(i.streamingErrors, metrics.ErrorEntry{
			SessionID: i.sessionID,
			URL:       f.URL,
			Message:   "request failed: " + f.Reason,
			Timestamp: time.Now(),
		})
		if i.instance != nil {
			i.instance.IncrementErrors()
		}
	}
	i.mu.Unlock()
}

// estimateSize derives the response size from content-length when present,
// falling back to the byte length of the headers themselves.
func estimateSize(headers map[string]string) int64 {
	for k, v := range headers {
		if strings.EqualFold(k, "content-length") {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	}
	var sum int64
	for k, v := range headers {
		sum += int64(len(k) + len(v))
	}
	return sum
}

// Metrics returns a copy of all recorded network metrics, time-ordered.
func (i *Interceptor) Metrics() []metrics.NetworkMetric {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]metrics.NetworkMetric, len(i.netMetrics))
	copy(out, i.netMetrics)
	sort.Slice(out, func(a, b int) bool { return out[a].Timestamp.Before(out[b].Timestamp) })
	return out
}

// Errors returns a copy of recorded streaming error entries.
func (i *Interceptor) Errors() []metrics.ErrorEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]metrics.ErrorEntry, len(i.streamingErrors))
	copy(out, i.streamingErrors)
	return out
}

// Stats aggregates the session's streaming traffic on demand.
func (i *Interceptor) Stats() StreamingStats {
	i.mu.Lock()
	defer i.mu.Unlock()

	stats := StreamingStats{
		ByCategory:      make(map[metrics.Category]CategoryAggregate),
		BlockedRequests: i.blockedCount,
		TotalRequests:   i.totalCount,
	}

	var streamingTotal, streamingOK int64
	type agg struct {
		count    int64
		failures int64
		sum      time.Duration
	}
	byCat := make(map[metrics.Category]*agg)
	for _, m := range i.netMetrics {
		a, ok := byCat[m.Category]
		if !ok {
			a = &agg{}
			byCat[m.Category] = a
		}
		a.count++
		a.sum += m.ResponseTime
		if !m.Success() {
			a.failures++
		}
		if m.Category != metrics.CategoryOther && m.Category != metrics.CategoryNone {
			streamingTotal++
			if m.Success() {
				streamingOK++
			}
		}
	}
	for cat, a := range byCat {
		ca := CategoryAggregate{Count: a.count, Failures: a.failures}
		if a.count > 0 {
			ca.AvgLatency = a.sum / time.Duration(a.count)
			ca.AvgLatencyMs = float64(ca.AvgLatency) / float64(time.Millisecond)
		}
		stats.ByCategory[cat] = ca
	}
	// Blocked requests never produce a response metric, so they surface
	// under CategoryNone rather than vanishing from the breakdown.
	if i.blockedCount > 0 {
		ca := stats.ByCategory[metrics.CategoryNone]
		ca.Count += i.blockedCount
		stats.ByCategory[metrics.CategoryNone] = ca
	}
	if streamingTotal > 0 {
		stats.SuccessRate = float64(streamingOK) / float64(streamingTotal)
	}
	if !i.startedAt.IsZero() {
		elapsed := time.Since(i.startedAt).Seconds()
		if elapsed > 0 {
			stats.BandwidthBytesPerSec = float64(i.totalBytes) / elapsed
		}
	}
	return stats
}

// BlockedCount returns how many requests the filter aborted.
func (i *Interceptor) BlockedCount() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.blockedCount
}
