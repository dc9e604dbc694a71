// Package orchestrator coordinates session ramp-up, live monitoring, and
// shutdown for one load test run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/surgecast/surgecast/internal/auth"
	"github.com/surgecast/surgecast/internal/browser"
	"github.com/surgecast/surgecast/internal/config"
	"github.com/surgecast/surgecast/internal/events"
	"github.com/surgecast/surgecast/internal/intercept"
	"github.com/surgecast/surgecast/internal/metrics"
	"github.com/surgecast/surgecast/internal/tracing"
	"github.com/surgecast/surgecast/internal/variables"
)

// SessionSummary counts sessions by outcome.
type SessionSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// DRMStats summarizes license acquisition traffic across the whole test.
type DRMStats struct {
	LicenseRequests int64   `json:"license_requests"`
	LicenseFailures int64   `json:"license_failures"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	SuccessRate     float64 `json:"success_rate"`
}

// Results is the final report of one test run.
type Results struct {
	TestID    string    `json:"test_id"`
	TargetURL string    `json:"target_url"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Summary    metrics.Stats                               `json:"summary"`
	Sessions   SessionSummary                              `json:"sessions"`
	DRM        DRMStats                                    `json:"drm"`
	ByCategory map[metrics.Category]metrics.CategoryStats `json:"by_category"`

	BrowserMetrics []browser.MetricsSnapshot `json:"browser_metrics"`
	NetworkMetrics []metrics.NetworkMetric   `json:"network_metrics"`
	Errors         []metrics.ErrorEntry      `json:"errors"`
}

// Orchestrator drives one load test: it ramps sessions up at a uniform
// rate, monitors them while the test runs, and tears everything down.
type Orchestrator struct {
	cfg       config.Config
	pool      *browser.Pool
	bus       *events.Bus
	collector *metrics.Collector
	tracer    *tracing.Provider
	authProv  auth.Provider
	logger    *log.Logger

	rules    *intercept.Rules
	files    *intercept.FileCache
	testID   string
	testSpan func(err error)

	startedAt time.Time

	mu       sync.Mutex
	sessions []*Session
	results  *Results

	stopOnce sync.Once
	stopErr  error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the operational logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracing attaches an OTel provider for test and session spans.
func WithTracing(p *tracing.Provider) Option {
	return func(o *Orchestrator) { o.tracer = p }
}

// WithAuthProvider attaches an authentication provider whose headers are
// injected into every intercepted request.
func WithAuthProvider(p auth.Provider) Option {
	return func(o *Orchestrator) { o.authProv = p }
}

// New creates an Orchestrator for the given configuration, pool, and bus.
func New(cfg config.Config, pool *browser.Pool, bus *events.Bus, collector *metrics.Collector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		pool:      pool,
		bus:       bus,
		collector: collector,
		logger:    log.New(os.Stderr, "orchestrator: ", log.LstdFlags),
		testID:    ulid.Make().String(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.files = intercept.NewFileCache(o.logger)
	return o
}

// TestID returns the run's unique identifier.
func (o *Orchestrator) TestID() string { return o.testID }

// Run executes the full test lifecycle and blocks until the test duration
// elapses or ctx is cancelled. It always returns a Results report, even on
// partial failure.
func (o *Orchestrator) Run(ctx context.Context) (*Results, error) {
	o.startedAt = time.Now()
	o.bus.Publish(events.TestStarted{
		TestID:    o.testID,
		TargetURL: o.cfg.TargetURL,
		StartedAt: o.startedAt,
	})

	ctx, span := tracing.StartTestSpan(ctx, o.tracer.Tracer(), o.testID, o.cfg.ConcurrentUsers)
	o.testSpan = func(err error) { tracing.EndSpan(span, err) }

	if err := o.pool.Start(ctx); err != nil {
		o.testSpan(err)
		return nil, fmt.Errorf("pool start: %w", err)
	}

	rules, err := o.compileRules(ctx)
	if err != nil {
		o.testSpan(err)
		_ = o.pool.Shutdown(ctx)
		return nil, err
	}
	o.rules = rules

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		o.monitorLoop(monitorCtx)
	}()

	// Every session shares one deadline anchored at test start. Ramp-up and
	// in-flight navigations are cut off there, not extended past it.
	runCtx, cancelRun := context.WithDeadline(ctx, o.startedAt.Add(o.cfg.TestDuration))
	defer cancelRun()

	o.rampUp(runCtx)

	<-runCtx.Done()
	if ctx.Err() != nil {
		o.logger.Printf("test %s: interrupted: %v", o.testID, ctx.Err())
	}

	stopMonitor()
	<-monitorDone

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	results := o.Stop(stopCtx)
	return results, o.stopErr
}

// compileRules translates the test configuration into shared interception
// rules. Authentication headers become literal header templates applied to
// every request.
func (o *Orchestrator) compileRules(ctx context.Context) (*intercept.Rules, error) {
	templates := make([]*intercept.Template, 0, len(o.cfg.RequestParameters))
	for _, pt := range o.cfg.RequestParameters {
		templates = append(templates, intercept.CompileTemplate(pt, o.cfg.ValueArrays, o.files, o.logger))
	}

	if o.authProv != nil {
		headers, err := o.authProv.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth headers: %w", err)
		}
		for name, value := range headers {
			templates = append(templates, intercept.CompileTemplate(config.ParameterTemplate{
				Target: config.TargetHeader,
				Name:   name,
				Value:  value,
				Scope:  config.ScopeGlobal,
			}, nil, o.files, o.logger))
		}
	}

	return &intercept.Rules{
		StreamingOnly: o.cfg.StreamingOnly,
		Allowed:       intercept.CompilePatterns(o.cfg.AllowedURLs, o.logger),
		Blocked:       intercept.CompilePatterns(o.cfg.BlockedURLs, o.logger),
		Templates:     templates,
		Classifier:    intercept.NewClassifier(o.cfg.DRM.LicenseURLPatterns, o.logger),
	}, nil
}

// rampUp starts all sessions, pacing them uniformly across the configured
// ramp-up window. A zero window starts everyone as fast as the pool allows.
func (o *Orchestrator) rampUp(ctx context.Context) {
	users := o.cfg.ConcurrentUsers

	var limiter *rate.Limiter
	if o.cfg.RampUpTime > 0 && users > 1 {
		perSecond := float64(users) / o.cfg.RampUpTime.Seconds()
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}

	var wg sync.WaitGroup
	for n := 0; n < users; n++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				o.logger.Printf("test %s: ramp-up cancelled after %d sessions: %v", o.testID, n, err)
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		sess := newSession()
		o.mu.Lock()
		o.sessions = append(o.sessions, sess)
		o.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			o.startSession(ctx, sess)
		}()
	}

	wg.Wait()
	o.bus.Publish(events.RampUpComplete{
		TestID:   o.testID,
		Sessions: len(o.snapshotSessions()),
	})
}

// startSession acquires a browser instance, wires up interception, and
// navigates to the target. Failures are reported, never fatal to the test.
func (o *Orchestrator) startSession(ctx context.Context, sess *Session) {
	inst, err := o.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// The test ended while waiting; shutdown completes the session.
			return
		}
		o.failSession(sess, fmt.Errorf("acquire instance: %w", err))
		return
	}
	sess.instance = inst

	sessCtx, span := tracing.StartSessionSpan(ctx, o.tracer.Tracer(), sess.id, o.cfg.TargetURL)

	rules := o.rules
	if o.tracer.ShouldPropagate() {
		rules = o.rulesWithTraceHeaders(sessCtx)
	}

	sess.vars = variables.NewSessionContext(sess.id, nil)
	sess.interceptor = intercept.New(sess.id, inst.Driver(), rules, sess.vars,
		intercept.WithLogger(o.logger),
		intercept.WithCollector(o.collector),
		intercept.WithInstanceMetrics(inst.Metrics()),
	)

	if err := sess.interceptor.Start(); err != nil {
		tracing.EndSpan(span, err)
		o.failSessionWithInstance(ctx, sess, fmt.Errorf("start interception: %w", err))
		return
	}

	navErr := inst.Driver().Navigate(sessCtx, o.cfg.TargetURL, browser.NavigateOptions{
		Timeout:   o.cfg.NavigationTimeout,
		WaitReady: true,
	})
	if navErr != nil {
		if ctx.Err() != nil {
			// Deadline hit mid-navigation: not a session failure. The
			// instance stays bound and the shutdown path releases it.
			tracing.EndSpan(span, nil)
			return
		}
		tracing.EndSpan(span, navErr)
		sess.interceptor.Stop()
		o.failSessionWithInstance(ctx, sess, fmt.Errorf("navigate %s: %w", o.cfg.TargetURL, navErr))
		return
	}

	tracing.EndSpan(span, nil)
	sess.setStatus(SessionRunning)
}

// rulesWithTraceHeaders copies the shared rules and appends this session's
// W3C trace context as literal header templates.
func (o *Orchestrator) rulesWithTraceHeaders(ctx context.Context) *intercept.Rules {
	copied := *o.rules
	copied.Templates = append([]*intercept.Template(nil), o.rules.Templates...)
	for name, value := range tracing.TraceHeaders(ctx) {
		copied.Templates = append(copied.Templates, intercept.CompileTemplate(config.ParameterTemplate{
			Target: config.TargetHeader,
			Name:   name,
			Value:  value,
			Scope:  config.ScopeGlobal,
		}, nil, o.files, o.logger))
	}
	return &copied
}

func (o *Orchestrator) failSession(sess *Session, err error) {
	sess.fail(err)
	o.collector.RecordError(err)
	o.bus.Publish(events.SessionFailed{SessionID: sess.id, Error: err.Error()})
	o.logger.Printf("session %s: %v", sess.id, err)
}

// failSessionWithInstance additionally hands the instance back to the pool
// so its cleanup and recovery accounting runs.
func (o *Orchestrator) failSessionWithInstance(ctx context.Context, sess *Session, err error) {
	if sess.instance != nil {
		if relErr := o.pool.Release(ctx, sess.instance.ID()); relErr != nil {
			o.logger.Printf("session %s: release after failure: %v", sess.id, relErr)
		}
		sess.instance = nil
	}
	o.failSession(sess, err)
}

func (o *Orchestrator) snapshotSessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Session, len(o.sessions))
	copy(out, o.sessions)
	return out
}

// Stop winds the test down: every session is stopped concurrently, the pool
// is shut down, and the final report is assembled. Stop is idempotent; the
// first call's results are returned to later callers as well.
func (o *Orchestrator) Stop(ctx context.Context) *Results {
	o.stopOnce.Do(func() {
		o.doStop(ctx)
	})
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results
}

func (o *Orchestrator) doStop(ctx context.Context) {
	sessions := o.snapshotSessions()

	var wg sync.WaitGroup
	errCh := make(chan error, len(sessions))
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.stop(ctx, o.pool); err != nil {
				o.collector.RecordError(err)
				o.bus.Publish(events.SessionFailed{SessionID: s.ID(), Error: err.Error()})
				errCh <- err
			}
		}(sess)
	}
	wg.Wait()
	close(errCh)

	var stopErrs []error
	for err := range errCh {
		o.logger.Printf("shutdown: %v", err)
		stopErrs = append(stopErrs, err)
	}

	browserMetrics := o.pool.MetricsSnapshots()
	if err := o.pool.Shutdown(ctx); err != nil {
		stopErrs = append(stopErrs, fmt.Errorf("pool shutdown: %w", err))
	}

	results := o.assembleResults(sessions, browserMetrics)
	o.bus.Publish(events.TestCompleted{Results: results})

	err := errors.Join(stopErrs...)
	if o.testSpan != nil {
		o.testSpan(err)
	}

	o.mu.Lock()
	o.results = results
	o.stopErr = err
	o.mu.Unlock()
}

func (o *Orchestrator) assembleResults(sessions []*Session, browserMetrics []browser.MetricsSnapshot) *Results {
	endedAt := time.Now()
	elapsed := endedAt.Sub(o.startedAt)
	if o.startedAt.IsZero() || elapsed <= 0 {
		elapsed = o.cfg.TestDuration
	}

	var summary SessionSummary
	var networkMetrics []metrics.NetworkMetric
	var errs []metrics.ErrorEntry
	for _, sess := range sessions {
		summary.Total++
		switch sess.Status() {
		case SessionFailed:
			summary.Failed++
		default:
			summary.Completed++
		}
		if sess.interceptor != nil {
			networkMetrics = append(networkMetrics, sess.interceptor.Metrics()...)
			errs = append(errs, sess.interceptor.Errors()...)
		}
	}
	sort.Slice(networkMetrics, func(a, b int) bool {
		return networkMetrics[a].Timestamp.Before(networkMetrics[b].Timestamp)
	})
	sort.Slice(errs, func(a, b int) bool {
		return errs[a].Timestamp.Before(errs[b].Timestamp)
	})

	byCategory := o.collector.CategorySnapshot()
	drm := DRMStats{}
	if lic, ok := byCategory[metrics.CategoryLicense]; ok {
		drm.LicenseRequests = lic.Count
		drm.LicenseFailures = lic.Failures
		drm.AvgLatencyMs = lic.AvgLatencyMs
		drm.P95LatencyMs = lic.P95LatencyMs
		if lic.Count > 0 {
			drm.SuccessRate = float64(lic.Count-lic.Failures) / float64(lic.Count)
		}
	}

	return &Results{
		TestID:         o.testID,
		TargetURL:      o.cfg.TargetURL,
		StartedAt:      o.startedAt,
		EndedAt:        endedAt,
		Summary:        o.collector.Stats(elapsed),
		Sessions:       summary,
		DRM:            drm,
		ByCategory:     byCategory,
		BrowserMetrics: browserMetrics,
		NetworkMetrics: networkMetrics,
		Errors:         errs,
	}
}
