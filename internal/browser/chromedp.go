package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/heapprofiler"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/surgecast/surgecast/internal/config"
)

// NewChromedpFactory returns a Factory producing chromedp-backed drivers.
// Each driver owns one headless browser process with an anchor tab plus a
// working tab, so the working page can be recreated without restarting the
// browser.
func NewChromedpFactory(cfg config.DriverConfig) Factory {
	return FactoryFunc(func(ctx context.Context) (Driver, error) {
		return newChromedpDriver(ctx, cfg)
	})
}

type requestMeta struct {
	url    string
	method string
	start  time.Time
}

type chromedpDriver struct {
	cfg config.DriverConfig

	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	mu           sync.Mutex
	pageCtx      context.Context
	pageCancel   context.CancelFunc
	onResponse   func(Response)
	onFailed     func(RequestFailure)
	onDisconnect func(error)
	handler      RequestHandler
	intercepting bool
	closed       bool
	requests     map[network.RequestID]requestMeta

	disconnectOnce sync.Once
}

func newChromedpDriver(ctx context.Context, cfg config.DriverConfig) (*chromedpDriver, error) {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.WindowSize(orDefault(cfg.WindowWidth, 1920), orDefault(cfg.WindowHeight, 1080)),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("mute-audio", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx)

	d := &chromedpDriver{
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		requests:    make(map[network.RequestID]requestMeta),
	}

	// Launch the browser via the anchor tab.
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	go d.watchDisconnect(rootCtx)

	if err := d.openPage(); err != nil {
		d.Close(ctx)
		return nil, err
	}
	return d, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// openPage creates a fresh working tab, enables the network and performance
// domains, and attaches event listeners.
func (d *chromedpDriver) openPage() error {
	pageCtx, pageCancel := chromedp.NewContext(d.rootCtx)
	if err := chromedp.Run(pageCtx, network.Enable(), performance.Enable()); err != nil {
		pageCancel()
		return fmt.Errorf("open page: %w", err)
	}
	d.listen(pageCtx)

	d.mu.Lock()
	d.pageCtx = pageCtx
	d.pageCancel = pageCancel
	reattach := d.intercepting
	d.mu.Unlock()

	go d.watchDisconnect(pageCtx)

	if reattach {
		if err := chromedp.Run(pageCtx, fetch.Enable()); err != nil {
			return fmt.Errorf("re-enable interception: %w", err)
		}
	}
	return nil
}

func (d *chromedpDriver) page() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageCtx
}

func (d *chromedpDriver) watchDisconnect(ctx context.Context) {
	<-ctx.Done()
	d.mu.Lock()
	intentional := d.closed || (ctx != d.rootCtx && ctx != d.pageCtx)
	cb := d.onDisconnect
	d.mu.Unlock()
	if intentional || cb == nil {
		return
	}
	d.disconnectOnce.Do(func() { cb(ctx.Err()) })
}

func (d *chromedpDriver) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			d.mu.Lock()
			d.requests[e.RequestID] = requestMeta{
				url:    e.Request.URL,
				method: e.Request.Method,
				start:  time.Now(),
			}
			d.mu.Unlock()

		case *network.EventResponseReceived:
			d.mu.Lock()
			meta, ok := d.requests[e.RequestID]
			delete(d.requests, e.RequestID)
			cb := d.onResponse
			d.mu.Unlock()
			if cb == nil {
				return
			}
			resp := Response{
				RequestID: string(e.RequestID),
				URL:       e.Response.URL,
				Status:    int(e.Response.Status),
				Headers:   flattenHeaders(e.Response.Headers),
				At:        time.Now(),
			}
			if ok {
				resp.Method = meta.method
				resp.Timing = time.Since(meta.start)
			}
			cb(resp)

		case *network.EventLoadingFailed:
			d.mu.Lock()
			meta, ok := d.requests[e.RequestID]
			delete(d.requests, e.RequestID)
			cb := d.onFailed
			d.mu.Unlock()
			if cb == nil {
				return
			}
			failure := RequestFailure{
				RequestID: string(e.RequestID),
				Reason:    e.ErrorText,
			}
			if ok {
				failure.URL = meta.url
			}
			cb(failure)

		case *fetch.EventRequestPaused:
			// Listener callbacks must not block; CDP replies happen on a
			// separate goroutine against the target executor.
			go d.resolvePaused(ctx, e)
		}
	})
}

func (d *chromedpDriver) resolvePaused(ctx context.Context, e *fetch.EventRequestPaused) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	ec := cdp.WithExecutor(ctx, c.Target)

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()

	if handler == nil {
		_ = fetch.ContinueRequest(e.RequestID).Do(ec)
		return
	}

	id := string(e.NetworkID)
	if id == "" {
		id = string(e.RequestID)
	}
	req := &InterceptedRequest{
		ID:      id,
		URL:     e.Request.URL,
		Method:  e.Request.Method,
		Headers: flattenHeaders(e.Request.Headers),
	}
	if body := decodePostData(e.Request.PostDataEntries); len(body) > 0 {
		req.Body = body
	}

	action := handler(req)
	if action.Block {
		_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ec)
		return
	}

	cont := fetch.ContinueRequest(e.RequestID)
	if action.URL != "" && action.URL != e.Request.URL {
		cont = cont.WithURL(action.URL)
	}
	if action.Headers != nil {
		entries := make([]*fetch.HeaderEntry, 0, len(action.Headers))
		for k, v := range action.Headers {
			entries = append(entries, &fetch.HeaderEntry{Name: k, Value: v})
		}
		cont = cont.WithHeaders(entries)
	}
	if action.Body != nil {
		cont = cont.WithPostData(base64.StdEncoding.EncodeToString(action.Body))
	}
	_ = cont.Do(ec)
}

// decodePostData reassembles a request body from its base64-encoded chunks.
// An undecodable chunk is skipped rather than corrupting the rest.
func decodePostData(entries []*network.PostDataEntry) []byte {
	var body []byte
	for _, entry := range entries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		body = append(body, chunk...)
	}
	return body
}

func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Navigate loads the URL, optionally waiting for the document body.
func (d *chromedpDriver) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	pageCtx := d.page()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		pageCtx, cancel = context.WithTimeout(pageCtx, opts.Timeout)
		defer cancel()
	}
	actions := []chromedp.Action{chromedp.Navigate(url)}
	if opts.WaitReady {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	return chromedp.Run(pageCtx, actions...)
}

// Evaluate runs script in page context.
func (d *chromedpDriver) Evaluate(ctx context.Context, script string, out any) error {
	if out == nil {
		var discard any
		out = &discard
	}
	return chromedp.Run(d.page(), chromedp.Evaluate(script, out))
}

func (d *chromedpDriver) OnResponse(fn func(Response)) {
	d.mu.Lock()
	d.onResponse = fn
	d.mu.Unlock()
}

func (d *chromedpDriver) OnRequestFailed(fn func(RequestFailure)) {
	d.mu.Lock()
	d.onFailed = fn
	d.mu.Unlock()
}

func (d *chromedpDriver) OnDisconnect(fn func(error)) {
	d.mu.Lock()
	d.onDisconnect = fn
	d.mu.Unlock()
}

// InterceptRequests enables the fetch domain so every outgoing request is
// paused and routed through the handler.
func (d *chromedpDriver) InterceptRequests(handler RequestHandler) error {
	d.mu.Lock()
	d.handler = handler
	d.intercepting = true
	d.mu.Unlock()
	return chromedp.Run(d.page(), fetch.Enable())
}

// StopIntercepting detaches the handler; in-flight paused requests continue
// unmodified.
func (d *chromedpDriver) StopIntercepting() {
	d.mu.Lock()
	d.handler = nil
	d.intercepting = false
	page := d.pageCtx
	d.mu.Unlock()
	_ = chromedp.Run(page, fetch.Disable())
}

// ClearBrowsingData parks the page on about:blank and clears cookies,
// permissions, and origin storage.
func (d *chromedpDriver) ClearBrowsingData(ctx context.Context) error {
	pageCtx, cancel := context.WithTimeout(d.page(), 10*time.Second)
	defer cancel()
	return chromedp.Run(pageCtx,
		chromedp.Navigate("about:blank"),
		network.ClearBrowserCookies(),
		cdpbrowser.ResetPermissions(),
		storage.ClearDataForOrigin("*", "all"),
	)
}

// RecreatePage closes the working tab and opens a fresh one.
func (d *chromedpDriver) RecreatePage(ctx context.Context) error {
	d.mu.Lock()
	oldCancel := d.pageCancel
	d.pageCtx = nil
	d.pageCancel = nil
	d.mu.Unlock()
	if oldCancel != nil {
		oldCancel()
	}
	return d.openPage()
}

// HintGC asks the JavaScript VM to collect garbage.
func (d *chromedpDriver) HintGC(ctx context.Context) error {
	pageCtx, cancel := context.WithTimeout(d.page(), 5*time.Second)
	defer cancel()
	return chromedp.Run(pageCtx, heapprofiler.CollectGarbage())
}

// Usage samples JS heap use and cumulative task duration from the
// performance domain.
func (d *chromedpDriver) Usage(ctx context.Context) (ResourceUsage, error) {
	pageCtx, cancel := context.WithTimeout(d.page(), 5*time.Second)
	defer cancel()

	var usage ResourceUsage
	err := chromedp.Run(pageCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		metrics, err := performance.GetMetrics().Do(ctx)
		if err != nil {
			return err
		}
		for _, m := range metrics {
			switch m.Name {
			case "JSHeapUsedSize":
				usage.MemoryMB = m.Value / (1024 * 1024)
			case "TaskDuration":
				usage.CPUSeconds = m.Value
			}
		}
		return nil
	}))
	return usage, err
}

// Close tears down the working tab, the anchor tab, and the browser.
func (d *chromedpDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pageCancel := d.pageCancel
	d.mu.Unlock()

	if pageCancel != nil {
		pageCancel()
	}
	d.rootCancel()
	d.allocCancel()
	return nil
}
