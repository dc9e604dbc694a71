// Package browser owns browser instance lifecycle: the driver capability
// contract, the pooled Instance type, and the resource-aware Pool.
package browser

import (
	"context"
	"time"
)

// NavigateOptions bound a page navigation.
type NavigateOptions struct {
	Timeout time.Duration
	// WaitReady waits for the document body before returning.
	WaitReady bool
}

// InterceptedRequest is an outgoing request paused for inspection.
type InterceptedRequest struct {
	ID      string
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// RequestAction tells the driver what to do with a paused request.
type RequestAction struct {
	// Block aborts the request with a client-block reason.
	Block bool
	// URL, Headers and Body carry the (possibly rewritten) request when
	// the request continues. A zero value continues unmodified.
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response describes one completed network response.
type Response struct {
	RequestID string
	URL       string
	Method    string
	Status    int
	Headers   map[string]string
	// Timing is the driver-reported response time; zero when the driver
	// could not measure it.
	Timing time.Duration
	At     time.Time
}

// RequestFailure describes a request that never produced a response.
type RequestFailure struct {
	RequestID string
	URL       string
	Reason    string
}

// ResourceUsage is a point-in-time sample of an instance's resource use.
// CPUSeconds is cumulative; callers derive a percentage from deltas.
type ResourceUsage struct {
	MemoryMB   float64
	CPUSeconds float64
}

// RequestHandler decides the fate of one intercepted request.
type RequestHandler func(*InterceptedRequest) RequestAction

// Driver is the narrow browser-automation capability the core consumes.
// Any concrete implementation (a real browser or a test fake) is pluggable.
type Driver interface {
	// Navigate loads the URL in the page.
	Navigate(ctx context.Context, url string, opts NavigateOptions) error

	// Evaluate runs the script in page context and unmarshals the result
	// into out when out is non-nil.
	Evaluate(ctx context.Context, script string, out any) error

	// OnResponse registers a callback invoked for every network response.
	OnResponse(fn func(Response))

	// OnRequestFailed registers a callback for requests that fail without
	// a response.
	OnRequestFailed(fn func(RequestFailure))

	// OnDisconnect registers a callback invoked once if the browser goes
	// away unexpectedly.
	OnDisconnect(fn func(error))

	// InterceptRequests begins pausing outgoing requests and routing them
	// through the handler. StopIntercepting detaches the handler; requests
	// then continue unmodified.
	InterceptRequests(handler RequestHandler) error
	StopIntercepting()

	// ClearBrowsingData navigates to a blank page and clears cookies,
	// permissions, and origin storage.
	ClearBrowsingData(ctx context.Context) error

	// RecreatePage tears down the current page and opens a fresh one,
	// preserving registered callbacks. Used for aggressive cleanup.
	RecreatePage(ctx context.Context) error

	// HintGC asks the page's JavaScript VM to collect garbage.
	HintGC(ctx context.Context) error

	// Usage samples current resource consumption.
	Usage(ctx context.Context) (ResourceUsage, error)

	// Close tears the browser down.
	Close(ctx context.Context) error
}

// Factory creates drivers. The pool calls it once per instance.
type Factory interface {
	New(ctx context.Context) (Driver, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Driver, error)

func (f FactoryFunc) New(ctx context.Context) (Driver, error) { return f(ctx) }
