package nomagic

import "context"

// Handler is the application's entry point for one matched route: given a
// fully parsed request, produce a response. Out of scope per this engine's
// boundary (§1) is everything about how a Handler is authored; this is the
// seam the Request Processor calls through.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// BeforeAction wraps a Handler invocation. Calling proceed advances to the
// next action in the chain (or the handler itself, if this is the last
// action); returning without calling proceed short-circuits the chain and
// the returned response becomes the exchange's result.
type BeforeAction func(ctx context.Context, req *Request, proceed func() (*Response, error)) (*Response, error)

// AfterAction observes (and may replace) the response the Channel Writer is
// about to serialize. After-actions run before the Response Processor
// normalizes it.
type AfterAction func(ctx context.Context, req *Request, resp *Response) (*Response, error)

// ErrorHandler converts an error raised by a before-action, handler or
// after-action into a fallback response. It is retried up to the
// configured attempt cap (§7); if it too fails, the exchange falls back to
// a bare 500.
type ErrorHandler func(ctx context.Context, req *Request, cause error) (*Response, error)

// RouteTable is what the Request Processor consults: before-actions and
// after-actions matched by path segments, then the handler selected by
// method on whichever route matched. Lookup receives no content-type or
// accept, so it does not select on them.
type RouteTable interface {
	// Lookup resolves a request target to a Handler plus path parameters.
	// ok is false when no route matches (404).
	Lookup(method string, decodedSegs, rawSegs []string) (h Handler, params, rawParams map[string]string, ok bool)

	// BeforeActions returns the before-action chain applicable to the
	// given path segments, outermost first.
	BeforeActions(decodedSegs []string) []BeforeAction

	// AfterActions returns the after-action chain applicable to the given
	// path segments, outermost first.
	AfterActions(decodedSegs []string) []AfterAction
}

// EventSink receives lifecycle notifications the core itself never acts on
// — purely an observability seam (§6).
type EventSink interface {
	ServerStarted(addr string)
	ServerStopped(addr string)
	ResponseSent(stats ResponseStats)
}

// ResponseStats summarizes one response for EventSink.ResponseSent.
type ResponseStats struct {
	Method      string
	Path        string
	Status      int
	BytesWritten int64
	Duration     int64 // nanoseconds; the Channel Writer leaves this and Path zero
}

// noopEventSink discards every event; used when a Server is constructed
// without one.
type noopEventSink struct{}

func (noopEventSink) ServerStarted(string)             {}
func (noopEventSink) ServerStopped(string)             {}
func (noopEventSink) ResponseSent(ResponseStats)       {}
