package nomagic

import (
	"context"
	"errors"
)

// trailerStatus is the SkeletonRequest's trailer-parsing state (§3):
// not_applicable for bodies that were never chunked, not_started until the
// body has been fully drained, then failed or success.
type trailerStatus int

const (
	trailerNotApplicable trailerStatus = iota
	trailerNotStarted
	trailerFailed
	trailerSuccess
)

// Request is this engine's SkeletonRequest: a parsed request head plus
// request-target segments, a single-use body iterator, trailer-parsing
// status, and an untyped attribute bag before/after actions and handlers
// may use to pass data along the chain.
type Request struct {
	Method  string
	Target  *requestTarget
	Version httpVersion
	Headers *headerMap

	Params    map[string]string
	RawParams map[string]string

	body    bodyIterator
	decoder *chunkedDecoder // non-nil iff Transfer-Encoding: chunked
	status  trailerStatus

	attrs map[string]any
}

func newRequest(method string, target *requestTarget, version httpVersion, headers *headerMap) *Request {
	return &Request{
		Method:  method,
		Target:  target,
		Version: version,
		Headers: headers,
		status:  trailerNotApplicable,
	}
}

// TrailerStatus reports whether trailers are applicable to this request
// and, if so, whether they've been parsed yet.
func (r *Request) TrailerStatus() trailerStatus { return r.status }

// Trailers returns the parsed trailer fields, available once TrailerStatus
// reports trailerSuccess.
func (r *Request) Trailers() *headerMap {
	if r.decoder == nil {
		return nil
	}
	return r.decoder.Trailers()
}

// NextBody returns the next slice of request body bytes, or
// ErrEndOfIteration once exhausted. On exhaustion of a chunked body, the
// trailer status transitions to success (trailers already parsed as a side
// effect of the decoder reaching its terminating chunk) or failed.
func (r *Request) NextBody(ctx context.Context) ([]byte, error) {
	if r.body == nil {
		return nil, ErrEndOfIteration
	}
	v, err := r.body.Next(ctx)
	if err != nil && r.decoder != nil {
		if errors.Is(err, ErrEndOfIteration) {
			r.status = trailerSuccess
		} else {
			r.status = trailerFailed
		}
	}
	return v, err
}

// DiscardBody drains any unread body bytes, e.g. because the application
// never read the request body before responding (§4.10 step 5).
func (r *Request) DiscardBody(ctx context.Context) error {
	for {
		_, err := r.NextBody(ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfIteration) {
				return nil
			}
			return err
		}
	}
}

// Attr retrieves an attribute set by SetAttr.
func (r *Request) Attr(key string) (any, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// SetAttr stores an attribute for the remainder of this exchange.
func (r *Request) SetAttr(key string, v any) {
	if r.attrs == nil {
		r.attrs = make(map[string]any)
	}
	r.attrs[key] = v
}
