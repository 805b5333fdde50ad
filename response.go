package nomagic

import "context"

// lengthUnknown marks a Body whose length cannot be known in advance
// (§9 Design Notes: "avoid making unknown-length a runtime surprise — a
// field-level marker is explicit").
const lengthUnknown = -1

// bodyIterator yields successive byte views of a body. It is single-use:
// once Next returns ErrEndOfIteration, it returns it forever after.
type bodyIterator interface {
	Next(ctx context.Context) ([]byte, error)
}

// Body is a Response's (or Request's) byte payload: a declared length,
// `lengthUnknown` or `>= 0`, plus a factory for a single-use iterator over
// its bytes. The factory itself may only be invoked once — calling it
// twice is a programmer error caught by ErrBodyIteratorReused.
type Body struct {
	Length int
	open   func() (bodyIterator, error)
	opened bool
}

// NewBody wraps a resource-backed iterator factory as a Body of the given
// declared length.
func NewBody(length int, open func() (bodyIterator, error)) *Body {
	return &Body{Length: length, open: open}
}

// Iterator opens the body's iterator. It may be called at most once.
func (b *Body) Iterator() (bodyIterator, error) {
	if b.opened {
		return nil, ErrBodyIteratorReused
	}
	b.opened = true
	if b.open == nil {
		return &sliceIterator{}, nil
	}
	return b.open()
}

// sliceIterator is a bodyIterator over an in-memory byte slice, used by
// BytesBody and EmptyBody.
type sliceIterator struct {
	data []byte
	done bool
}

func (it *sliceIterator) Next(context.Context) ([]byte, error) {
	if it.done {
		return nil, ErrEndOfIteration
	}
	it.done = true
	if len(it.data) == 0 {
		return nil, ErrEndOfIteration
	}
	return it.data, nil
}

// BytesBody wraps a fixed in-memory payload of known length.
func BytesBody(data []byte) *Body {
	return NewBody(len(data), func() (bodyIterator, error) { return &sliceIterator{data: data}, nil })
}

// EmptyBody is the zero-length Body used by responses with no payload.
func EmptyBody() *Body { return BytesBody(nil) }

// Response is the application-facing result of a Request Processor
// invocation: a status, reason phrase, headers, body, and (only ever set
// when the Trailer header names fields) trailers.
type Response struct {
	Status   int
	Reason   string
	Headers  *headerMap
	Body     *Body
	Trailers *headerMap
}

// NewResponse builds an empty-bodied response with the conventional reason
// phrase for status.
func NewResponse(status int) *Response {
	return &Response{
		Status:  status,
		Reason:  statusReason(status),
		Headers: newHeaderMap(),
		Body:    EmptyBody(),
	}
}

// Text builds a `text/plain; charset=utf-8` response carrying s as its
// entire body.
func Text(status int, s string) *Response {
	r := NewResponse(status)
	r.Headers.Set(strContentType, defaultContentType)
	r.Body = BytesBody([]byte(s))
	return r
}

// isInformational reports whether Status is a 1xx response.
func (r *Response) isInformational() bool { return r.Status >= 100 && r.Status < 200 }

var statusReasons = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func statusReason(status int) string {
	if r, ok := statusReasons[status]; ok {
		return r
	}
	return ""
}
