package nomagic

import (
	"strconv"
	"strings"
)

// exchangeInfo is everything the Response Processor needs to know about
// the request side and connection state of the exchange it is finishing
// (§4.7). req is nil for an early error — one raised before the request
// head was fully parsed.
type exchangeInfo struct {
	req           *Request
	method        string
	inputOpen     bool
	serverRunning bool
}

// responseProcessor implements §4.7: it normalizes an application-produced
// Response into one ready to transmit, and decides whether the connection
// must close afterwards.
type responseProcessor struct {
	cfg *Config

	// consecutiveErrors tracks 4xx/5xx responses back to back on this
	// connection (§5 "Error-response counter: kept in per-connection
	// attributes").
	consecutiveErrors int
}

func newResponseProcessor(cfg *Config) *responseProcessor {
	return &responseProcessor{cfg: cfg}
}

// Process runs all five steps of §4.7 and returns the final response body
// iterator and whether the connection must close once it's written.
func (p *responseProcessor) Process(info exchangeInfo, resp *Response) (bodyIterator, bool, error) {
	closeConn := p.decidePersistence(info, resp)

	it, err := resp.Body.Iterator()
	if err != nil {
		return nil, false, err
	}

	bodilessEarly := isBodiless(info.method, resp.Status)
	if p.cfg.CompressResponses && !bodilessEarly {
		it = p.maybeCompress(info, resp, it)
	}

	reqPersistent := info.req != nil && info.req.Version.AtLeast11()
	if !reqPersistent {
		resp.Trailers = nil
	} else if resp.Body.Length == lengthUnknown || resp.Trailers != nil {
		if resp.Headers.Has(strTransferEncoding) {
			return nil, false, ErrTransferEncodingSet
		}
		resp.Headers.Set(strTransferEncoding, []byte(strChunked))
		it = newChunkedEncoder(it)
	}

	bodiless := isBodiless(info.method, resp.Status)
	if err := p.validateFraming(info, resp, bodiless); err != nil {
		return nil, false, err
	}

	if isErrorStatus(resp.Status) {
		p.consecutiveErrors++
		if p.consecutiveErrors > p.cfg.MaxErrorResponses && !closeConn {
			resp.Headers.Set(strConnection, []byte(strClose))
			closeConn = true
		}
	} else {
		p.consecutiveErrors = 0
	}

	return it, closeConn, nil
}

// decidePersistence is §4.7 step 1. Informational responses and ones that
// already carry Connection: close are left untouched. The header is added
// here, immediately, so it appears before anything step 4 adds.
func (p *responseProcessor) decidePersistence(info exchangeInfo, resp *Response) bool {
	if resp.isInformational() {
		return false
	}
	if requestWantsClose(resp.Headers) {
		return true
	}
	mustClose := info.req == nil ||
		!info.req.Version.AtLeast11() ||
		requestWantsClose(info.req.Headers) ||
		!info.inputOpen ||
		!info.serverRunning
	if mustClose {
		resp.Headers.Set(strConnection, []byte(strClose))
	}
	return mustClose
}

// maybeCompress is §4.12: negotiate a Content-Encoding against the
// request's Accept-Encoding and, if the application hasn't already set
// Content-Encoding or Transfer-Encoding itself, wrap the body iterator
// with the chosen codec and force unknown body length so the existing
// "unknown length ⇒ chunked" rule downstream takes care of framing.
func (p *responseProcessor) maybeCompress(info exchangeInfo, resp *Response, it bodyIterator) bodyIterator {
	if info.req == nil || resp.Body.Length == 0 {
		return it
	}
	if resp.Headers.Has(strContentEncoding) || resp.Headers.Has(strTransferEncoding) {
		return it
	}
	accept, ok := info.req.Headers.Get(strAcceptEncoding)
	if !ok {
		return it
	}
	enc := negotiateEncoding(accept, p.cfg.CompressionPreference)
	if enc == encodingIdentity {
		return it
	}
	resp.Headers.Set(strContentEncoding, []byte(enc.headerValue()))
	resp.Body.Length = lengthUnknown
	return newCompressIterator(it, enc, p.cfg.CompressionLevel)
}

func requestWantsClose(h *headerMap) bool {
	v, ok := h.Get(strConnection)
	return ok && strings.EqualFold(strings.TrimSpace(string(v)), strClose)
}

// isBodiless reports whether RFC 7230/9112 forbids a message body
// regardless of what the application supplied: HEAD responses, 304, 1xx,
// 204, and a 2xx reply to CONNECT.
func isBodiless(method string, status int) bool {
	if method == "HEAD" || status == 304 || status == 204 {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	if method == "CONNECT" && status >= 200 && status < 300 {
		return true
	}
	return false
}

func isErrorStatus(status int) bool { return status >= 400 }

// validateFraming is §4.7 step 4.
func (p *responseProcessor) validateFraming(info exchangeInfo, resp *Response, bodiless bool) error {
	hasTE := resp.Headers.Has(strTransferEncoding)
	hasCL := resp.Headers.Has(strContentLength)

	if hasTE {
		forbidden := resp.isInformational() || resp.Status == 204 ||
			(info.method == "CONNECT" && resp.Status >= 200 && resp.Status < 300)
		if forbidden {
			return framingErr("Transfer-Encoding forbidden on a %d response", resp.Status)
		}
		if hasCL {
			return framingErr("Transfer-Encoding and Content-Length must not both be set")
		}
	}

	if bodiless {
		resp.Headers.Del(strContentLength)
		if resp.Body.Length > 0 {
			return framingErr("a %d response to %s must have an empty body", resp.Status, info.method)
		}
		return nil
	}

	if !hasTE && resp.Body.Length >= 0 {
		if hasCL {
			v, _ := resp.Headers.Get(strContentLength)
			n, err := strconv.Atoi(strings.TrimSpace(string(v)))
			if err != nil || n != resp.Body.Length {
				return framingErr("declared Content-Length %q does not match body length %d", v, resp.Body.Length)
			}
		} else {
			resp.Headers.Set(strContentLength, []byte(strconv.Itoa(resp.Body.Length)))
		}
	}

	return nil
}
