package nomagic

import (
	"testing"
)

func http11Request(headers *headerMap) *Request {
	if headers == nil {
		headers = newHeaderMap()
	}
	return newRequest("GET", nil, httpVersion{Major: 1, Minor: 1}, headers)
}

func TestResponseProcessorSetsContentLength(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 10})
	resp := Text(200, "hello")
	info := exchangeInfo{req: http11Request(nil), method: "GET", inputOpen: true, serverRunning: true}

	it, closeConn, err := p.Process(info, resp)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if closeConn {
		t.Fatalf("expected the connection to stay open for a plain HTTP/1.1 exchange")
	}
	v, ok := resp.Headers.Get(strContentLength)
	if !ok || string(v) != "5" {
		t.Fatalf("got Content-Length=%q, ok=%v", v, ok)
	}
	_ = it
}

func TestResponseProcessorClosesForHTTP10(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 10})
	resp := Text(200, "hi")
	req := newRequest("GET", nil, httpVersion{Major: 1, Minor: 0}, newHeaderMap())
	info := exchangeInfo{req: req, method: "GET", inputOpen: true, serverRunning: true}

	_, closeConn, err := p.Process(info, resp)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !closeConn {
		t.Fatalf("expected the connection to close for an HTTP/1.0 request")
	}
}

func TestResponseProcessorBodilessStatusRejectsBody(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 10})
	resp := Text(204, "should not be here")
	info := exchangeInfo{req: http11Request(nil), method: "GET", inputOpen: true, serverRunning: true}

	if _, _, err := p.Process(info, resp); err == nil {
		t.Fatalf("expected a framing error for a non-empty 204 body")
	}
}

func TestResponseProcessorHeadRequestStripsContentLength(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 10})
	resp := NewResponse(200)
	resp.Headers.Set(strContentLength, []byte("100"))
	info := exchangeInfo{req: http11Request(nil), method: "HEAD", inputOpen: true, serverRunning: true}

	if _, _, err := p.Process(info, resp); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Headers.Has(strContentLength) {
		t.Fatalf("expected Content-Length stripped from a HEAD response")
	}
}

func TestResponseProcessorConsecutiveErrorsForceClose(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 2})
	for i := 0; i < 3; i++ {
		resp := NewResponse(500)
		info := exchangeInfo{req: http11Request(nil), method: "GET", inputOpen: true, serverRunning: true}
		_, closeConn, err := p.Process(info, resp)
		if err != nil {
			t.Fatalf("Process(%d): %v", i, err)
		}
		if i < 2 && closeConn {
			t.Fatalf("iteration %d: unexpected early close", i)
		}
		if i == 2 && !closeConn {
			t.Fatalf("expected the connection to close after exceeding MaxErrorResponses")
		}
	}
}

func TestResponseProcessorErrorCounterResetsOnSuccess(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 1})
	info := exchangeInfo{req: http11Request(nil), method: "GET", inputOpen: true, serverRunning: true}

	if _, _, err := p.Process(info, NewResponse(500)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Process(info, NewResponse(200)); err != nil {
		t.Fatal(err)
	}
	_, closeConn, err := p.Process(info, NewResponse(500))
	if err != nil {
		t.Fatal(err)
	}
	if closeConn {
		t.Fatalf("expected the counter to have reset after the intervening 200")
	}
}

func TestResponseProcessorUnknownLengthForcesChunked(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 10})
	resp := NewResponse(200)
	resp.Body = NewBody(lengthUnknown, func() (bodyIterator, error) {
		return &staticIterator{chunks: [][]byte{[]byte("x")}}, nil
	})
	info := exchangeInfo{req: http11Request(nil), method: "GET", inputOpen: true, serverRunning: true}

	if _, _, err := p.Process(info, resp); err != nil {
		t.Fatalf("Process: %v", err)
	}
	v, ok := resp.Headers.Get(strTransferEncoding)
	if !ok || string(v) != strChunked {
		t.Fatalf("got Transfer-Encoding=%q, ok=%v", v, ok)
	}
	if resp.Headers.Has(strContentLength) {
		t.Fatalf("Content-Length must not be set alongside Transfer-Encoding")
	}
}

func TestResponseProcessorCompressesWhenNegotiated(t *testing.T) {
	cfg := &Config{
		MaxErrorResponses:     10,
		CompressResponses:     true,
		CompressionLevel:      CompressDefaultCompression,
		CompressionPreference: []contentEncoder{encodingGzip},
	}
	p := newResponseProcessor(cfg)
	resp := Text(200, "compress me, please")

	reqHeaders := newHeaderMap()
	reqHeaders.Add(strAcceptEncoding, []byte("gzip"))
	info := exchangeInfo{req: http11Request(reqHeaders), method: "GET", inputOpen: true, serverRunning: true}

	_, _, err := p.Process(info, resp)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	v, ok := resp.Headers.Get(strContentEncoding)
	if !ok || string(v) != "gzip" {
		t.Fatalf("got Content-Encoding=%q, ok=%v", v, ok)
	}
	// Compression forces unknown length, which in turn forces chunked framing.
	te, ok := resp.Headers.Get(strTransferEncoding)
	if !ok || string(te) != strChunked {
		t.Fatalf("got Transfer-Encoding=%q, ok=%v", te, ok)
	}
}

func TestResponseProcessorSkipsCompressionWhenAlreadyEncoded(t *testing.T) {
	cfg := &Config{
		MaxErrorResponses:     10,
		CompressResponses:     true,
		CompressionPreference: []contentEncoder{encodingGzip},
	}
	p := newResponseProcessor(cfg)
	resp := Text(200, "already encoded")
	resp.Headers.Set(strContentEncoding, []byte("identity"))

	reqHeaders := newHeaderMap()
	reqHeaders.Add(strAcceptEncoding, []byte("gzip"))
	info := exchangeInfo{req: http11Request(reqHeaders), method: "GET", inputOpen: true, serverRunning: true}

	_, _, err := p.Process(info, resp)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	v, _ := resp.Headers.Get(strContentEncoding)
	if string(v) != "identity" {
		t.Fatalf("expected the application's own Content-Encoding to survive, got %q", v)
	}
}

func TestResponseProcessorTransferEncodingAndContentLengthConflict(t *testing.T) {
	p := newResponseProcessor(&Config{MaxErrorResponses: 10})
	resp := NewResponse(200)
	resp.Headers.Set(strTransferEncoding, []byte(strChunked))
	resp.Headers.Set(strContentLength, []byte("5"))
	info := exchangeInfo{req: http11Request(nil), method: "GET", inputOpen: true, serverRunning: true}

	if _, _, err := p.Process(info, resp); err == nil {
		t.Fatalf("expected a framing error for conflicting Transfer-Encoding and Content-Length")
	}
}
