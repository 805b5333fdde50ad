package nomagic

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// exchangeRunner drives one connection's exchange loop (§4.10): parse head,
// decide body framing, run the Request Processor, write the response, and
// either loop for a pipelined successor or close.
type exchangeRunner struct {
	conn       net.Conn
	cfg        *Config
	routes     RouteTable
	errHandler ErrorHandler
	sink       EventSink
	running    *atomic.Bool

	// admission paces this connection's first idle-timer arm (§4.13); nil
	// when the server has no IdleAdmissionRate configured.
	admission *rate.Limiter
}

func newExchangeRunner(conn net.Conn, cfg *Config, routes RouteTable, errHandler ErrorHandler, sink EventSink, running *atomic.Bool, admission *rate.Limiter) *exchangeRunner {
	return &exchangeRunner{conn: conn, cfg: cfg, routes: routes, errHandler: errHandler, sink: sink, running: running, admission: admission}
}

// Run executes the exchange loop to completion — until the connection
// closes, by either side's choice or a fatal error — and reports that
// error, if any, to the caller for logging. A nil return means the
// connection ended in the ordinary course (client or server closing
// cleanly between exchanges).
func (r *exchangeRunner) Run(ctx context.Context) error {
	idle := newIdleTimer(r.conn, r.cfg.TimeoutIdleConnection, r.admission)
	proc := newResponseProcessor(r.cfg)
	writer := newChannelWriter(r.conn, idle, proc, r.cfg, r.sink)
	reqProc := newRequestProcessor(r.routes)

	reader := NewByteSource(r.conn, idle)
	for {
		closeConn, err := r.one(ctx, reader, writer, reqProc)
		if err != nil {
			reader.Release()
			return err
		}
		if closeConn {
			reader.Release()
			return nil
		}

		if !reader.dismissed.Load() {
			reader.Dismiss()
		}
		next, err := reader.NewReader()
		if err != nil {
			reader.Release()
			return nil
		}
		reader.Release()
		reader = next
	}
}

// one runs a single exchange: steps 2-6 of §4.10.
func (r *exchangeRunner) one(ctx context.Context, reader *ByteSource, writer *channelWriter, reqProc *requestProcessor) (bool, error) {
	p := newTokenParser(reader)

	headTotal := 0
	rl, err := parseRequestLine(ctx, p, r.cfg.MaxRequestHeadSize, &headTotal)
	if err != nil {
		return r.earlyError(ctx, writer, p, err)
	}
	headers, err := parseHeaders(ctx, p, r.cfg.MaxRequestHeadSize, &headTotal)
	if err != nil {
		return r.earlyError(ctx, writer, p, err)
	}
	target, err := parseRequestTarget(rl.Target)
	if err != nil {
		return r.earlyError(ctx, writer, p, err)
	}

	req := newRequest(string(rl.Method), target, rl.Version, headers)
	if err := r.attachBody(reader, p, req); err != nil {
		return r.earlyError(ctx, writer, p, err)
	}

	if r.cfg.ImmediatelyContinueExpect100 && wantsExpectContinue(headers) {
		info := exchangeInfo{req: req, method: req.Method, inputOpen: true, serverRunning: r.isRunning()}
		if _, err := writer.Write(ctx, info, req, NewResponse(100), nil); err != nil {
			return true, err
		}
	}

	resp, procErr := reqProc.Process(ctx, req)
	if procErr != nil {
		resp, procErr = r.runErrorHandler(ctx, req, procErr)
		if procErr != nil {
			resp = NewResponse(500)
		}
	}

	info := exchangeInfo{
		req:           req,
		method:        req.Method,
		inputOpen:     isInputOpen(reader),
		serverRunning: r.isRunning(),
	}
	after := r.routes.AfterActions(target.decodedSegments)
	closeConn, writeErr := writer.Write(ctx, info, req, resp, after)
	if writeErr != nil {
		return true, writeErr
	}

	// §4.10 step 5: drain any body (and, for chunked requests, trailers)
	// the application never consumed, so the next pipelined exchange (or
	// the terminal CRLF swallow) starts at the right offset.
	if req.body != nil {
		if err := req.DiscardBody(ctx); err != nil {
			return true, nil
		}
	}

	return closeConn, nil
}

// attachBody decides body framing from headers, §4.10 step 3.
func (r *exchangeRunner) attachBody(reader *ByteSource, p *tokenParser, req *Request) error {
	if isChunked(req.Headers) {
		req.decoder = newChunkedDecoder(p, r.cfg.MaxRequestTrailersSize)
		req.body = req.decoder
		req.status = trailerNotStarted
		return nil
	}
	n, has, err := contentLength(req.Headers)
	if err != nil {
		return err
	}
	p.release()
	if !has || n == 0 {
		return nil
	}
	if err := reader.Limit(n); err != nil {
		return err
	}
	req.body = &byteSourceBodyIterator{src: reader}
	return nil
}

func wantsExpectContinue(h *headerMap) bool {
	v, ok := h.Get("Expect")
	return ok && httpTokenEquals(v, "100-continue")
}

func httpTokenEquals(v []byte, s string) bool {
	return len(v) == len(s) && string(trimASCIISpace(v)) == s
}

func trimASCIISpace(b []byte) []byte {
	for len(b) > 0 && isWhitespace(b[0]) {
		b = b[1:]
	}
	for len(b) > 0 && isWhitespace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

func (r *exchangeRunner) runErrorHandler(ctx context.Context, req *Request, cause error) (*Response, error) {
	if r.errHandler == nil {
		return nil, cause
	}
	lastErr := cause
	for attempt := 0; attempt < r.cfg.MaxErrorHandlerAttempts; attempt++ {
		resp, err := r.errHandler(ctx, req, lastErr)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// earlyError handles a failure before the request head (or its body
// framing) could be established: §7's "early error" and "client-aborted"
// kinds. A connection closed before any bytes of this exchange arrived, or
// an idle-timeout, ends the exchange silently; anything else (malformed or
// merely incomplete bytes) gets a 400 and the connection closes.
func (r *exchangeRunner) earlyError(ctx context.Context, writer *channelWriter, p *tokenParser, cause error) (bool, error) {
	var idle *IdleConnection
	if errors.As(cause, &idle) {
		return true, nil
	}
	if errors.Is(cause, io.EOF) && !p.HasStarted() {
		return true, nil
	}

	resp := NewResponse(400)
	info := exchangeInfo{req: nil, method: "", inputOpen: false, serverRunning: r.isRunning()}
	_, err := writer.Write(ctx, info, nil, resp, nil)
	return true, err
}

func (r *exchangeRunner) isRunning() bool {
	if r.running == nil {
		return true
	}
	return r.running.Load()
}

func isInputOpen(reader *ByteSource) bool {
	return reader.HasNext() || !reader.dismissed.Load()
}
