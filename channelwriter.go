package nomagic

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
)

// channelWriter is the Channel Writer of §4.8: it runs after-actions,
// invokes the Response Processor, and serializes the result onto the
// connection, rejecting any attempt to write a second response while one
// is still in flight.
type channelWriter struct {
	conn net.Conn
	idle *idleTimer
	proc *responseProcessor
	cfg  *Config
	sink EventSink

	inFlight     atomic.Bool
	continueSent bool
	dismissed    atomic.Bool
}

func newChannelWriter(conn net.Conn, idle *idleTimer, proc *responseProcessor, cfg *Config, sink EventSink) *channelWriter {
	if sink == nil {
		sink = noopEventSink{}
	}
	return &channelWriter{conn: conn, idle: idle, proc: proc, cfg: cfg, sink: sink}
}

// Write runs the after-action chain, processes resp, and serializes it.
// It returns whether the connection must close after this response.
func (w *channelWriter) Write(ctx context.Context, info exchangeInfo, req *Request, resp *Response, afterActions []AfterAction) (bool, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return false, ErrWriteInFlight
	}
	defer w.inFlight.Store(false)

	if resp.isInformational() {
		drop, err := w.filterInformational(req, resp)
		if err != nil {
			return false, err
		}
		if drop {
			return false, nil
		}
	}

	var err error
	for _, action := range afterActions {
		resp, err = action(ctx, req, resp)
		if err != nil {
			return false, err
		}
	}

	it, closeConn, err := w.proc.Process(info, resp)
	if err != nil {
		return false, err
	}

	if err := w.writeHead(ctx, resp); err != nil {
		w.fail()
		return closeConn, err
	}

	bodiless := isBodiless(info.method, resp.Status)
	var written int64
	if !bodiless {
		for {
			data, nextErr := it.Next(ctx)
			if nextErr != nil {
				if errors.Is(nextErr, ErrEndOfIteration) {
					break
				}
				w.fail()
				return closeConn, nextErr
			}
			n, writeErr := w.writeBytes(ctx, data)
			written += int64(n)
			if writeErr != nil {
				w.fail()
				return closeConn, writeErr
			}
		}
	}

	if resp.Headers.Has(strTransferEncoding) {
		cw := &ctxWriter{w: w, ctx: ctx}
		if err := writeFinalChunk(cw, resp.Trailers); err != nil {
			w.fail()
			return closeConn, err
		}
		written += cw.written
	}

	w.sink.ResponseSent(ResponseStats{
		Method:       info.method,
		Status:       resp.Status,
		BytesWritten: written,
	})

	return closeConn, nil
}

// filterInformational applies §4.8's suppression rules for 1xx responses:
// a repeated 100 Continue after the first is dropped (not an error); a 1xx
// to an HTTP/1.0 client is dropped if configured to, else rejected.
func (w *channelWriter) filterInformational(req *Request, resp *Response) (drop bool, err error) {
	if resp.Status == 100 {
		if w.continueSent {
			return true, nil
		}
		w.continueSent = true
	}
	if req != nil && !req.Version.AtLeast11() {
		if w.cfg.DiscardRejectedInformational {
			return true, nil
		}
		return false, ErrResponseRejected
	}
	return false, nil
}

func (w *channelWriter) writeHead(ctx context.Context, resp *Response) error {
	buf := acquireByteBuffer()
	defer releaseByteBuffer(buf)

	buf.B = append(buf.B, strHTTP11...)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, strconv.Itoa(resp.Status)...)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, resp.Reason...)
	buf.B = append(buf.B, strCRLF...)
	resp.Headers.Each(func(k string, v []byte) {
		buf.B = append(buf.B, k...)
		buf.B = append(buf.B, ':', ' ')
		buf.B = append(buf.B, v...)
		buf.B = append(buf.B, strCRLF...)
	})
	buf.B = append(buf.B, strCRLF...)

	_, err := w.writeBytes(ctx, buf.B)
	return err
}

// writeBytes is the idle-timer-wrapped write loop §4.8 describes: a write
// failure caused by the timer's own shutdown surfaces as IdleConnection
// with the channel error attached as a suppressed cause.
func (w *channelWriter) writeBytes(ctx context.Context, data []byte) (int, error) {
	if w.dismissed.Load() {
		return 0, ErrDismissed
	}
	w.idle.scheduleWrite()
	n, err := w.conn.Write(data)
	if aborted := w.idle.tryAbort(); !aborted {
		return n, &IdleConnection{suppressed: err}
	}
	return n, err
}

func (w *channelWriter) fail() {
	w.dismissed.Store(true)
	_ = shutdownWrite(w.conn)
}

// ctxWriter adapts channelWriter.writeBytes to io.Writer for the one call
// (writeFinalChunk) that needs it, and tallies bytes written through it.
type ctxWriter struct {
	w       *channelWriter
	ctx     context.Context
	written int64
}

func (cw *ctxWriter) Write(p []byte) (int, error) {
	n, err := cw.w.writeBytes(cw.ctx, p)
	cw.written += int64(n)
	return n, err
}
