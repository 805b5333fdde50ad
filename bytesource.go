package nomagic

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// desire models the ByteSource consumption mode described in §3: unlimited
// (read until EOS), limited to n remaining bytes, or dismissed.
type desire int

const (
	desireUnlimited desire = iota
	desireLimited
	desireDismissed
)

const readChunkSize = 4096

// ByteSource is the Channel Reader of §4.1: a bounded, resumable, single-
// consumer producer of read-only byte views over a net.Conn. Only one
// goroutine may call Next at a time; that goroutine suspends (blocks) on
// the underlying Read.
type ByteSource struct {
	conn net.Conn
	idle *idleTimer

	buf  *bytebufferpool.ByteBuffer
	view []byte // buffered, not-yet-handed-out bytes read ahead of the caller

	desireState desire
	limit       int

	eos       bool
	dismissed atomic.Bool
	started   atomic.Bool

	err error
}

// NewByteSource wraps conn as a Channel Reader, arming idle on every read.
func NewByteSource(conn net.Conn, idle *idleTimer) *ByteSource {
	return &ByteSource{
		conn: conn,
		idle: idle,
		buf:  acquireByteBuffer(),
	}
}

// HasNext reports, without blocking, whether Next can currently return a
// view: either bytes are already buffered, or more may still be read under
// the current limit and EOS has not been observed.
func (s *ByteSource) HasNext() bool {
	if s.dismissed.Load() || s.eos {
		return false
	}
	if len(s.view) > 0 {
		return true
	}
	if s.desireState == desireLimited && s.limit == 0 {
		return false
	}
	return true
}

// HasNotStarted reports whether no read has yet been attempted on this
// reader. Graceful shutdown uses this (with release/acquire semantics via
// atomic.Bool) to decide whether a connection is still idle.
func (s *ByteSource) HasNotStarted() bool {
	return !s.started.Load()
}

// Next returns the next non-empty byte view, blocking on the channel if
// nothing is buffered. A nil, nil result means EOS was reached on an
// unlimited reader; subsequent calls keep returning that.
func (s *ByteSource) Next(ctx context.Context) ([]byte, error) {
	if s.dismissed.Load() {
		return nil, ErrDismissed
	}
	if len(s.view) > 0 {
		v := s.view
		if s.desireState == desireLimited {
			if s.limit == 0 {
				return nil, ErrEndOfIteration
			}
			if len(v) > s.limit {
				v = v[:s.limit]
				s.view = s.view[s.limit:]
			} else {
				s.view = nil
			}
			s.limit -= len(v)
		} else {
			s.view = nil
		}
		return v, nil
	}
	if s.eos {
		return nil, nil
	}
	if s.desireState == desireLimited && s.limit == 0 {
		return nil, ErrEndOfIteration
	}

	s.idle.scheduleRead()
	s.started.Store(true)

	n, readErr := s.readOnce()

	aborted := s.idle.tryAbort()
	if !aborted {
		s.dismissed.Store(true)
		s.recordErr(readErr)
		return nil, &IdleConnection{suppressed: readErr}
	}

	if readErr != nil {
		s.dismissed.Store(true)
		s.recordErr(readErr)
		_ = shutdownRead(s.conn)
		if errors.Is(readErr, io.EOF) {
			if s.desireState == desireLimited {
				return nil, &EndOfStream{Expected: s.limit}
			}
			s.eos = true
			return nil, nil
		}
		return nil, readErr
	}

	data := s.buf.B[:n]
	if s.desireState == desireLimited {
		s.limit -= n
	}
	return data, nil
}

func (s *ByteSource) readOnce() (int, error) {
	want := readChunkSize
	if s.desireState == desireLimited && s.limit < want {
		want = s.limit
	}
	if cap(s.buf.B) < want {
		s.buf.B = make([]byte, want)
	}
	n, err := s.conn.Read(s.buf.B[:want])
	return n, err
}

func (s *ByteSource) recordErr(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Limit caps future consumption to n bytes across all subsequent Next
// calls.
func (s *ByteSource) Limit(n int) error {
	if s.dismissed.Load() {
		return ErrDismissed
	}
	if n < 0 {
		return ErrNegativeLimit
	}
	if s.desireState == desireLimited {
		return ErrLimitAlreadySet
	}
	s.desireState = desireLimited
	s.limit = n
	return nil
}

// Reset returns an exhausted, previously-limited reader to unlimited mode.
func (s *ByteSource) Reset() error {
	if s.desireState != desireLimited {
		return ErrNotLimited
	}
	if len(s.view) != 0 || s.limit != 0 {
		return ErrNotEmpty
	}
	s.desireState = desireUnlimited
	return nil
}

// Dismiss is idempotent; subsequent Next calls fail with ErrDismissed. The
// scratch buffer is kept alive (not pooled back) until NewReader copies out
// any leftover bytes, since a concurrent pool reuse would otherwise corrupt
// the still-referenced view.
func (s *ByteSource) Dismiss() {
	s.dismissed.Store(true)
}

// NewReader produces the successor ByteSource for the next pipelined
// exchange, transferring any leftover buffered bytes. The receiver must
// already be dismissed and not at EOS.
func (s *ByteSource) NewReader() (*ByteSource, error) {
	if !s.dismissed.Load() {
		return nil, errors.New("nomagic: current reader must be dismissed before NewReader")
	}
	if s.eos {
		return nil, errors.New("nomagic: cannot chain a reader past end-of-stream")
	}
	next := &ByteSource{
		conn: s.conn,
		idle: s.idle,
		buf:  acquireByteBuffer(),
	}
	if len(s.view) > 0 {
		next.view = append(next.buf.B[:0], s.view...)
	}
	return next, nil
}

// putBack hands bytes a consumer read ahead of need (e.g. a tokenParser's
// one-byte-at-a-time cursor) back to the reader, so the next Next call
// returns them before attempting a fresh socket read. Used when head
// parsing finishes mid-view, so body framing and the next pipelined
// exchange see the correct offset.
func (s *ByteSource) putBack(b []byte) {
	if len(b) == 0 {
		return
	}
	s.view = b
}

// Release returns the scratch buffer to the pool. Call once the reader is
// dismissed and no successor (NewReader) will ever read its leftover view —
// i.e. the connection itself is going away.
func (s *ByteSource) Release() {
	releaseByteBuffer(s.buf)
}

// byteSourceBodyIterator adapts a ByteSource (whose Next signals EOS with a
// nil, nil result) to the bodyIterator contract (whose Next signals
// exhaustion with ErrEndOfIteration).
type byteSourceBodyIterator struct {
	src *ByteSource
}

func (it *byteSourceBodyIterator) Next(ctx context.Context) ([]byte, error) {
	v, err := it.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrEndOfIteration
	}
	return v, nil
}

func shutdownRead(conn net.Conn) error {
	type readCloser interface{ CloseRead() error }
	if rc, ok := conn.(readCloser); ok {
		return rc.CloseRead()
	}
	return nil
}

func shutdownWrite(conn net.Conn) error {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}
