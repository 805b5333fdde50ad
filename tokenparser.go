package nomagic

import (
	"context"
	"io"
)

// tokenParser walks a ByteSource one byte at a time, the way headerScanner
// walks a pre-buffered slice in the teacher — except here the underlying
// bytes may still be arriving from the network, so advance() blocks on the
// ByteSource instead of indexing into an already-filled buffer.
//
// Line termination rule, shared by every parser built on top of this: LF is
// the terminator. A bare CR is legal only as the byte immediately preceding
// LF. Any CR followed by a non-LF byte is a parse error.
type tokenParser struct {
	src *ByteSource

	pending []byte // unconsumed tail of the most recent ByteSource view

	current  byte
	previous byte
	started  bool

	buf []byte // reusable token accumulator
}

func newTokenParser(src *ByteSource) *tokenParser {
	return &tokenParser{src: src}
}

// advance reads the next byte into current (saving the old one into
// previous) and returns it. It is the only suspension point in the parser:
// it may block on the underlying channel via ByteSource.Next.
func (p *tokenParser) advance(ctx context.Context) (byte, error) {
	if len(p.pending) == 0 {
		v, err := p.src.Next(ctx)
		if err != nil {
			return 0, err
		}
		if len(v) == 0 {
			return 0, io.EOF
		}
		p.pending = v
	}
	p.previous = p.current
	p.current = p.pending[0]
	p.pending = p.pending[1:]
	p.started = true
	return p.current, nil
}

// HasStarted reports whether advance has ever successfully delivered a
// byte to this parser. Used to distinguish a connection closed before any
// request bytes arrived (silently ends the exchange) from one closed
// mid-head (a 400 response, since some bytes were received).
func (p *tokenParser) HasStarted() bool { return p.started }

func isCR(b byte) bool { return b == '\r' }
func isLF(b byte) bool { return b == '\n' }
func isColon(b byte) bool { return b == ':' }

// isWhitespace matches the ASCII whitespace this layer ever sees: a leading
// space or tab. Per §4.2 this stands in for the general Unicode-whitespace
// rule, since every byte here is already known to be 7-bit ASCII.
func isWhitespace(b byte) bool { return b == ' ' || b == '\t' }

// isLeadingWhitespace reports whether current is whitespace and no bytes
// have yet been appended to the token buffer.
func (p *tokenParser) isLeadingWhitespace() bool {
	return len(p.buf) == 0 && isWhitespace(p.current)
}

// append adds current to the token buffer as a raw byte.
func (p *tokenParser) append() {
	p.buf = append(p.buf, p.current)
}

// finish returns a copy of the accumulated token and clears the buffer for
// reuse by the next token.
func (p *tokenParser) finish() []byte {
	if len(p.buf) == 0 {
		return nil
	}
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	p.buf = p.buf[:0]
	return out
}

// finishNonEmpty is finish, but fails with name in the error when the token
// buffer is empty.
func (p *tokenParser) finishNonEmpty(name string) ([]byte, error) {
	if len(p.buf) == 0 {
		return nil, parseErr("%s must not be empty", name)
	}
	return p.finish(), nil
}

// rewindOne re-queues the current byte so the next advance() returns it
// again, and restores current to what it was before that byte was read —
// otherwise the next advance() would set previous equal to the redelivered
// byte itself, corrupting checkCRLF's view of what preceded it (a bare CR
// being rewound would then look like it was followed by itself, not by
// whatever comes next).
func (p *tokenParser) rewindOne() {
	p.pending = append([]byte{p.current}, p.pending...)
	p.current = p.previous
}

// trimTrailingCR drops a trailing CR from the token buffer, for grammars
// that scan "until LF" and must not retain the CRLF's CR in the token.
func (p *tokenParser) trimTrailingCR() {
	if n := len(p.buf); n > 0 && isCR(p.buf[n-1]) {
		p.buf = p.buf[:n-1]
	}
}

// readRaw returns up to max bytes without tokenizing them — used by the
// chunked body decoder to move chunk-data bytes in bulk instead of one at a
// time, while keeping current/previous consistent for the checkCRLF call
// that follows once byte-at-a-time scanning resumes (the CRLF after a
// chunk's data).
func (p *tokenParser) readRaw(ctx context.Context, max int) ([]byte, error) {
	var out []byte
	if len(p.pending) > 0 {
		n := len(p.pending)
		if n > max {
			n = max
		}
		out = p.pending[:n]
		p.pending = p.pending[n:]
	} else {
		v, err := p.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		n := len(v)
		if n > max {
			n = max
		}
		out = v[:n]
		if n < len(v) {
			p.pending = v[n:]
		}
	}
	if len(out) > 0 {
		p.previous = p.current
		p.current = out[len(out)-1]
		p.started = true
	}
	return out, nil
}

// release hands any unconsumed look-ahead bytes back to the ByteSource.
// Call once when this parser has produced its final result, so a
// subsequent parser (body framing, trailers, the next pipelined exchange)
// sees the stream at the correct offset.
func (p *tokenParser) release() {
	p.src.putBack(p.pending)
	p.pending = nil
}

// checkCRLF enforces the shared line-termination rule for the byte just
// read into current, given that previous was (or was not) a CR. Call this
// once per advanced byte before deciding what current means.
func (p *tokenParser) checkCRLF() error {
	if isCR(p.previous) && !isLF(p.current) {
		return parseErr("bare CR not followed by LF")
	}
	return nil
}
