package nomagic

import (
	"errors"
	"fmt"
)

// Kind classifies a wireError the way §7 of the engine's behavioral
// contract groups failures: by what the caller must do about them, not by
// which component raised them.
type Kind int

const (
	KindParse Kind = iota
	KindFraming
	KindEOS
	KindClientAborted
	KindIdleTimeout
	KindDecoder
	KindApplication
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindFraming:
		return "framing"
	case KindEOS:
		return "end-of-stream"
	case KindClientAborted:
		return "client-aborted"
	case KindIdleTimeout:
		return "idle-timeout"
	case KindDecoder:
		return "decoder"
	case KindApplication:
		return "application"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// wireError is the Go rendition of "exception with a suppressed cause"
// described in §4.9/§7: IdleConnection must take precedence over a channel
// error the timeout itself provoked, while still letting a caller recover
// the channel error via errors.As/Unwrap.
type wireError struct {
	kind       Kind
	msg        string
	cause      error
	suppressed error
}

func newWireError(kind Kind, msg string, cause error) *wireError {
	return &wireError{kind: kind, msg: msg, cause: cause}
}

func (e *wireError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *wireError) Unwrap() error { return e.cause }

// withSuppressed attaches a secondary cause without changing e's identity
// for errors.Is/As purposes. Used when an idle-timeout fires concurrently
// with a read/write failure caused by the very shutdown the timer performed.
func (e *wireError) withSuppressed(cause error) *wireError {
	e2 := *e
	e2.suppressed = cause
	return &e2
}

// Suppressed returns the secondary cause attached by withSuppressed, or nil.
func (e *wireError) Suppressed() error { return e.suppressed }

var (
	// ErrDismissed is returned by ByteSource methods once Dismiss has been
	// called, or after a self-dismissal on I/O failure.
	ErrDismissed = errors.New("nomagic: byte source dismissed")

	// ErrLimitAlreadySet is returned by Limit when called twice on the
	// same reader generation without an intervening Reset.
	ErrLimitAlreadySet = errors.New("nomagic: limit already set")

	// ErrNegativeLimit is returned by Limit for n < 0.
	ErrNegativeLimit = errors.New("nomagic: negative limit")

	// ErrNotEmpty is returned by Reset when buffered bytes remain.
	ErrNotEmpty = errors.New("nomagic: reader not empty")

	// ErrNotLimited is returned by Reset when the reader was never limited.
	ErrNotLimited = errors.New("nomagic: reader not limited")

	// ErrEndOfIteration signals iteration exhaustion under a limit; this
	// is a control-flow sentinel, not a connection-ending failure.
	ErrEndOfIteration = errors.New("nomagic: end of iteration")

	// ErrWriteInFlight is raised when application code attempts a second
	// concurrent write on the same exchange's response.
	ErrWriteInFlight = errors.New("nomagic: response already being written")

	// ErrBodyIteratorReused is raised if a response body's iterator()
	// factory is invoked more than once.
	ErrBodyIteratorReused = errors.New("nomagic: response body iterator already opened")

	// ErrTransferEncodingSet is raised when an application sets
	// Transfer-Encoding itself and the processor also needs to apply it.
	ErrTransferEncodingSet = errors.New("nomagic: application set Transfer-Encoding")

	// ErrServerNotRunning names the "server not running" condition. The
	// engine does not return it: the Response Processor forces
	// Connection: close from exchangeInfo.serverRunning instead.
	ErrServerNotRunning = errors.New("nomagic: server not running")

	// ErrResponseRejected is raised when a 1xx response cannot be sent to
	// an HTTP/1.0 client and discard_rejected_informational is off.
	ErrResponseRejected = errors.New("nomagic: response rejected")
)

// EndOfStream reports "end of stream while expecting n more bytes", raised
// by ByteSource.Next when the peer closes mid-body with a limit in force.
type EndOfStream struct {
	Expected int
}

func (e *EndOfStream) Error() string {
	return fmt.Sprintf("nomagic: end of stream, %d bytes still expected", e.Expected)
}

// IdleConnection is raised by the idle timer's watchdog when it fires
// before the blocked read/write completes. It always takes precedence
// over any channel error the shutdown itself produced; that error, if
// any, is attached as a suppressed secondary cause.
type IdleConnection struct {
	suppressed error
}

func (e *IdleConnection) Error() string { return "nomagic: idle connection timeout" }

func (e *IdleConnection) Suppressed() error { return e.suppressed }

// ParseError reports a malformed request-line, header, trailer or chunk
// framing byte sequence, described by Reason.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "nomagic: parse error: " + e.Reason }

func parseErr(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// FramingError reports a disagreement between declared and actual body
// length, or a forbidden header combination on an outgoing response.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "nomagic: framing error: " + e.Reason }

func framingErr(format string, args ...any) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}
