package nomagic

import "time"

// Config enumerates the options this engine consults (§6); everything
// about how configuration is loaded — files, env, flags — is out of scope
// and lives above this layer.
type Config struct {
	// MaxRequestHeadSize bounds the combined request-line + header bytes.
	MaxRequestHeadSize int

	// MaxRequestTrailersSize bounds trailer bytes, parsed separately from
	// the head after a chunked body is drained.
	MaxRequestTrailersSize int

	// MaxErrorResponses is the number of consecutive 4xx/5xx responses a
	// connection may receive before the engine forces it closed.
	MaxErrorResponses int

	// MaxErrorHandlerAttempts caps how many times the error-handler chain
	// is retried for a single failure before falling back to a bare 500.
	MaxErrorHandlerAttempts int

	// TimeoutIdleConnection is the idle-timer duration (§4.9). Zero
	// disables the timer entirely.
	TimeoutIdleConnection time.Duration

	// DiscardRejectedInformational, when true, silently drops a 1xx
	// response that can't be sent to an HTTP/1.0 client instead of failing
	// the exchange with a rejection error.
	DiscardRejectedInformational bool

	// RejectClientsUsingHTTP10 is carried on Config, but the exchange loop
	// does not read it: HTTP/1.0 clients are served whatever its value.
	RejectClientsUsingHTTP10 bool

	// ImmediatelyContinueExpect100 makes the engine write a `100 Continue`
	// as soon as it sees `Expect: 100-continue`, without waiting on the
	// handler to request it.
	ImmediatelyContinueExpect100 bool

	// CompressResponses enables the negotiated Content-Encoding stage
	// (§4.12): gzip, zstd, brotli or deflate, chosen by
	// CompressionPreference and run at CompressionLevel, applied whenever the client's
	// Accept-Encoding allows it and the application hasn't already set
	// Content-Encoding or Transfer-Encoding itself.
	CompressResponses bool

	// CompressionLevel is passed to the chosen codec; interpretation is
	// codec-specific (e.g. 1-9 for gzip/deflate, 0-11 for brotli).
	CompressionLevel int

	// CompressionPreference orders the codecs tried against the client's
	// Accept-Encoding header; the first match wins.
	CompressionPreference []contentEncoder

	// IdleAdmissionRate caps, in arms per second, how fast freshly accepted
	// connections may arm their first idle timer (§4.13). Zero disables
	// admission pacing entirely — every connection arms its timer
	// immediately, as if no limiter were configured.
	IdleAdmissionRate float64

	// IdleAdmissionBurst is the admission limiter's burst size; it has no
	// effect when IdleAdmissionRate is zero.
	IdleAdmissionBurst int
}

// DefaultConfig returns the engine's out-of-the-box settings.
func DefaultConfig() Config {
	return Config{
		MaxRequestHeadSize:           8 * 1024,
		MaxRequestTrailersSize:       8 * 1024,
		MaxErrorResponses:            10,
		MaxErrorHandlerAttempts:      3,
		TimeoutIdleConnection:        90 * time.Second,
		DiscardRejectedInformational: false,
		RejectClientsUsingHTTP10:     false,
		ImmediatelyContinueExpect100: false,
		CompressResponses:            false,
		CompressionLevel:             CompressDefaultCompression,
		CompressionPreference:        []contentEncoder{encodingGzip, encodingZstd, encodingBrotli, encodingDeflate},
	}
}
