package nomagic

import (
	"context"
	"fmt"
	"io"
)

// chunkState is the decoder's position within one chunk, §4.3.
type chunkState int

const (
	stateChunkSize chunkState = iota
	stateChunkData
	stateChunkDone
)

// chunkedDecoder turns a chunked-transfer-coded request body into a
// sequence of data slices, terminating with ErrEndOfIteration once the
// zero-size chunk and its trailers have been consumed. It shares the
// request's tokenParser so that trailing bytes past the final CRLF (the
// start of the next pipelined request, if any) are left for the next
// parser to pick up.
type chunkedDecoder struct {
	p              *tokenParser
	trailerMaxSize int

	state     chunkState
	remaining int
	trailers  *headerMap
}

func newChunkedDecoder(p *tokenParser, trailerMaxSize int) *chunkedDecoder {
	return &chunkedDecoder{p: p, trailerMaxSize: trailerMaxSize, state: stateChunkSize}
}

// Next returns the next slice of decoded body data, or ErrEndOfIteration
// once the terminating chunk and any trailers have been read.
func (d *chunkedDecoder) Next(ctx context.Context) ([]byte, error) {
	for {
		switch d.state {
		case stateChunkSize:
			n, err := d.readChunkSizeLine(ctx)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				trailerTotal := 0
				trailers, err := parseHeaders(ctx, d.p, d.trailerMaxSize, &trailerTotal)
				if err != nil {
					return nil, err
				}
				d.trailers = trailers
				d.state = stateChunkDone
				continue
			}
			d.remaining = n
			d.state = stateChunkData
		case stateChunkData:
			if d.remaining == 0 {
				if err := d.consumeCRLF(ctx); err != nil {
					return nil, err
				}
				d.state = stateChunkSize
				continue
			}
			data, err := d.p.readRaw(ctx, d.remaining)
			if err != nil {
				return nil, err
			}
			d.remaining -= len(data)
			return data, nil
		case stateChunkDone:
			return nil, ErrEndOfIteration
		}
	}
}

// Trailers returns the trailer fields parsed after the terminating chunk,
// or nil if iteration has not yet reached them.
func (d *chunkedDecoder) Trailers() *headerMap { return d.trailers }

// maxChunkSizeHexDigits bounds how many hex digits a chunk-size line may
// carry, independent of whatever the digits evaluate to — a line with more
// digits than this is rejected even if leading zeros would make it fit in
// an int.
const maxChunkSizeHexDigits = 16

func (d *chunkedDecoder) readChunkSizeLine(ctx context.Context) (int, error) {
	digits := 0
	for {
		b, err := d.p.advance(ctx)
		if err != nil {
			return 0, err
		}
		if err := d.p.checkCRLF(); err != nil {
			return 0, err
		}
		if isLF(b) {
			break
		}
		if isCR(b) {
			continue
		}
		if b == ';' {
			if err := d.skipExtension(ctx); err != nil {
				return 0, err
			}
			break
		}
		digits++
		if digits > maxChunkSizeHexDigits {
			return 0, parseErr("chunk size exceeds %d hex digits", maxChunkSizeHexDigits)
		}
		d.p.append()
	}
	tok := d.p.finish()
	return parseChunkSize(tok)
}

// skipExtension discards chunk-extension syntax (";name=value") up to the
// terminating LF; extensions carry no meaning this engine honors (§4.3
// Non-goals).
func (d *chunkedDecoder) skipExtension(ctx context.Context) error {
	for {
		b, err := d.p.advance(ctx)
		if err != nil {
			return err
		}
		if err := d.p.checkCRLF(); err != nil {
			return err
		}
		if isLF(b) {
			return nil
		}
	}
}

// consumeCRLF reads the line terminator that follows each chunk's data.
func (d *chunkedDecoder) consumeCRLF(ctx context.Context) error {
	b, err := d.p.advance(ctx)
	if err != nil {
		return err
	}
	if isLF(b) {
		return nil
	}
	if !isCR(b) {
		return parseErr("chunk data not terminated by CRLF")
	}
	b2, err := d.p.advance(ctx)
	if err != nil {
		return err
	}
	if err := d.p.checkCRLF(); err != nil {
		return err
	}
	if !isLF(b2) {
		return parseErr("chunk data not terminated by CRLF")
	}
	return nil
}

func parseChunkSize(tok []byte) (int, error) {
	if len(tok) == 0 {
		return 0, parseErr("empty chunk size")
	}
	n := 0
	for _, c := range tok {
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'f':
			d = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int(c-'A') + 10
		default:
			return 0, parseErr("invalid chunk size digit %q", c)
		}
		n = n*16 + d
		if n < 0 {
			return 0, parseErr("chunk size overflow")
		}
	}
	return n, nil
}

// chunkedEncoder wraps a body iterator, framing each non-empty upstream
// view as one chunk (§4.4): ASCII hex length, CRLF, the view, CRLF. The
// terminating zero-size chunk, trailers and final CRLF are not this type's
// concern — the Channel Writer emits those once the encoder reports
// ErrEndOfIteration, via writeFinalChunk.
type chunkedEncoder struct {
	upstream bodyIterator
}

func newChunkedEncoder(upstream bodyIterator) *chunkedEncoder {
	return &chunkedEncoder{upstream: upstream}
}

func (e *chunkedEncoder) Next(ctx context.Context) ([]byte, error) {
	for {
		data, err := e.upstream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		framed := make([]byte, 0, len(data)+20)
		framed = append(framed, fmt.Sprintf("%x\r\n", len(data))...)
		framed = append(framed, data...)
		framed = append(framed, strCRLF...)
		return framed, nil
	}
}

// writeFinalChunk emits the terminating zero-size chunk, any trailer
// fields, and the final CRLF.
func writeFinalChunk(w io.Writer, trailers *headerMap) error {
	if _, err := io.WriteString(w, "0\r\n"); err != nil {
		return err
	}
	if trailers != nil {
		var werr error
		trailers.Each(func(k string, v []byte) {
			if werr != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				werr = err
			}
		})
		if werr != nil {
			return werr
		}
	}
	_, err := w.Write(strCRLF)
	return err
}
