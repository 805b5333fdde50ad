package nomagic

import (
	"bytes"
	"context"
	"testing"

	"github.com/nomagichttp/nomagic/internal/netutil"
)

func newChunkedTestDecoder(t *testing.T, wire string) (*chunkedDecoder, func()) {
	t.Helper()
	pc := netutil.NewPipeConns()
	src := NewByteSource(pc.Conn2(), newIdleTimer(pc.Conn2(), 0, nil))
	if _, err := pc.Conn1().Write([]byte(wire)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = pc.Conn1().Close()
	p := newTokenParser(src)
	return newChunkedDecoder(p, 8*1024), func() { _ = pc.Close() }
}

func readAllChunked(t *testing.T, d *chunkedDecoder) []byte {
	t.Helper()
	var out []byte
	for {
		v, err := d.Next(context.Background())
		if err != nil {
			if err == ErrEndOfIteration {
				return out
			}
			t.Fatalf("Next: %v", err)
		}
		out = append(out, v...)
	}
}

func TestChunkedDecoderBasic(t *testing.T) {
	d, done := newChunkedTestDecoder(t, "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	defer done()

	got := readAllChunked(t, d)
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
	if d.Trailers() == nil || d.Trailers().Len() != 0 {
		t.Fatalf("expected no trailers")
	}
}

func TestChunkedDecoderWithTrailers(t *testing.T) {
	d, done := newChunkedTestDecoder(t, "4\r\nabcd\r\n0\r\nX-Trailer: value\r\n\r\n")
	defer done()

	got := readAllChunked(t, d)
	if string(got) != "abcd" {
		t.Fatalf("got %q", got)
	}
	v, ok := d.Trailers().Get("X-Trailer")
	if !ok || string(v) != "value" {
		t.Fatalf("got trailer %q, ok=%v", v, ok)
	}
}

func TestChunkedDecoderSkipsExtensions(t *testing.T) {
	d, done := newChunkedTestDecoder(t, "5;foo=bar\r\nhello\r\n0\r\n\r\n")
	defer done()

	got := readAllChunked(t, d)
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestChunkedDecoderRejectsBadSizeDigit(t *testing.T) {
	d, done := newChunkedTestDecoder(t, "zz\r\nhello\r\n0\r\n\r\n")
	defer done()

	if _, err := d.Next(context.Background()); err == nil {
		t.Fatalf("expected a parse error for an invalid chunk size")
	}
}

func TestChunkedDecoderRejectsMissingCRLFAfterData(t *testing.T) {
	d, done := newChunkedTestDecoder(t, "5\r\nhelloXX0\r\n\r\n")
	defer done()

	if _, err := d.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error reading the first chunk: %v", err)
	}
	if _, err := d.Next(context.Background()); err == nil {
		t.Fatalf("expected a framing error for a missing chunk-data terminator")
	}
}

type collectIterator struct {
	chunks [][]byte
	i      int
}

func (c *collectIterator) Next(context.Context) ([]byte, error) {
	if c.i >= len(c.chunks) {
		return nil, ErrEndOfIteration
	}
	v := c.chunks[c.i]
	c.i++
	return v, nil
}

func TestChunkedEncoderFramesEachChunk(t *testing.T) {
	upstream := &collectIterator{chunks: [][]byte{[]byte("ab"), []byte("cde")}}
	enc := newChunkedEncoder(upstream)

	var out bytes.Buffer
	for {
		v, err := enc.Next(context.Background())
		if err != nil {
			if err == ErrEndOfIteration {
				break
			}
			t.Fatalf("Next: %v", err)
		}
		out.Write(v)
	}
	if err := writeFinalChunk(&out, nil); err != nil {
		t.Fatal(err)
	}

	if out.String() != "2\r\nab\r\n3\r\ncde\r\n0\r\n\r\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestChunkedEncoderSkipsEmptyChunks(t *testing.T) {
	upstream := &collectIterator{chunks: [][]byte{nil, []byte("x"), {}}}
	enc := newChunkedEncoder(upstream)

	v, err := enc.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(v) != "1\r\nx\r\n" {
		t.Fatalf("got %q", v)
	}

	if _, err := enc.Next(context.Background()); err != ErrEndOfIteration {
		t.Fatalf("expected end of iteration after the only non-empty chunk")
	}
}

func TestWriteFinalChunkWithTrailers(t *testing.T) {
	trailers := newHeaderMap()
	trailers.Add("X-Checksum", []byte("abc123"))

	var out bytes.Buffer
	if err := writeFinalChunk(&out, trailers); err != nil {
		t.Fatal(err)
	}
	if out.String() != "0\r\nX-Checksum: abc123\r\n\r\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestChunkedDecoderRejectsOversizedChunkSizeLine(t *testing.T) {
	d, done := newChunkedTestDecoder(t, "000000000000000001\r\nx\r\n0\r\n\r\n")
	defer done()

	if _, err := d.Next(context.Background()); err == nil {
		t.Fatalf("expected a parse error for a chunk size line with more than 16 hex digits")
	}
}

func TestParseChunkSizeHex(t *testing.T) {
	n, err := parseChunkSize([]byte("1a"))
	if err != nil || n != 26 {
		t.Fatalf("got n=%d err=%v", n, err)
	}
	if _, err := parseChunkSize(nil); err == nil {
		t.Fatalf("expected an error for an empty chunk size")
	}
}
