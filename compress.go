package nomagic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"

	"github.com/nomagichttp/nomagic/internal/stackless"
)

const (
	CompressNoCompression      = 0
	CompressBestSpeed          = 1
	CompressBestCompression    = 9
	CompressDefaultCompression = 6
	CompressHuffmanOnly        = -2
)

// compressCtx carries the arguments a stackless-wrapped compressor needs
// across the goroutine boundary stackless.NewFunc introduces.
type compressCtx struct {
	w     io.Writer
	p     []byte
	level int
}

// compressPoolMap indexes a pool per compression level, the same way the
// teacher's zstd writer pools are indexed, so distinct levels never share
// (and thus never reset) one another's writers.
type compressPoolMap []*sync.Pool

func newCompressWriterPoolMap() compressPoolMap {
	m := make(compressPoolMap, 10)
	for i := 0; i < len(m); i++ {
		m[i] = &sync.Pool{}
	}
	return m
}

// byteSliceWriter lets AppendXBytesLevel hand the stackless compressors an
// io.Writer while still appending directly into the caller's slice.
type byteSliceWriter struct {
	b []byte
}

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

type byteSliceReader struct {
	b []byte
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

func copyZeroAlloc(w io.Writer, r io.Reader) (int64, error) {
	vbuf := copyBufPool.Get()
	buf := vbuf.([]byte)
	n, err := io.CopyBuffer(w, r, buf)
	copyBufPool.Put(vbuf)
	return n, err
}

var copyBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 4096)
	},
}

func normalizeCompressLevel(level int) int {
	if level < CompressHuffmanOnly || level > CompressBestCompression {
		level = CompressDefaultCompression
	}
	if level == CompressHuffmanOnly {
		// stackless pool indices are non-negative; huffman-only gets its own slot.
		return 9
	}
	return level
}

// --- gzip ---

var (
	realGzipWriterPoolMap      = newCompressWriterPoolMap()
	stacklessGzipWriterPoolMap = newCompressWriterPoolMap()
	gzipReaderPool             sync.Pool
)

func acquireStacklessGzipWriter(w io.Writer, level int) stackless.Writer {
	nLevel := normalizeCompressLevel(level)
	p := stacklessGzipWriterPoolMap[nLevel]
	v := p.Get()
	if v == nil {
		return stackless.NewWriter(w, func(w io.Writer) stackless.Writer {
			return acquireRealGzipWriter(w, level)
		})
	}
	sw := v.(stackless.Writer)
	sw.Reset(w)
	return sw
}

func releaseStacklessGzipWriter(zw stackless.Writer, level int) {
	zw.Close()
	nLevel := normalizeCompressLevel(level)
	p := stacklessGzipWriterPoolMap[nLevel]
	p.Put(zw)
}

func acquireRealGzipWriter(w io.Writer, level int) *gzip.Writer {
	nLevel := normalizeCompressLevel(level)
	p := realGzipWriterPoolMap[nLevel]
	v := p.Get()
	if v == nil {
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			zw, _ = gzip.NewWriterLevel(w, CompressDefaultCompression)
		}
		return zw
	}
	zw := v.(*gzip.Writer)
	zw.Reset(w)
	return zw
}

func releaseRealGzipWriter(zw *gzip.Writer, level int) {
	zw.Close()
	nLevel := normalizeCompressLevel(level)
	p := realGzipWriterPoolMap[nLevel]
	p.Put(zw)
}

// AppendGzipBytesLevel appends gzip(src) to dst at the given level.
func AppendGzipBytesLevel(dst, src []byte, level int) []byte {
	w := &byteSliceWriter{b: dst}
	WriteGzipLevel(w, src, level) //nolint:errcheck
	return w.b
}

func WriteGzipLevel(w io.Writer, p []byte, level int) (int, error) {
	level = normalizeCompressLevel(level)
	switch w.(type) {
	case *byteSliceWriter, *bytes.Buffer, *bytebufferpool.ByteBuffer:
		ctx := &compressCtx{w: w, p: p, level: level}
		stacklessWriteGzip(ctx)
		return len(p), nil
	default:
		zw := acquireStacklessGzipWriter(w, level)
		n, err := zw.Write(p)
		releaseStacklessGzipWriter(zw, level)
		return n, err
	}
}

var (
	stacklessWriteGzipOnce sync.Once
	stacklessWriteGzipFunc func(ctx any) bool
)

func stacklessWriteGzip(ctx any) {
	stacklessWriteGzipOnce.Do(func() {
		stacklessWriteGzipFunc = stackless.NewFunc(nonblockingWriteGzip)
	})
	stacklessWriteGzipFunc(ctx)
}

func nonblockingWriteGzip(ctxv any) {
	ctx := ctxv.(*compressCtx)
	zw := acquireRealGzipWriter(ctx.w, ctx.level)
	zw.Write(ctx.p) //nolint:errcheck
	releaseRealGzipWriter(zw, ctx.level)
}

func acquireGzipReader(r io.Reader) (*gzip.Reader, error) {
	v := gzipReaderPool.Get()
	if v == nil {
		return gzip.NewReader(r)
	}
	zr := v.(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		return nil, err
	}
	return zr, nil
}

func releaseGzipReader(zr *gzip.Reader) {
	gzipReaderPool.Put(zr)
}

// WriteUngzip writes ungzipped p to w, returning the uncompressed count.
func WriteUngzip(w io.Writer, p []byte) (int, error) {
	r := &byteSliceReader{b: p}
	zr, err := acquireGzipReader(r)
	if err != nil {
		return 0, err
	}
	n, err := copyZeroAlloc(w, zr)
	releaseGzipReader(zr)
	nn := int(n)
	if int64(nn) != n {
		return 0, fmt.Errorf("too much data ungzipped: %d", n)
	}
	return nn, err
}

// --- deflate ---

var (
	realFlateWriterPoolMap      = newCompressWriterPoolMap()
	stacklessFlateWriterPoolMap = newCompressWriterPoolMap()
	flateReaderPool             sync.Pool
)

func acquireStacklessDeflateWriter(w io.Writer, level int) stackless.Writer {
	nLevel := normalizeCompressLevel(level)
	p := stacklessFlateWriterPoolMap[nLevel]
	v := p.Get()
	if v == nil {
		return stackless.NewWriter(w, func(w io.Writer) stackless.Writer {
			return acquireRealDeflateWriter(w, level)
		})
	}
	sw := v.(stackless.Writer)
	sw.Reset(w)
	return sw
}

func releaseStacklessDeflateWriter(zw stackless.Writer, level int) {
	zw.Close()
	nLevel := normalizeCompressLevel(level)
	p := stacklessFlateWriterPoolMap[nLevel]
	p.Put(zw)
}

// flateWriter adapts *flate.Writer to the stackless.Writer contract, which
// additionally requires Reset(io.Writer) rather than flate's
// Reset(io.Writer) via a fresh writer allocation only.
type flateWriter struct {
	*flate.Writer
	level int
}

func (fw *flateWriter) Reset(w io.Writer) {
	fw.Writer.Reset(w)
}

func acquireRealDeflateWriter(w io.Writer, level int) *flateWriter {
	nLevel := normalizeCompressLevel(level)
	p := realFlateWriterPoolMap[nLevel]
	v := p.Get()
	if v == nil {
		zw, err := flate.NewWriter(w, level)
		if err != nil {
			zw, _ = flate.NewWriter(w, CompressDefaultCompression)
		}
		return &flateWriter{Writer: zw, level: level}
	}
	fw := v.(*flateWriter)
	fw.Writer.Reset(w)
	return fw
}

func releaseRealDeflateWriter(zw *flateWriter, level int) {
	zw.Close()
	nLevel := normalizeCompressLevel(level)
	p := realFlateWriterPoolMap[nLevel]
	p.Put(zw)
}

// AppendDeflateBytesLevel appends deflate(src) to dst at the given level.
func AppendDeflateBytesLevel(dst, src []byte, level int) []byte {
	w := &byteSliceWriter{b: dst}
	WriteDeflateLevel(w, src, level) //nolint:errcheck
	return w.b
}

func WriteDeflateLevel(w io.Writer, p []byte, level int) (int, error) {
	level = normalizeCompressLevel(level)
	switch w.(type) {
	case *byteSliceWriter, *bytes.Buffer, *bytebufferpool.ByteBuffer:
		ctx := &compressCtx{w: w, p: p, level: level}
		stacklessWriteDeflate(ctx)
		return len(p), nil
	default:
		zw := acquireStacklessDeflateWriter(w, level)
		n, err := zw.Write(p)
		releaseStacklessDeflateWriter(zw, level)
		return n, err
	}
}

var (
	stacklessWriteDeflateOnce sync.Once
	stacklessWriteDeflateFunc func(ctx any) bool
)

func stacklessWriteDeflate(ctx any) {
	stacklessWriteDeflateOnce.Do(func() {
		stacklessWriteDeflateFunc = stackless.NewFunc(nonblockingWriteDeflate)
	})
	stacklessWriteDeflateFunc(ctx)
}

func nonblockingWriteDeflate(ctxv any) {
	ctx := ctxv.(*compressCtx)
	zw := acquireRealDeflateWriter(ctx.w, ctx.level)
	zw.Write(ctx.p) //nolint:errcheck
	releaseRealDeflateWriter(zw, ctx.level)
}

func acquireFlateReader(r io.Reader) (io.ReadCloser, error) {
	v := flateReaderPool.Get()
	if v == nil {
		return flate.NewReader(r), nil
	}
	zr := v.(io.ReadCloser)
	if rr, ok := zr.(interface{ Reset(io.Reader, []byte) error }); ok {
		if err := rr.Reset(r, nil); err != nil {
			return nil, err
		}
		return zr, nil
	}
	return flate.NewReader(r), nil
}

func releaseFlateReader(zr io.ReadCloser) {
	zr.Close()
	flateReaderPool.Put(zr)
}

// WriteInflate writes inflated p to w, returning the uncompressed count.
func WriteInflate(w io.Writer, p []byte) (int, error) {
	r := &byteSliceReader{b: p}
	zr, err := acquireFlateReader(r)
	if err != nil {
		return 0, err
	}
	n, err := copyZeroAlloc(w, zr)
	releaseFlateReader(zr)
	nn := int(n)
	if int64(nn) != n {
		return 0, fmt.Errorf("too much data inflated: %d", n)
	}
	return nn, err
}

// --- brotli ---

var (
	realBrotliWriterPoolMap      = newCompressWriterPoolMap()
	stacklessBrotliWriterPoolMap = newCompressWriterPoolMap()
	brotliReaderPool             sync.Pool
)

func normalizeBrotliLevel(level int) int {
	if level < 0 || level > 11 {
		return 4
	}
	return level
}

func acquireStacklessBrotliWriter(w io.Writer, level int) stackless.Writer {
	nLevel := normalizeBrotliLevel(level)
	p := stacklessBrotliWriterPoolMap[nLevel%len(stacklessBrotliWriterPoolMap)]
	v := p.Get()
	if v == nil {
		return stackless.NewWriter(w, func(w io.Writer) stackless.Writer {
			return acquireRealBrotliWriter(w, level)
		})
	}
	sw := v.(stackless.Writer)
	sw.Reset(w)
	return sw
}

func releaseStacklessBrotliWriter(zw stackless.Writer, level int) {
	zw.Close()
	nLevel := normalizeBrotliLevel(level)
	p := stacklessBrotliWriterPoolMap[nLevel%len(stacklessBrotliWriterPoolMap)]
	p.Put(zw)
}

func acquireRealBrotliWriter(w io.Writer, level int) *brotli.Writer {
	nLevel := normalizeBrotliLevel(level)
	p := realBrotliWriterPoolMap[nLevel%len(realBrotliWriterPoolMap)]
	v := p.Get()
	if v == nil {
		return brotli.NewWriterLevel(w, nLevel)
	}
	bw := v.(*brotli.Writer)
	bw.Reset(w)
	return bw
}

func releaseRealBrotliWriter(bw *brotli.Writer, level int) {
	bw.Close()
	nLevel := normalizeBrotliLevel(level)
	p := realBrotliWriterPoolMap[nLevel%len(realBrotliWriterPoolMap)]
	p.Put(bw)
}

// AppendBrotliBytesLevel appends brotli(src) to dst at the given level.
func AppendBrotliBytesLevel(dst, src []byte, level int) []byte {
	w := &byteSliceWriter{b: dst}
	WriteBrotliLevel(w, src, level) //nolint:errcheck
	return w.b
}

func WriteBrotliLevel(w io.Writer, p []byte, level int) (int, error) {
	level = normalizeBrotliLevel(level)
	switch w.(type) {
	case *byteSliceWriter, *bytes.Buffer, *bytebufferpool.ByteBuffer:
		ctx := &compressCtx{w: w, p: p, level: level}
		stacklessWriteBrotli(ctx)
		return len(p), nil
	default:
		bw := acquireStacklessBrotliWriter(w, level)
		n, err := bw.Write(p)
		releaseStacklessBrotliWriter(bw, level)
		return n, err
	}
}

var (
	stacklessWriteBrotliOnce sync.Once
	stacklessWriteBrotliFunc func(ctx any) bool
)

func stacklessWriteBrotli(ctx any) {
	stacklessWriteBrotliOnce.Do(func() {
		stacklessWriteBrotliFunc = stackless.NewFunc(nonblockingWriteBrotli)
	})
	stacklessWriteBrotliFunc(ctx)
}

func nonblockingWriteBrotli(ctxv any) {
	ctx := ctxv.(*compressCtx)
	bw := acquireRealBrotliWriter(ctx.w, ctx.level)
	bw.Write(ctx.p) //nolint:errcheck
	releaseRealBrotliWriter(bw, ctx.level)
}

func acquireBrotliReader(r io.Reader) *brotli.Reader {
	v := brotliReaderPool.Get()
	if v == nil {
		return brotli.NewReader(r)
	}
	br := v.(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		return brotli.NewReader(r)
	}
	return br
}

func releaseBrotliReader(br *brotli.Reader) {
	brotliReaderPool.Put(br)
}

// WriteUnbrotli writes un-brotlied p to w, returning the uncompressed count.
func WriteUnbrotli(w io.Writer, p []byte) (int, error) {
	r := &byteSliceReader{b: p}
	br := acquireBrotliReader(r)
	n, err := copyZeroAlloc(w, br)
	releaseBrotliReader(br)
	nn := int(n)
	if int64(nn) != n {
		return 0, fmt.Errorf("too much data unbrotlied: %d", n)
	}
	return nn, err
}

// contentEncoder is the subset of supported codecs the compression stage
// of the response processor can apply, streaming, to a response body.
type contentEncoder int

const (
	encodingIdentity contentEncoder = iota
	encodingGzip
	encodingDeflate
	encodingBrotli
	encodingZstd
)

// negotiateEncoding picks the first codec the client's Accept-Encoding
// header names that this engine supports, preferring the order listed in
// cfg (so operators can rank brotli over gzip, etc).
func negotiateEncoding(acceptEncoding []byte, prefs []contentEncoder) contentEncoder {
	if len(acceptEncoding) == 0 {
		return encodingIdentity
	}
	accepted := parseAcceptEncoding(acceptEncoding)
	for _, enc := range prefs {
		if accepted[enc] {
			return enc
		}
	}
	return encodingIdentity
}

func parseAcceptEncoding(v []byte) map[contentEncoder]bool {
	out := make(map[contentEncoder]bool, 4)
	for _, tok := range bytes.Split(v, []byte(",")) {
		tok = trimASCIISpace(tok)
		if semi := bytes.IndexByte(tok, ';'); semi >= 0 {
			tok = trimASCIISpace(tok[:semi])
		}
		switch {
		case bytes.EqualFold(tok, []byte("gzip")):
			out[encodingGzip] = true
		case bytes.EqualFold(tok, []byte("deflate")):
			out[encodingDeflate] = true
		case bytes.EqualFold(tok, []byte("br")):
			out[encodingBrotli] = true
		case bytes.EqualFold(tok, []byte("zstd")):
			out[encodingZstd] = true
		}
	}
	return out
}

func (e contentEncoder) headerValue() string {
	switch e {
	case encodingGzip:
		return "gzip"
	case encodingDeflate:
		return "deflate"
	case encodingBrotli:
		return "br"
	case encodingZstd:
		return "zstd"
	default:
		return ""
	}
}

// compressBody applies the chosen codec to the full body, appending to dst.
// Callers only reach here for bodies small enough that materializing the
// whole payload before compressing it is acceptable.
func compressBody(dst, src []byte, enc contentEncoder, level int) []byte {
	switch enc {
	case encodingGzip:
		return AppendGzipBytesLevel(dst, src, level)
	case encodingDeflate:
		return AppendDeflateBytesLevel(dst, src, level)
	case encodingBrotli:
		return AppendBrotliBytesLevel(dst, src, level)
	case encodingZstd:
		return AppendZstdBytesLevel(dst, src, level)
	default:
		return append(dst, src...)
	}
}

// streamWriter is the subset of compress/* writer methods a streaming
// compressIterator needs: write, flush what's been written so far into the
// destination, and finalize the trailer on close.
type streamWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// compressIterator wraps an upstream body iterator, compressing each chunk
// as it arrives and handing the produced bytes onward. Because the
// destination of the wrapped writer is an in-memory buffer rather than the
// connection itself, this runs the real codec directly rather than through
// internal/stackless — nothing here ever blocks on socket I/O, so there is
// no goroutine-stack-pinning concern to amortize away.
type compressIterator struct {
	upstream bodyIterator
	enc      contentEncoder
	sw       streamWriter
	buf      *bytebufferpool.ByteBuffer
	done     bool
}

func newCompressIterator(upstream bodyIterator, enc contentEncoder, level int) *compressIterator {
	buf := acquireByteBuffer()
	var sw streamWriter
	switch enc {
	case encodingGzip:
		zw, err := gzip.NewWriterLevel(buf, level)
		if err != nil {
			zw, _ = gzip.NewWriterLevel(buf, CompressDefaultCompression)
		}
		sw = zw
	case encodingDeflate:
		zw, err := flate.NewWriter(buf, level)
		if err != nil {
			zw, _ = flate.NewWriter(buf, CompressDefaultCompression)
		}
		sw = zw
	case encodingBrotli:
		sw = brotli.NewWriterLevel(buf, normalizeBrotliLevel(level))
	case encodingZstd:
		zw, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
		if err != nil {
			zw, _ = zstd.NewWriter(buf)
		}
		sw = zw
	}
	return &compressIterator{upstream: upstream, enc: enc, sw: sw, buf: buf}
}

func (c *compressIterator) Next(ctx context.Context) ([]byte, error) {
	for {
		if c.done {
			return nil, ErrEndOfIteration
		}
		data, err := c.upstream.Next(ctx)
		if err != nil {
			if err == ErrEndOfIteration {
				_ = c.sw.Close()
				c.done = true
				out := c.drain()
				releaseByteBuffer(c.buf)
				if len(out) > 0 {
					return out, nil
				}
				return nil, ErrEndOfIteration
			}
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		if _, err := c.sw.Write(data); err != nil {
			return nil, err
		}
		if err := c.sw.Flush(); err != nil {
			return nil, err
		}
		if out := c.drain(); len(out) > 0 {
			return out, nil
		}
	}
}

func (c *compressIterator) drain() []byte {
	if len(c.buf.B) == 0 {
		return nil
	}
	out := append([]byte(nil), c.buf.B...)
	c.buf.Reset()
	return out
}
