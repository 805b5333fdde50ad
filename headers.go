package nomagic

import (
	"bytes"
	"context"
	"strconv"
	"strings"
)

// headerField is one entry of an ordered, case-insensitive-on-lookup
// header multimap (§3), preserving insertion order and original key
// casing for echo.
type headerField struct {
	Key   string
	Value []byte
}

// headerMap realizes the Request Head's `headers` field and a Response's
// `headers`/`trailers` fields: an ordered multi-map, case-insensitive on
// keys.
type headerMap struct {
	fields []headerField
}

func newHeaderMap() *headerMap { return &headerMap{} }

func (h *headerMap) Add(key string, value []byte) {
	h.fields = append(h.fields, headerField{Key: key, Value: value})
}

// Set replaces the first existing entry for key (case-insensitively), or
// appends if absent. Any further duplicates of key are left as-is — the
// model is multi-valued, so Set only standardizes the first slot.
func (h *headerMap) Set(key string, value []byte) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Key, key) {
			h.fields[i].Value = value
			return
		}
	}
	h.Add(key, value)
}

func (h *headerMap) Get(key string) ([]byte, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value, true
		}
	}
	return nil, false
}

func (h *headerMap) GetAll(key string) [][]byte {
	var out [][]byte
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			out = append(out, f.Value)
		}
	}
	return out
}

func (h *headerMap) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

func (h *headerMap) Del(key string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Key, key) {
			out = append(out, f)
		}
	}
	h.fields = out
}

func (h *headerMap) Len() int { return len(h.fields) }

func (h *headerMap) Each(fn func(key string, value []byte)) {
	for _, f := range h.fields {
		fn(f.Key, f.Value)
	}
}

// parseHeaders consumes header lines until the terminating blank line,
// applying obs-fold continuation and the configured maximum head size.
// total is a running byte count checked against maxSize after every header
// line and fold continuation; the caller owns its starting value, so the
// request-line parser and this function can share one budget (the trailer
// parser instead starts a fresh total of its own, under
// max_request_trailers_size instead of max_request_head_size).
func parseHeaders(ctx context.Context, p *tokenParser, maxSize int, total *int) (*headerMap, error) {
	h := newHeaderMap()

	for {
		b, err := p.advance(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.checkCRLF(); err != nil {
			return nil, err
		}
		if isLF(b) {
			break // bare-LF blank line: end of headers
		}
		if isCR(b) {
			b2, err := p.advance(ctx)
			if err != nil {
				return nil, err
			}
			if err := p.checkCRLF(); err != nil {
				return nil, err
			}
			if !isLF(b2) {
				return nil, parseErr("malformed blank line terminating headers")
			}
			break
		}
		p.rewindOne()

		key, value, err := scanHeaderLine(ctx, p)
		if err != nil {
			return nil, err
		}
		*total += len(key) + len(value)
		if *total > maxSize {
			return nil, parseErr("header block exceeds maximum size of %d bytes", maxSize)
		}

		for {
			foldByte, err := p.advance(ctx)
			if err != nil {
				return nil, err
			}
			if err := p.checkCRLF(); err != nil {
				return nil, err
			}
			if !isWhitespace(foldByte) {
				p.rewindOne()
				break
			}
			p.rewindOne()
			cont, err := scanFoldContinuation(ctx, p)
			if err != nil {
				return nil, err
			}
			*total += len(cont)
			if *total > maxSize {
				return nil, parseErr("header block exceeds maximum size of %d bytes", maxSize)
			}
			if len(cont) > 0 {
				value = append(bytes.TrimRight(value, " \t"), ' ')
				value = append(value, cont...)
			}
		}

		h.Add(string(key), value)
	}

	p.release()
	return h, nil
}

// scanHeaderLine reads "key: value" from the current position (the line's
// first byte must already be current, via an immediately-preceding
// rewindOne) through the terminating LF.
func scanHeaderLine(ctx context.Context, p *tokenParser) (key, value []byte, err error) {
	for {
		b, err := p.advance(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := p.checkCRLF(); err != nil {
			return nil, nil, err
		}
		if isLF(b) {
			return nil, nil, parseErr("header line has no colon")
		}
		if isColon(b) {
			break
		}
		if isWhitespace(b) {
			return nil, nil, parseErr("whitespace not allowed in header key")
		}
		p.append()
	}
	key, err = p.finishNonEmpty("header key")
	if err != nil {
		return nil, nil, err
	}

	strippedLeading := false
	for {
		b, err := p.advance(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := p.checkCRLF(); err != nil {
			return nil, nil, err
		}
		if isLF(b) {
			break
		}
		if !strippedLeading && isWhitespace(b) {
			strippedLeading = true
			continue
		}
		strippedLeading = true
		p.append()
	}
	p.trimTrailingCR()
	value = p.finish()
	return key, value, nil
}

// scanFoldContinuation reads an obs-fold continuation line (one whose
// first byte is whitespace) through its terminating LF, stripping all of
// its own leading whitespace (the single separating space is added by the
// caller, matching §4.2's "joining with a single space").
func scanFoldContinuation(ctx context.Context, p *tokenParser) ([]byte, error) {
	leading := true
	for {
		b, err := p.advance(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.checkCRLF(); err != nil {
			return nil, err
		}
		if isLF(b) {
			break
		}
		if leading && isWhitespace(b) {
			continue
		}
		leading = false
		p.append()
	}
	p.trimTrailingCR()
	return p.finish(), nil
}

// contentLength returns the parsed Content-Length header, if present and
// valid. A negative or malformed value is a parse error.
func contentLength(h *headerMap) (int, bool, error) {
	v, ok := h.Get(strContentLength)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(v)))
	if err != nil || n < 0 {
		return 0, false, parseErr("invalid Content-Length %q", v)
	}
	return n, true, nil
}

// isChunked reports whether Transfer-Encoding names chunked as (by this
// profile's restriction) its only coding.
func isChunked(h *headerMap) bool {
	v, ok := h.Get(strTransferEncoding)
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(string(v)), strChunked)
}
