package nomagic

import (
	"context"
)

// httpVersion is the parsed (major, minor) pair from a request line. This
// engine only ever emits HTTP/1.1 on the wire (§4.8), but must parse and
// reason about whatever version the client sent.
type httpVersion struct {
	Major, Minor int
}

func (v httpVersion) AtLeast11() bool {
	return v.Major > 1 || (v.Major == 1 && v.Minor >= 1)
}

func (v httpVersion) String() string {
	return "HTTP/" + string(rune('0'+v.Major)) + "." + string(rune('0'+v.Minor))
}

// requestLine is the parsed (method, target, version) triple of §4.2.
type requestLine struct {
	Method  []byte
	Target  []byte
	Version httpVersion
}

// parseRequestLine consumes one request-line's worth of bytes from p,
// counting every byte against total — the same running budget headers.go's
// parseHeaders continues past the request line, so MaxRequestHeadSize bounds
// the two together (§3).
func parseRequestLine(ctx context.Context, p *tokenParser, maxSize int, total *int) (requestLine, error) {
	var rl requestLine

	method, err := scanWord(ctx, p, "method", maxSize, total)
	if err != nil {
		return rl, err
	}
	rl.Method = method

	target, err := scanWord(ctx, p, "request-target", maxSize, total)
	if err != nil {
		return rl, err
	}
	rl.Target = target

	version, err := scanVersion(ctx, p, maxSize, total)
	if err != nil {
		return rl, err
	}
	rl.Version = version

	p.release()
	return rl, nil
}

// scanWord skips leading whitespace (is_leading_whitespace in §4.2: no
// bytes consumed yet and current is whitespace), then reads bytes until the
// first whitespace or LF. An empty token is an error.
func scanWord(ctx context.Context, p *tokenParser, name string, maxSize int, total *int) ([]byte, error) {
	for {
		b, err := p.advance(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.checkCRLF(); err != nil {
			return nil, err
		}
		if isLF(b) {
			p.trimTrailingCR()
			return p.finishNonEmpty(name)
		}
		if isWhitespace(b) {
			if p.isLeadingWhitespace() {
				continue
			}
			return p.finishNonEmpty(name)
		}
		p.append()
		*total++
		if *total > maxSize {
			return nil, parseErr("request line exceeds maximum size of %d bytes", maxSize)
		}
	}
}

// scanVersion skips leading whitespace, then reads bytes until LF (CR
// tolerated only immediately before it) and validates the
// HTTP/<major>.<minor> grammar; inner whitespace is an error.
func scanVersion(ctx context.Context, p *tokenParser, maxSize int, total *int) (httpVersion, error) {
	for {
		b, err := p.advance(ctx)
		if err != nil {
			return httpVersion{}, err
		}
		if err := p.checkCRLF(); err != nil {
			return httpVersion{}, err
		}
		if isLF(b) {
			break
		}
		if isWhitespace(b) {
			if p.isLeadingWhitespace() {
				continue
			}
			return httpVersion{}, parseErr("whitespace not allowed inside HTTP version")
		}
		p.append()
		*total++
		if *total > maxSize {
			return httpVersion{}, parseErr("request line exceeds maximum size of %d bytes", maxSize)
		}
	}
	p.trimTrailingCR()
	tok := p.finish()
	return parseHTTPVersion(tok)
}

func parseHTTPVersion(tok []byte) (httpVersion, error) {
	const prefix = "HTTP/"
	if len(tok) < len(prefix)+3 || string(tok[:len(prefix)]) != prefix {
		return httpVersion{}, parseErr("malformed HTTP version %q", tok)
	}
	rest := tok[len(prefix):]
	dot := -1
	for i, b := range rest {
		if b == '.' {
			dot = i
			break
		}
	}
	if dot <= 0 || dot >= len(rest)-1 {
		return httpVersion{}, parseErr("malformed HTTP version %q", tok)
	}
	major, ok1 := parseDigits(rest[:dot])
	minor, ok2 := parseDigits(rest[dot+1:])
	if !ok1 || !ok2 {
		return httpVersion{}, parseErr("malformed HTTP version %q", tok)
	}
	return httpVersion{Major: major, Minor: minor}, nil
}

func parseDigits(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
