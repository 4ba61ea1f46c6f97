// Package h1 holds the HTTP/1.x wire-level helpers used by the connection
// state machine: request-line and header-line splitting, chunk-size lines,
// percent decoding, and the status line table.
//
// Every function works on caller-owned byte slices and never allocates for
// the common path; decoding happens in place.
package h1

import (
	"bytes"

	"golang.org/x/net/http/httpguts"
)

// Wire versions.
const (
	Version10 = "HTTP/1.0"
	Version11 = "HTTP/1.1"
)

// Continue is the interim response sent for "Expect: 100-continue".
const Continue = "HTTP/1.1 100 Continue\r\n\r\n"

// MaxChunkSizeDigits bounds the hex digits of a chunk-size line.
const MaxChunkSizeDigits = 6

// ParseRequestLine splits "METHOD SP URI [SP VERSION]".
//
// The method runs to the first space and must be a token; the version is the
// last space-separated field; everything between is the URI. A line with only
// two fields has no version.
func ParseRequestLine(line []byte) (method, uri, version []byte, ok bool) {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return nil, nil, nil, false
	}
	method = line[:sp]
	for _, c := range method {
		if !httpguts.IsTokenRune(rune(c)) {
			return nil, nil, nil, false
		}
	}

	rest := trimSpaces(line[sp+1:])
	if len(rest) == 0 {
		return nil, nil, nil, false
	}
	uri = rest
	if last := bytes.LastIndexByte(rest, ' '); last >= 0 {
		uri = trimSpaces(rest[:last])
		version = rest[last+1:]
	}
	if len(uri) == 0 {
		return nil, nil, nil, false
	}
	return method, uri, version, true
}

// ParseVersion parses "HTTP/<major>.<minor>".
func ParseVersion(v []byte) (major, minor int, ok bool) {
	if len(v) < 8 || string(v[:5]) != "HTTP/" {
		return 0, 0, false
	}
	v = v[5:]
	dot := bytes.IndexByte(v, '.')
	if dot <= 0 || dot == len(v)-1 {
		return 0, 0, false
	}
	major, ok = parseSmallInt(v[:dot])
	if !ok {
		return 0, 0, false
	}
	minor, ok = parseSmallInt(v[dot+1:])
	if !ok {
		return 0, 0, false
	}
	return major, minor, true
}

func parseSmallInt(b []byte) (int, bool) {
	if len(b) == 0 || len(b) > 3 {
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

// SplitHeaderLine splits "name: value". The name must be a non-empty token;
// optional whitespace around the value is dropped.
func SplitHeaderLine(line []byte) (key, value []byte, ok bool) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return nil, nil, false
	}
	key = line[:colon]
	for _, c := range key {
		if !httpguts.IsTokenRune(rune(c)) {
			return nil, nil, false
		}
	}
	return key, TrimOWS(line[colon+1:]), true
}

// IsContinuation reports whether line continues the previous header value
// (obsolete line folding).
func IsContinuation(line []byte) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// TrimOWS removes leading and trailing spaces and tabs.
func TrimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

func trimSpaces(b []byte) []byte {
	for len(b) > 0 && b[0] == ' ' {
		b = b[1:]
	}
	for len(b) > 0 && b[len(b)-1] == ' ' {
		b = b[:len(b)-1]
	}
	return b
}

// ParseChunkSize parses a chunk-size line without its line terminator.
// Chunk extensions after ';' are ignored. More than MaxChunkSizeDigits hex
// digits is malformed.
func ParseChunkSize(line []byte) (int64, bool) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = TrimOWS(line)
	if len(line) == 0 || len(line) > MaxChunkSizeDigits {
		return 0, false
	}
	var n int64
	for _, c := range line {
		d, ok := unhex(c)
		if !ok {
			return 0, false
		}
		n = n<<4 | int64(d)
	}
	return n, true
}

// ParseContentLength parses a decimal Content-Length value.
func ParseContentLength(b []byte) (int64, bool) {
	b = TrimOWS(b)
	if len(b) == 0 {
		return 0, false
	}
	const maxInt64 = 1<<63 - 1
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := int64(c - '0')
		if n > (maxInt64-d)/10 {
			return 0, false
		}
		n = n*10 + d
	}
	return n, true
}

// Unescape decodes %XX escapes in place and returns the shortened slice.
// Invalid escapes are kept literally.
func Unescape(b []byte) []byte {
	w := 0
	for r := 0; r < len(b); r++ {
		c := b[r]
		if c == '%' && r+2 < len(b) {
			hi, ok1 := unhex(b[r+1])
			lo, ok2 := unhex(b[r+2])
			if ok1 && ok2 {
				b[w] = hi<<4 | lo
				w++
				r += 2
				continue
			}
		}
		b[w] = c
		w++
	}
	return b[:w]
}

// UnescapeQuery is Unescape plus '+' to space, for query components.
func UnescapeQuery(b []byte) []byte {
	for i, c := range b {
		if c == '+' {
			b[i] = ' '
		}
	}
	return Unescape(b)
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// ParseQuery splits "a=1&b&c=3" and decodes every component in place. A
// component without '=' yields a nil value.
func ParseQuery(q []byte, fn func(key, value []byte)) {
	for len(q) > 0 {
		var part []byte
		if amp := bytes.IndexByte(q, '&'); amp >= 0 {
			part, q = q[:amp], q[amp+1:]
		} else {
			part, q = q, nil
		}
		if len(part) == 0 {
			continue
		}
		if eq := bytes.IndexByte(part, '='); eq >= 0 {
			fn(UnescapeQuery(part[:eq]), UnescapeQuery(part[eq+1:]))
		} else {
			fn(UnescapeQuery(part), nil)
		}
	}
}

// ParseCookies splits a Cookie header value into name/value pairs. Pairs
// without '=' are skipped and surrounding double quotes are removed.
func ParseCookies(v []byte, fn func(name, value []byte)) {
	for len(v) > 0 {
		var part []byte
		if semi := bytes.IndexByte(v, ';'); semi >= 0 {
			part, v = v[:semi], v[semi+1:]
		} else {
			part, v = v, nil
		}
		part = TrimOWS(part)
		eq := bytes.IndexByte(part, '=')
		if eq <= 0 {
			continue
		}
		name := TrimOWS(part[:eq])
		val := TrimOWS(part[eq+1:])
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		fn(name, val)
	}
}

// EqualFold reports whether b equals s under ASCII case folding.
func EqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		cb := b[i]
		cs := s[i]
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if 'A' <= cs && cs <= 'Z' {
			cs |= 0x20
		}
		if cb != cs {
			return false
		}
	}
	return true
}

// HasToken reports whether the comma-separated header value v lists token,
// ignoring case.
func HasToken(v []byte, token string) bool {
	if len(v) == 0 {
		return false
	}
	return httpguts.HeaderValuesContainsToken([]string{string(v)}, token)
}
