package ember

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// compressLevel is used for both brotli and gzip.
const compressLevel = 6

// NewCompressedResponse builds a buffer response for data, compressed with
// brotli or gzip when the request accepts it and data is at least minSize
// bytes long. Content-Encoding and Vary are set when compression was
// applied; otherwise the body is sent as is.
func NewCompressedResponse(req *Request, data []byte, minSize int) *Response {
	if len(data) < minSize {
		return NewResponseFromBuffer(data, MemoryMustCopy)
	}
	br, gz := acceptedEncodings(req.Header("Accept-Encoding"))
	if !br && !gz {
		return NewResponseFromBuffer(data, MemoryMustCopy)
	}

	var (
		compressed bytes.Buffer
		encoding   string
	)
	if br {
		w := brotli.NewWriterLevel(&compressed, compressLevel)
		if _, err := w.Write(data); err != nil || w.Close() != nil {
			return NewResponseFromBuffer(data, MemoryMustCopy)
		}
		encoding = "br"
	} else {
		w, err := gzip.NewWriterLevel(&compressed, compressLevel)
		if err != nil {
			return NewResponseFromBuffer(data, MemoryMustCopy)
		}
		if _, err := w.Write(data); err != nil || w.Close() != nil {
			return NewResponseFromBuffer(data, MemoryMustCopy)
		}
		encoding = "gzip"
	}

	// Only use the compressed version if it is actually smaller.
	if compressed.Len() == 0 || compressed.Len() >= len(data) {
		return NewResponseFromBuffer(data, MemoryMustCopy)
	}
	r := NewResponseFromBuffer(compressed.Bytes(), MemoryPersistent)
	_ = r.AddHeader("Content-Encoding", encoding)
	_ = r.AddHeader("Vary", "Accept-Encoding")
	return r
}

// acceptedEncodings reports whether brotli and gzip are acceptable per an
// Accept-Encoding value. Codings with q=0 are refused; "*" accepts both.
func acceptedEncodings(header string) (br, gz bool) {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if refused(params) {
			continue
		}
		switch coding {
		case "br":
			br = true
		case "gzip", "x-gzip":
			gz = true
		case "*":
			br, gz = true, true
		}
	}
	return br, gz
}

func refused(params string) bool {
	for _, p := range strings.Split(params, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return err == nil && q == 0
	}
	return false
}
