package ember

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/sys/unix"
)

// SizeUnknown marks a response whose total length is not known in advance.
const SizeUnknown int64 = -1

const fileBlockSize = 32 * 1024

// MemoryMode tells NewResponseFromBuffer who owns the buffer.
type MemoryMode int

const (
	// MemoryPersistent keeps a reference to the buffer; the caller must not
	// modify it while the response lives.
	MemoryPersistent MemoryMode = iota
	// MemoryMustFree hands the buffer to the response, which drops it once
	// the last holder is gone.
	MemoryMustFree
	// MemoryMustCopy copies the buffer at construction.
	MemoryMustCopy
)

// ResponseFlags alter how a response is put on the wire.
type ResponseFlags uint8

const (
	// ResponseHTTP10 answers with an HTTP/1.0 status line and disables
	// chunked encoding and keep-alive.
	ResponseHTTP10 ResponseFlags = 1 << iota
	// ResponseNoKeepAliveHeader never adds "Connection: Keep-Alive".
	ResponseNoKeepAliveHeader
)

// Response is a reusable reply. It may be queued on any number of
// connections, concurrently, and is released once the application and every
// connection holding it have called Destroy.
type Response struct {
	mu      sync.Mutex
	refs    int
	queued  bool
	freed   bool
	misuse  func(reason string)
	flags   ResponseFlags
	headers headerList

	size      int64
	data      []byte
	reader    ContentReader
	free      func()
	blockSize int

	// Last block produced by reader, shared by all connections.
	block      []byte
	blockStart int64
	blockLen   int
}

// NewResponseFromBuffer creates a response whose body is data.
func NewResponseFromBuffer(data []byte, mode MemoryMode) *Response {
	if mode == MemoryMustCopy && len(data) > 0 {
		data = append([]byte(nil), data...)
	}
	return &Response{
		refs: 1,
		size: int64(len(data)),
		data: data,
	}
}

// NewResponseFromString is NewResponseFromBuffer for a string body.
func NewResponseFromString(body string) *Response {
	return NewResponseFromBuffer([]byte(body), MemoryPersistent)
}

// NewResponseFromCallback creates a response whose body is pulled from
// reader in blocks of at most blockSize bytes. size may be SizeUnknown.
// free, if non-nil, runs once when the response is released.
func NewResponseFromCallback(size int64, blockSize int, reader ContentReader, free func()) (*Response, error) {
	if reader == nil {
		return nil, fmt.Errorf("%w: nil content reader", ErrInvalidResponse)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size must be positive", ErrInvalidResponse)
	}
	if size < 0 && size != SizeUnknown {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidResponse, size)
	}
	return &Response{
		refs:       1,
		size:       size,
		reader:     reader,
		free:       free,
		blockSize:  blockSize,
		blockStart: -1,
	}, nil
}

// NewResponseFromFile creates a response of size bytes read from f starting
// at offset. The response owns f and closes it when released.
func NewResponseFromFile(size int64, f *os.File, offset int64) (*Response, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil file", ErrInvalidResponse)
	}
	if err := checkRange(size, offset); err != nil {
		return nil, err
	}
	reader := func(pos int64, buf []byte) (int, error) {
		return readLimited(size, pos, buf, func(p []byte, off int64) (int, error) {
			return f.ReadAt(p, offset+off)
		})
	}
	return NewResponseFromCallback(size, fileBlockSize, reader, func() { _ = f.Close() })
}

// NewResponseFromFD creates a response of size bytes read with pread(2) from
// fd starting at offset. The response owns fd and closes it when released.
func NewResponseFromFD(size int64, fd int, offset int64) (*Response, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: invalid descriptor", ErrInvalidResponse)
	}
	if err := checkRange(size, offset); err != nil {
		return nil, err
	}
	reader := func(pos int64, buf []byte) (int, error) {
		return readLimited(size, pos, buf, func(p []byte, off int64) (int, error) {
			n, err := unix.Pread(fd, p, offset+off)
			if n == 0 && err == nil {
				return 0, io.EOF
			}
			return n, err
		})
	}
	return NewResponseFromCallback(size, fileBlockSize, reader, func() { _ = unix.Close(fd) })
}

func checkRange(size, offset int64) error {
	if size < 0 {
		return fmt.Errorf("%w: file responses need a known size", ErrInvalidResponse)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidResponse, offset)
	}
	if size > math.MaxInt64-offset {
		return fmt.Errorf("%w: size and offset overflow", ErrInvalidResponse)
	}
	return nil
}

// readLimited reads at most size-pos bytes through readAt and reports io.EOF
// once the range is exhausted.
func readLimited(size, pos int64, buf []byte, readAt func([]byte, int64) (int, error)) (int, error) {
	left := size - pos
	if left <= 0 {
		return 0, io.EOF
	}
	if int64(len(buf)) > left {
		buf = buf[:left]
	}
	n, err := readAt(buf, pos)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return 0, err
}

// AddHeader appends a response header. Keys and values must be non-empty
// and free of CR, LF and TAB.
func (r *Response) AddHeader(key, value string) error {
	return r.addEntry(KindResponseHeader, key, value)
}

// AddFooter appends a trailer sent after a chunked body.
func (r *Response) AddFooter(key, value string) error {
	return r.addEntry(KindFooter, key, value)
}

func (r *Response) addEntry(kind Kind, key, value string) error {
	if !validOutgoing(key, value) || !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued {
		return ErrResponseFrozen
	}
	r.headers.add(kind, []byte(key), []byte(value))
	return nil
}

// RemoveHeader deletes the header or footer with exactly this key and value.
func (r *Response) RemoveHeader(key, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued {
		return false
	}
	return r.headers.remove(KindResponseHeader|KindFooter, key, value)
}

// Header returns the first value of the header key, ignoring case.
func (r *Response) Header(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.headers.lookup(KindResponseHeader, key)
	return string(v), ok
}

// Visit calls fn for every header in insertion order until fn returns
// false. It returns the number of headers visited.
func (r *Response) Visit(fn func(key, value string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers.iterate(KindResponseHeader, func(_ Kind, k, v []byte) bool {
		if fn == nil {
			return true
		}
		return fn(string(k), string(v))
	})
}

// SetFlags replaces the response flags.
func (r *Response) SetFlags(flags ResponseFlags) {
	r.mu.Lock()
	r.flags = flags
	r.mu.Unlock()
}

// Size returns the body size or SizeUnknown.
func (r *Response) Size() int64 { return r.size }

// Destroy drops the caller's reference. The response is released once every
// holder has dropped it. Destroying it more often than it was referenced is
// reported to the PanicHandler of the daemon that first queued it, or panics.
func (r *Response) Destroy() {
	r.mu.Lock()
	if r.freed || r.refs <= 0 {
		misuse := r.misuse
		r.mu.Unlock()
		if misuse == nil {
			misuse = defaultPanic
		}
		misuse("response destroyed more often than it was referenced")
		return
	}
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return
	}
	r.freed = true
	free := r.free
	r.free = nil
	r.data = nil
	r.block = nil
	r.mu.Unlock()
	if free != nil {
		free()
	}
}

// acquire adds a connection reference and freezes the headers. misuse
// receives reports of an extra Destroy.
func (r *Response) acquire(misuse func(string)) {
	r.mu.Lock()
	r.refs++
	r.queued = true
	if r.misuse == nil {
		r.misuse = misuse
	}
	r.mu.Unlock()
}

func (r *Response) hasReader() bool { return r.reader != nil }

// withBlock hands fn the body bytes available at pos. For pulled bodies the
// reader is invoked under the response lock when pos is outside the cached
// block, and fn runs under the same lock so the block stays stable.
// The returned error is io.EOF at the end of a pulled stream.
func (r *Response) withBlock(pos int64, fn func(b []byte)) error {
	if r.reader == nil {
		if pos >= int64(len(r.data)) {
			return io.EOF
		}
		fn(r.data[pos:])
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return errors.New("ember: response released")
	}
	if r.blockStart < 0 || pos < r.blockStart || pos >= r.blockStart+int64(r.blockLen) {
		if r.block == nil {
			r.block = make([]byte, r.blockSize)
		}
		n, err := r.reader(pos, r.block)
		if n > 0 {
			r.blockStart = pos
			r.blockLen = n
		} else {
			if err == nil {
				fn(nil)
			}
			return err
		}
	}
	fn(r.block[pos-r.blockStart : r.blockLen])
	return nil
}

// readInto copies body bytes at pos into buf, calling the reader directly
// for pulled bodies.
func (r *Response) readInto(pos int64, buf []byte) (int, error) {
	if r.reader == nil {
		if pos >= int64(len(r.data)) {
			return 0, io.EOF
		}
		return copy(buf, r.data[pos:]), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return 0, errors.New("ember: response released")
	}
	n, err := r.reader(pos, buf)
	if n > len(buf) {
		n = len(buf)
	}
	if n > 0 {
		return n, nil
	}
	return 0, err
}
