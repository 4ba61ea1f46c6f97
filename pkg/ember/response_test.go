package ember

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewResponseFromBuffer(t *testing.T) {
	data := []byte("hello")
	r := NewResponseFromBuffer(data, MemoryMustCopy)
	data[0] = 'j'

	if r.Size() != 5 {
		t.Errorf("Expected size 5, got %d", r.Size())
	}
	var got []byte
	if err := r.withBlock(0, func(b []byte) { got = append(got, b...) }); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Expected copied body hello, got %s", got)
	}
	if err := r.withBlock(5, func([]byte) {}); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF past the end, got %v", err)
	}

	p := NewResponseFromBuffer(data, MemoryPersistent)
	data[0] = 'm'
	buf := make([]byte, 8)
	n, _ := p.readInto(0, buf)
	if string(buf[:n]) != "mello" {
		t.Errorf("Expected persistent buffer to be shared, got %s", buf[:n])
	}
}

func TestResponse_DestroyRefcount(t *testing.T) {
	frees := 0
	r, err := NewResponseFromCallback(3, 16, func(int64, []byte) (int, error) {
		return 0, io.EOF
	}, func() { frees++ })
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var reasons []string
	r.acquire(func(reason string) { reasons = append(reasons, reason) })
	r.Destroy()
	if frees != 0 {
		t.Fatal("Expected response to survive while a connection holds it")
	}
	r.Destroy()
	if frees != 1 {
		t.Fatalf("Expected free to run once, ran %d times", frees)
	}
	r.Destroy()
	if frees != 1 {
		t.Errorf("Expected an extra Destroy not to free again, free ran %d times", frees)
	}
	if len(reasons) != 1 {
		t.Errorf("Expected the extra Destroy to be reported once, got %v", reasons)
	}
}

func TestResponse_DoubleDestroyPanics(t *testing.T) {
	r := NewResponseFromString("x")
	r.Destroy()

	defer func() {
		if recover() == nil {
			t.Error("Expected a second Destroy to panic")
		}
	}()
	r.Destroy()
}

func TestNewResponseFromCallback_Validation(t *testing.T) {
	reader := func(int64, []byte) (int, error) { return 0, io.EOF }
	tests := []struct {
		name      string
		size      int64
		blockSize int
		reader    ContentReader
	}{
		{"nil reader", 10, 16, nil},
		{"zero block size", 10, 0, reader},
		{"negative size", -2, 16, reader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResponseFromCallback(tt.size, tt.blockSize, tt.reader, nil)
			if !errors.Is(err, ErrInvalidResponse) {
				t.Errorf("Expected ErrInvalidResponse, got %v", err)
			}
			if r != nil {
				t.Error("Expected no response on error")
			}
		})
	}

	if _, err := NewResponseFromCallback(SizeUnknown, 16, reader, nil); err != nil {
		t.Errorf("Expected SizeUnknown to be accepted, got %v", err)
	}
}

func TestResponse_WithBlockCaches(t *testing.T) {
	calls := 0
	body := "abcdefghij"
	r, err := NewResponseFromCallback(int64(len(body)), 4, func(pos int64, buf []byte) (int, error) {
		calls++
		if pos >= int64(len(body)) {
			return 0, io.EOF
		}
		return copy(buf, body[pos:]), nil
	}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var got string
	_ = r.withBlock(0, func(b []byte) { got = string(b) })
	if got != "abcd" {
		t.Errorf("Expected first block abcd, got %s", got)
	}
	_ = r.withBlock(2, func(b []byte) { got = string(b) })
	if got != "cd" {
		t.Errorf("Expected cached tail cd, got %s", got)
	}
	if calls != 1 {
		t.Errorf("Expected one reader call for a cached block, got %d", calls)
	}
	_ = r.withBlock(4, func(b []byte) { got = string(b) })
	if got != "efgh" || calls != 2 {
		t.Errorf("Expected refill efgh on call 2, got %s on call %d", got, calls)
	}
	if err := r.withBlock(10, func([]byte) {}); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestResponse_WithBlockNotReady(t *testing.T) {
	r, _ := NewResponseFromCallback(SizeUnknown, 8, func(int64, []byte) (int, error) {
		return 0, nil
	}, nil)
	called := false
	err := r.withBlock(0, func(b []byte) {
		called = true
		if len(b) != 0 {
			t.Errorf("Expected empty block, got %q", b)
		}
	})
	if err != nil {
		t.Errorf("Expected no error while not ready, got %v", err)
	}
	if !called {
		t.Error("Expected callback with an empty block")
	}
}

func TestResponse_Headers(t *testing.T) {
	r := NewResponseFromString("x")
	if err := r.AddHeader("Content-Type", "text/plain"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.AddHeader("X-Multi", "one"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.AddHeader("X-Multi", "two"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.AddFooter("X-Checksum", "42"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := r.AddHeader("Bad", "a\r\nb"); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Expected ErrInvalidHeader for CRLF, got %v", err)
	}
	if err := r.AddHeader("", "v"); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Expected ErrInvalidHeader for empty key, got %v", err)
	}

	if v, ok := r.Header("content-type"); !ok || v != "text/plain" {
		t.Errorf("Expected text/plain, got %q (%v)", v, ok)
	}
	if _, ok := r.Header("X-Checksum"); ok {
		t.Error("Expected footers to be invisible to Header")
	}
	if n := r.Visit(nil); n != 3 {
		t.Errorf("Expected 3 headers, got %d", n)
	}

	if r.RemoveHeader("X-Multi", "three") {
		t.Error("Expected no removal without an exact value match")
	}
	if !r.RemoveHeader("X-Multi", "one") {
		t.Error("Expected exact match to be removed")
	}
	if v, _ := r.Header("X-Multi"); v != "two" {
		t.Errorf("Expected remaining value two, got %s", v)
	}

	r.acquire(nil)
	if err := r.AddHeader("Late", "v"); !errors.Is(err, ErrResponseFrozen) {
		t.Errorf("Expected ErrResponseFrozen, got %v", err)
	}
}

func TestNewResponseFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}

	r, err := NewResponseFromFile(4, f, 3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	buf := make([]byte, 16)
	n, err := r.readInto(0, buf)
	if err != nil || string(buf[:n]) != "3456" {
		t.Errorf("Expected 3456, got %q (%v)", buf[:n], err)
	}
	if _, err := r.readInto(4, buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at the end of the range, got %v", err)
	}

	r.Destroy()
	if _, err := f.Stat(); err == nil {
		t.Error("Expected the file to be closed on release")
	}

	if _, err := NewResponseFromFile(-1, f, 0); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse for unknown size, got %v", err)
	}
	if _, err := NewResponseFromFile(1, f, -1); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse for negative offset, got %v", err)
	}
	if _, err := NewResponseFromFile(1<<62, f, 1<<62); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse for overflow, got %v", err)
	}
}

func TestNewResponseFromFD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.txt")
	if err := os.WriteFile(path, []byte("abcdef"), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}

	r, err := NewResponseFromFD(6, fd, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var got string
	if err := r.withBlock(2, func(b []byte) { got = string(b) }); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != "cdef" {
		t.Errorf("Expected cdef, got %s", got)
	}
	r.Destroy()

	if _, err := NewResponseFromFD(1, -1, 0); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse for a bad descriptor, got %v", err)
	}
}
