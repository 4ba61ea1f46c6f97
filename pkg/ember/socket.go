package ember

import (
	"errors"
	"sync/atomic"

	"github.com/albertbausili/ember/internal/poller"
	"github.com/panjf2000/gnet/v2"
	"golang.org/x/sys/unix"
)

// Socket is the byte transport under a connection.
//
// Recv returns (0, nil) when the peer has closed its side and errWouldBlock
// when no data is available. Send returns errWouldBlock when nothing could be
// written.
type Socket interface {
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	CloseWrite() error
	Shutdown() error
	Close() error
	Fd() int
}

// fdSocket is a non-blocking stream socket descriptor.
type fdSocket struct {
	fd     int
	closed atomic.Bool
}

func newFDSocket(fd int) *fdSocket { return &fdSocket{fd: fd} }

func (s *fdSocket) Recv(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if poller.IsTemporary(err) {
			return 0, errWouldBlock
		}
		return 0, err
	}
}

func (s *fdSocket) Send(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if poller.IsTemporary(err) {
			return 0, errWouldBlock
		}
		return 0, err
	}
}

func (s *fdSocket) CloseWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// Shutdown stops both directions so a goroutine blocked on the socket wakes.
func (s *fdSocket) Shutdown() error {
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

func (s *fdSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(s.fd)
}

func (s *fdSocket) Fd() int { return s.fd }

// gnetSocket adapts a gnet connection. It is only used from the connection's
// event loop.
type gnetSocket struct {
	c      gnet.Conn
	closed atomic.Bool
}

func (s *gnetSocket) Recv(p []byte) (int, error) {
	if s.c.InboundBuffered() == 0 {
		return 0, errWouldBlock
	}
	return s.c.Read(p)
}

func (s *gnetSocket) Send(p []byte) (int, error) {
	return s.c.Write(p)
}

// CloseWrite is a no-op; gnet closes the whole connection once flushed.
func (s *gnetSocket) CloseWrite() error { return nil }

func (s *gnetSocket) Shutdown() error { return s.Close() }

func (s *gnetSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.c.Close()
}

func (s *gnetSocket) Fd() int { return -1 }
