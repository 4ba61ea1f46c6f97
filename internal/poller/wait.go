package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// FDSetSize is the highest descriptor (exclusive) that fits an FdSet.
const FDSetSize = 1024

// Select waits on the given sets. A negative timeout blocks. EINTR is
// reported as zero ready descriptors.
func Select(maxFd int, r, w, e *unix.FdSet, timeout time.Duration) (int, error) {
	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}
	n, err := unix.Select(maxFd+1, r, w, e, tv)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	return n, err
}

// Poll waits on fds. A negative timeout blocks. EINTR is reported as zero
// ready descriptors.
func Poll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	n, err := unix.Poll(fds, toMillis(timeout))
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	return n, err
}

// Pipe is the inter-thread wakeup channel of a reactor: writing one byte
// makes the read end readable for every poller watching it.
type Pipe struct {
	r int
	w int
}

// NewPipe creates a non-blocking, close-on-exec pipe.
func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &Pipe{r: fds[0], w: fds[1]}, nil
}

// Fd returns the descriptor to watch for readability.
func (p *Pipe) Fd() int { return p.r }

// Signal makes the pipe readable. A full pipe is already signalled.
func (p *Pipe) Signal() error {
	_, err := unix.Write(p.w, []byte{1})
	if err != nil && !IsTemporary(err) {
		return err
	}
	return nil
}

// Drain consumes pending signals.
func (p *Pipe) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close closes both ends.
func (p *Pipe) Close() error {
	err := unix.Close(p.r)
	if werr := unix.Close(p.w); err == nil {
		err = werr
	}
	return err
}
