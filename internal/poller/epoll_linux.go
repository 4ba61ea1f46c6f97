//go:build linux

package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
}

// Epoll is an epoll instance with a reusable event buffer.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
	out    []Event
}

// NewEpoll creates an epoll instance returning at most maxEvents per Wait.
func NewEpoll(maxEvents int) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = 128
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
		out:    make([]Event, 0, maxEvents),
	}, nil
}

// Fd returns the epoll descriptor.
func (e *Epoll) Fd() int { return e.fd }

// AddLevel registers fd for level-triggered readability.
func (e *Epoll) AddLevel(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// AddEdge registers fd for edge-triggered readability and writability.
func (e *Epoll) AddEdge(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLPRI | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Del removes fd from the interest list.
func (e *Epoll) Del(fd int) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeout (negative blocks) and returns the ready events.
// The returned slice is reused by the next call.
func (e *Epoll) Wait(timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(e.fd, e.events, toMillis(timeout))
	e.out = e.out[:0]
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return e.out, nil
		}
		return e.out, err
	}
	for i := 0; i < n; i++ {
		ev := e.events[i].Events
		e.out = append(e.out, Event{
			Fd:       int(e.events[i].Fd),
			Readable: ev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0,
			Writable: ev&unix.EPOLLOUT != 0,
			Hangup:   ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return e.out, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}
