//go:build !linux

package poller

import "time"

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
}

// Epoll is unavailable outside Linux.
type Epoll struct{}

// NewEpoll always fails outside Linux.
func NewEpoll(int) (*Epoll, error) { return nil, ErrUnsupported }

func (e *Epoll) Fd() int                              { return -1 }
func (e *Epoll) AddLevel(int) error                   { return ErrUnsupported }
func (e *Epoll) AddEdge(int) error                    { return ErrUnsupported }
func (e *Epoll) Del(int) error                        { return ErrUnsupported }
func (e *Epoll) Wait(time.Duration) ([]Event, error) { return nil, ErrUnsupported }
func (e *Epoll) Close() error                         { return nil }
