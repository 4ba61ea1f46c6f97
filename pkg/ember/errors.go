package ember

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by Start and Config.Validate for unusable settings.
	ErrInvalidConfig = errors.New("ember: invalid configuration")
	// ErrUnsupported is returned for a backend or operation this platform or mode lacks.
	ErrUnsupported = errors.New("ember: unsupported")
	// ErrNoWakeup is returned by operations that need the wakeup pipe when it is disabled.
	ErrNoWakeup = errors.New("ember: wakeup pipe disabled")
	// ErrNoListener is returned by Quiesce on a daemon without a listening socket.
	ErrNoListener = errors.New("ember: no listening socket")
	// ErrDaemonStopped is returned when the daemon has been shut down.
	ErrDaemonStopped = errors.New("ember: daemon stopped")
	// ErrLimitReached is returned when a connection is refused by a limit or policy.
	ErrLimitReached = errors.New("ember: connection limit reached")

	// ErrResponseQueued is returned when a connection already has a response.
	ErrResponseQueued = errors.New("ember: response already queued")
	// ErrNotAccepting is returned when the request is not at a point where a response may be queued.
	ErrNotAccepting = errors.New("ember: connection not accepting a response")
	// ErrInvalidResponse is returned for invalid response construction arguments.
	ErrInvalidResponse = errors.New("ember: invalid response")
	// ErrInvalidHeader is returned for header fields that cannot be sent.
	ErrInvalidHeader = errors.New("ember: invalid header field")
	// ErrResponseFrozen is returned when mutating a response that has been queued.
	ErrResponseFrozen = errors.New("ember: response headers are frozen once queued")

	errWouldBlock = errors.New("ember: operation would block")
)

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// defaultPanic is the PanicHandler used when Config leaves it nil.
func defaultPanic(reason string) {
	panic("ember: " + reason)
}
