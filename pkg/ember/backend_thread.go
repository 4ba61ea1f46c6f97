package ember

import (
	"time"

	"github.com/albertbausili/ember/internal/poller"
	"golang.org/x/sys/unix"
)

// threadMasterLoop accepts connections; each one is then served by its own
// pooled goroutine.
func (d *Daemon) threadMasterLoop() {
	fds := make([]unix.PollFd, 0, 2)
	for !d.shutdown.Load() {
		fds = fds[:0]
		itcIdx, listenIdx := -1, -1
		if d.itc != nil {
			itcIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(d.itc.Fd()), Events: unix.POLLIN})
		}
		if d.accepting() {
			listenIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(d.listenFD), Events: unix.POLLIN})
		}
		wait := time.Duration(-1)
		if d.itc == nil || listenIdx < 0 {
			// Without a wakeup pipe, or while not accepting, poll
			// periodically for shutdown and free slots.
			wait = blockedPoll * 10
		}
		if d.hasPending() {
			wait = 0
		}
		if _, err := poller.Poll(fds, wait); err != nil {
			d.cfg.Logger.Printf("poll failed: %v", err)
			break
		}
		if itcIdx >= 0 && fds[itcIdx].Revents&unix.POLLIN != 0 {
			d.itc.Drain()
		}
		d.drainPending()
		if d.shutdown.Load() {
			break
		}
		if listenIdx >= 0 && fds[listenIdx].Revents&unix.POLLIN != 0 {
			d.acceptLoop()
		}
	}
	d.closeAllConnections()
}

// serveConnection drives one connection until it is closed or the daemon
// shuts down.
func (d *Daemon) serveConnection(c *Connection) {
	defer d.threads.Done()
	fds := make([]unix.PollFd, 1)
	fd := c.sock.Fd()
	d.dispatch(c, false, false)
	for !c.cleanedUp && !d.shutdown.Load() {
		if c.suspended.Load() {
			select {
			case <-c.resumeCh:
				if d.resumeOne(c) {
					d.dispatch(c, false, false)
				}
			case <-d.quit:
			}
			continue
		}

		fds[0] = unix.PollFd{Fd: int32(fd)}
		switch c.loop {
		case loopRead:
			fds[0].Events = unix.POLLIN
		case loopWrite:
			fds[0].Events = unix.POLLOUT
		}
		wait := time.Duration(-1)
		if dl, ok := c.deadline(); ok {
			wait = max(time.Until(dl), 0)
		}
		if c.unready() && (wait < 0 || wait > blockedPoll) {
			wait = blockedPoll
		}
		if _, err := poller.Poll(fds, wait); err != nil {
			d.cfg.Logger.Printf("poll on %v failed: %v", c.addr, err)
			c.close(TerminatedWithError)
			c.cleanup()
			break
		}
		rev := fds[0].Revents
		d.dispatch(c, rev&pollReadable != 0, rev&pollWritable != 0)
	}
	if !c.cleanedUp {
		c.suspended.Store(false)
		c.close(TerminatedDaemonShutdown)
		c.cleanup()
	}
	d.finalize(c, true)
}
