package ember

import (
	"github.com/albertbausili/ember/internal/poller"
	"golang.org/x/sys/unix"
)

const (
	pollReadable = unix.POLLIN | unix.POLLHUP | unix.POLLERR
	pollWritable = unix.POLLOUT | unix.POLLHUP | unix.POLLERR
)

func (d *Daemon) pollLoop() {
	var fds []unix.PollFd
	for !d.shutdown.Load() {
		var err error
		if fds, err = d.pollOnce(fds[:0]); err != nil {
			d.cfg.Logger.Printf("poll failed: %v", err)
			break
		}
	}
	d.closeAllConnections()
}

// pollOnce runs one poll(2) iteration. fds is scratch space returned for
// reuse.
func (d *Daemon) pollOnce(fds []unix.PollFd) ([]unix.PollFd, error) {
	itcIdx, listenIdx := -1, -1
	if d.itc != nil {
		itcIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(d.itc.Fd()), Events: unix.POLLIN})
	}
	if d.accepting() {
		listenIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(d.listenFD), Events: unix.POLLIN})
	}
	base := len(fds)
	conns := d.snapshot()
	unready := false
	for _, c := range conns {
		pfd := unix.PollFd{Fd: int32(c.sock.Fd())}
		switch c.loop {
		case loopRead:
			pfd.Events = unix.POLLIN
		case loopWrite:
			pfd.Events = unix.POLLOUT
		default:
			// Nothing to wait for; a negative descriptor is skipped.
			pfd.Fd = -1
			unready = unready || c.unready()
		}
		fds = append(fds, pfd)
	}

	if _, err := poller.Poll(fds, d.waitDuration(true, unready)); err != nil {
		return fds, err
	}

	if itcIdx >= 0 && fds[itcIdx].Revents&unix.POLLIN != 0 {
		d.itc.Drain()
	}
	d.drainPending()
	if d.shutdown.Load() {
		return fds, nil
	}
	if listenIdx >= 0 && fds[listenIdx].Revents&unix.POLLIN != 0 {
		d.acceptLoop()
	}
	for _, c := range d.resumeSuspended() {
		d.dispatch(c, false, false)
	}
	for i, c := range conns {
		rev := fds[base+i].Revents
		d.dispatch(c, rev&pollReadable != 0, rev&pollWritable != 0)
	}
	d.cleanupConnections()
	return fds, nil
}
