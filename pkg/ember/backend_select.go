package ember

import (
	"github.com/albertbausili/ember/internal/poller"
	"golang.org/x/sys/unix"
)

// maxWritesPerPass bounds back-to-back writes of one connection per loop
// iteration.
const maxWritesPerPass = 8

// dispatch runs one read, idle, write, idle pass over c. read and write tell
// whether the socket may be read or written.
func (d *Daemon) dispatch(c *Connection, read, write bool) {
	if c.cleanedUp || c.suspended.Load() {
		return
	}
	if write {
		c.writeBlocked = false
	}
	if read {
		c.readBlocked = false
		if c.loop == loopRead {
			c.handleRead()
		}
	}
	if !c.handleIdle() {
		return
	}
	for i := 0; i < maxWritesPerPass && c.loop == loopWrite && !c.writeBlocked; i++ {
		c.handleWrite()
		if !c.handleIdle() {
			return
		}
	}
}

func (d *Daemon) selectLoop() {
	for !d.shutdown.Load() {
		if err := d.selectOnce(true); err != nil {
			d.cfg.Logger.Printf("select failed: %v", err)
			break
		}
	}
	d.closeAllConnections()
}

// selectOnce runs one select(2) iteration.
func (d *Daemon) selectOnce(block bool) error {
	var r, w, e unix.FdSet
	maxFd, unready := d.fillFdSet(&r, &w, &e)
	if _, err := poller.Select(maxFd, &r, &w, &e, d.waitDuration(block, unready)); err != nil {
		return err
	}
	d.processFdSet(&r, &w, &e)
	return nil
}

// fillFdSet adds every descriptor the daemon waits on and returns the
// highest one, and whether a connection waits on an unready body.
func (d *Daemon) fillFdSet(r, w, e *unix.FdSet) (int, bool) {
	maxFd := -1
	add := func(fd int, set *unix.FdSet) {
		if fd < 0 || fd >= poller.FDSetSize {
			return
		}
		set.Set(fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	if d.itc != nil {
		add(d.itc.Fd(), r)
	}
	if d.accepting() {
		add(d.listenFD, r)
	}
	unready := false
	for _, c := range d.snapshot() {
		fd := c.sock.Fd()
		switch c.loop {
		case loopRead:
			add(fd, r)
			add(fd, e)
		case loopWrite:
			add(fd, w)
			add(fd, e)
		default:
			unready = unready || c.unready()
		}
	}
	return maxFd, unready
}

// processFdSet handles the outcome of a select over sets built by
// fillFdSet.
func (d *Daemon) processFdSet(r, w, e *unix.FdSet) {
	if d.itc != nil && r.IsSet(d.itc.Fd()) {
		d.itc.Drain()
	}
	d.drainPending()
	if d.shutdown.Load() {
		return
	}
	if d.listenFD >= 0 && d.listenFD < poller.FDSetSize && r.IsSet(d.listenFD) && !d.quiesced.Load() {
		d.acceptLoop()
	}
	d.resumeSuspended()
	for _, c := range d.snapshot() {
		fd := c.sock.Fd()
		if fd < 0 || fd >= poller.FDSetSize {
			continue
		}
		d.dispatch(c, r.IsSet(fd) || e.IsSet(fd), w.IsSet(fd))
	}
	d.cleanupConnections()
}
