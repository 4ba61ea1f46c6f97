package ember

import (
	"errors"
	"net"

	"github.com/albertbausili/ember/internal/poller"
	"golang.org/x/sys/unix"
)

// acceptLoop accepts a burst of pending connections from the listener.
func (d *Daemon) acceptLoop() {
	for i := 0; i < acceptBurst && d.accepting(); i++ {
		fd, addr, err := poller.Accept(d.listenFD)
		if err != nil {
			if !poller.IsTemporary(err) && !errors.Is(err, unix.ECONNABORTED) {
				d.cfg.Logger.Printf("accept failed: %v", err)
			}
			return
		}
		sock := newFDSocket(fd)
		if _, err := d.register(sock, addr); err != nil {
			_ = sock.Close()
		}
	}
}

// register admits a new connection. On error the caller still owns sock.
func (d *Daemon) register(sock Socket, addr net.Addr) (*Connection, error) {
	root := d.root
	if d.cfg.Mode.selectBased() && sock.Fd() >= poller.FDSetSize {
		d.metrics.rejected(rejectFDSet)
		d.cfg.Logger.Printf("socket descriptor %d exceeds FD_SETSIZE, refusing %v", sock.Fd(), addr)
		return nil, ErrLimitReached
	}
	if root.connCount.Add(1) > int64(d.cfg.MaxConnections) {
		root.connCount.Add(-1)
		d.metrics.rejected(rejectLimit)
		if verboseLogging {
			d.cfg.Logger.Printf("connection limit reached, refusing %v", addr)
		}
		return nil, ErrLimitReached
	}
	if !d.ipLimit.acquire(addr) {
		root.connCount.Add(-1)
		d.metrics.rejected(rejectPerIP)
		if verboseLogging {
			d.cfg.Logger.Printf("per-IP limit reached, refusing %v", addr)
		}
		return nil, ErrLimitReached
	}
	if d.cfg.AcceptPolicy != nil && !d.cfg.AcceptPolicy(addr) {
		d.ipLimit.release(addr)
		root.connCount.Add(-1)
		d.metrics.rejected(rejectPolicy)
		return nil, ErrLimitReached
	}

	c := newConnection(d, sock, addr)
	if gs, ok := sock.(*gnetSocket); ok {
		c.gconn = gs.c
	}
	d.mu.Lock()
	d.active.pushFront(c)
	if c.Timeout() > 0 {
		d.normalTimeouts.pushFront(c)
	}
	d.mu.Unlock()
	d.metrics.accepted()
	if d.cfg.NotifyConnection != nil {
		d.cfg.NotifyConnection(c, ConnectionStarted)
	}

	switch d.cfg.Mode {
	case ModeEpoll:
		if err := d.ep.AddEdge(sock.Fd()); err != nil {
			d.cfg.Logger.Printf("epoll add %v failed: %v", addr, err)
			d.abortRegister(c)
			return nil, err
		}
		d.byFD[sock.Fd()] = c
		d.markReady(c)
	case ModeThreadPerConnection:
		d.threads.Add(1)
		if err := d.pool.Submit(func() { d.serveConnection(c) }); err != nil {
			d.threads.Done()
			d.metrics.rejected(rejectThread)
			d.cfg.Logger.Printf("failed to start a goroutine for %v: %v", addr, err)
			d.abortRegister(c)
			return nil, err
		}
	}
	return c, nil
}

// abortRegister undoes register after the connection became visible.
func (d *Daemon) abortRegister(c *Connection) {
	c.state = StateClosed
	c.cleanup()
	d.finalize(c, false)
}

// unlink removes the connection from every live list and queues it for
// release.
func (d *Daemon) unlink(c *Connection) {
	d.mu.Lock()
	d.active.remove(c)
	d.suspended.remove(c)
	d.normalTimeouts.remove(c)
	d.manualTimeouts.remove(c)
	d.ready.remove(c)
	d.cleanupList.pushBack(c)
	d.mu.Unlock()
}

// cleanupConnections releases connections queued by unlink.
func (d *Daemon) cleanupConnections() {
	d.mu.Lock()
	if d.cleanupList.len() == 0 {
		d.mu.Unlock()
		return
	}
	conns := d.cleanupList.appendTo(nil)
	d.mu.Unlock()
	for _, c := range conns {
		d.finalize(c, true)
	}
}

// finalize closes the socket and returns every resource of a cleaned up
// connection. closeSocket is false when the caller keeps ownership.
func (d *Daemon) finalize(c *Connection, closeSocket bool) {
	if c.finalized {
		return
	}
	c.finalized = true
	if d.cfg.NotifyConnection != nil {
		d.cfg.NotifyConnection(c, ConnectionClosed)
	}
	if fd := c.sock.Fd(); fd >= 0 && d.ep != nil {
		_ = d.ep.Del(fd)
		delete(d.byFD, fd)
	}
	if closeSocket {
		_ = c.sock.Close()
	}
	d.ipLimit.release(c.addr)
	d.root.connCount.Add(-1)
	if c.arena != nil {
		c.arena.Release()
		c.arena = nil
	}
	c.rbuf, c.wbuf = nil, nil
	d.metrics.released()
	d.mu.Lock()
	d.cleanupList.remove(c)
	d.mu.Unlock()
	if verboseLogging {
		d.cfg.Logger.Printf("connection from %v released", c.addr)
	}
}

// suspend takes c out of event processing and pauses its idle timer.
func (d *Daemon) suspend(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.suspended.Load() || c.cleanedUp {
		return
	}
	c.suspended.Store(true)
	d.active.remove(c)
	d.normalTimeouts.remove(c)
	d.manualTimeouts.remove(c)
	d.ready.remove(c)
	d.suspended.pushFront(c)
}

// resume marks c for resumption and wakes the loop serving it.
func (d *Daemon) resume(c *Connection) {
	if !c.suspended.Load() {
		return
	}
	c.resuming.Store(true)
	d.resumePending.Store(true)
	switch {
	case d.gnet != nil && c.gconn != nil:
		_ = c.gconn.Wake(nil)
	case d.cfg.Mode == ModeThreadPerConnection:
		select {
		case c.resumeCh <- struct{}{}:
		default:
		}
	default:
		d.wakeup()
	}
}

// resumeSuspended moves connections marked by Resume back to processing
// and returns them.
func (d *Daemon) resumeSuspended() []*Connection {
	if !d.resumePending.CompareAndSwap(true, false) {
		return nil
	}
	d.mu.Lock()
	conns := d.suspended.appendTo(nil)
	d.mu.Unlock()
	resumed := conns[:0]
	for _, c := range conns {
		if d.resumeOne(c) {
			resumed = append(resumed, c)
		}
	}
	return resumed
}

// resumeOne puts c back into the active and timeout lists with a fresh
// idle timer.
func (d *Daemon) resumeOne(c *Connection) bool {
	if !c.resuming.CompareAndSwap(true, false) {
		return false
	}
	c.lastActivity.Store(timeNowNano())
	c.readBlocked = false
	c.writeBlocked = false
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.suspended.remove(c) {
		return false
	}
	c.suspended.Store(false)
	d.active.pushFront(c)
	if c.Timeout() > 0 {
		if c.customTimeout {
			d.manualTimeouts.pushFront(c)
		} else {
			d.normalTimeouts.pushFront(c)
		}
	}
	if d.ep != nil {
		d.ready.pushBack(c)
	}
	return true
}

// markReady queues c for processing by the epoll loop.
func (d *Daemon) markReady(c *Connection) {
	d.mu.Lock()
	d.ready.pushBack(c)
	d.mu.Unlock()
}
