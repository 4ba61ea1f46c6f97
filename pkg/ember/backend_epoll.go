package ember

import "time"

func (d *Daemon) epollLoop() {
	for !d.shutdown.Load() {
		if err := d.epollOnce(true); err != nil {
			d.cfg.Logger.Printf("epoll wait failed: %v", err)
			break
		}
	}
	d.closeAllConnections()
}

// syncListen adds or removes the listening socket from the epoll set as
// accepting becomes possible or impossible.
func (d *Daemon) syncListen() {
	if d.listenFD < 0 {
		return
	}
	want := d.accepting()
	if want == d.listenOn {
		return
	}
	var err error
	if want {
		err = d.ep.AddLevel(d.listenFD)
	} else {
		err = d.ep.Del(d.listenFD)
	}
	// A quiesced listener may already be closed by its new owner, which
	// drops it from the set anyway.
	if err != nil && want {
		d.cfg.Logger.Printf("epoll update of listener failed: %v", err)
		return
	}
	d.listenOn = want
}

// epollOnce runs one epoll iteration. Sockets are edge-triggered, so a
// connection stays on the ready list until it reports would-block for the
// direction it waits on.
func (d *Daemon) epollOnce(block bool) error {
	d.syncListen()
	unready := false
	for _, c := range d.snapshot() {
		if c.unready() {
			unready = true
			break
		}
	}
	events, err := d.ep.Wait(d.waitDuration(block, unready))
	if err != nil {
		return err
	}

	acceptNow := false
	for _, ev := range events {
		switch {
		case d.itc != nil && ev.Fd == d.itc.Fd():
			d.itc.Drain()
		case ev.Fd == d.listenFD:
			acceptNow = true
		default:
			c := d.byFD[ev.Fd]
			if c == nil {
				continue
			}
			if ev.Readable || ev.Hangup {
				c.readBlocked = false
			}
			if ev.Writable || ev.Hangup {
				c.writeBlocked = false
			}
			d.markReady(c)
		}
	}

	d.drainPending()
	if d.shutdown.Load() {
		return nil
	}
	if acceptNow && !d.quiesced.Load() {
		d.acceptLoop()
	}
	d.resumeSuspended()

	d.mu.Lock()
	ready := d.ready.appendTo(nil)
	d.mu.Unlock()
	for _, c := range ready {
		d.dispatch(c, !c.readBlocked, !c.writeBlocked)
		if c.cleanedUp {
			continue
		}
		stillReady := (c.loop == loopRead && !c.readBlocked) || (c.loop == loopWrite && !c.writeBlocked)
		if !stillReady || c.suspended.Load() {
			d.mu.Lock()
			d.ready.remove(c)
			d.mu.Unlock()
		}
	}

	// Connections with no socket event still need their timers and
	// unready bodies checked.
	now := time.Now()
	for _, c := range d.expiredConnections(now, nil) {
		d.dispatch(c, false, false)
	}
	if unready {
		for _, c := range d.snapshot() {
			if c.unready() {
				d.dispatch(c, false, !c.writeBlocked)
				if !c.cleanedUp && c.loop == loopWrite && !c.writeBlocked {
					d.markReady(c)
				}
			}
		}
	}
	d.cleanupConnections()
	return nil
}
