package ember

import "time"

// blockedPoll bounds waits while a response body has no data ready.
const blockedPoll = 10 * time.Millisecond

// noWakeupPoll bounds waits when Stop cannot interrupt the loop.
const noWakeupPoll = time.Second

func timeNowNano() int64 { return time.Now().UnixNano() }

// touch moves c to the head of its timeout list. Connections with the
// default timeout stay ordered by last activity, so the tail of
// normalTimeouts always expires first.
func (d *Daemon) touch(c *Connection) {
	if c.customTimeout {
		return
	}
	d.mu.Lock()
	d.normalTimeouts.moveToFront(c)
	d.mu.Unlock()
}

// retime moves c between the default and the custom timeout list.
func (d *Daemon) retime(c *Connection, custom bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c.customTimeout = custom
	if c.suspended.Load() || c.cleanedUp {
		return
	}
	d.normalTimeouts.remove(c)
	d.manualTimeouts.remove(c)
	if c.Timeout() <= 0 {
		return
	}
	if custom {
		d.manualTimeouts.pushFront(c)
	} else {
		d.normalTimeouts.pushFront(c)
	}
}

// nextTimeout returns the time until the earliest idle deadline, or false
// when no connection has a timeout.
func (d *Daemon) nextTimeout(now time.Time) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		earliest time.Time
		found    bool
	)
	consider := func(c *Connection) {
		if dl, ok := c.deadline(); ok && (!found || dl.Before(earliest)) {
			earliest, found = dl, true
		}
	}
	if c := d.normalTimeouts.back(); c != nil {
		consider(c)
	}
	for e := d.manualTimeouts.l.Front(); e != nil; e = e.Next() {
		consider(e.Value.(*Connection))
	}
	if !found {
		return 0, false
	}
	if wait := earliest.Sub(now); wait > 0 {
		return wait, true
	}
	return 0, true
}

// expiredConnections returns connections whose idle deadline has passed.
func (d *Daemon) expiredConnections(now time.Time, dst []*Connection) []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	for e := d.normalTimeouts.l.Back(); e != nil; e = e.Prev() {
		c := e.Value.(*Connection)
		if !c.expired(now) {
			break
		}
		dst = append(dst, c)
	}
	for e := d.manualTimeouts.l.Front(); e != nil; e = e.Next() {
		if c := e.Value.(*Connection); c.expired(now) {
			dst = append(dst, c)
		}
	}
	return dst
}

// waitDuration computes how long the event loop may block. A negative
// result waits without limit.
func (d *Daemon) waitDuration(block, unready bool) time.Duration {
	if !block || d.resumePending.Load() || d.shutdown.Load() || d.hasPending() {
		return 0
	}
	d.mu.Lock()
	readyNow := d.ready.len() > 0
	d.mu.Unlock()
	if readyNow {
		return 0
	}
	wait, ok := d.nextTimeout(time.Now())
	if !ok {
		wait = -1
	}
	limit := time.Duration(-1)
	if unready {
		limit = blockedPoll
	} else if d.itc == nil && d.cfg.Mode.internalLoop() {
		limit = noWakeupPoll
	}
	if limit >= 0 && (wait < 0 || wait > limit) {
		wait = limit
	}
	return wait
}

// Timeout returns how long an externally driven loop may wait before it
// must call Run again, or false when it may wait indefinitely.
func (d *Daemon) Timeout() (time.Duration, bool) {
	unready := false
	for _, c := range d.snapshot() {
		if c.unready() {
			unready = true
			break
		}
	}
	wait := d.waitDuration(true, unready)
	if wait < 0 {
		return 0, false
	}
	return wait, true
}
