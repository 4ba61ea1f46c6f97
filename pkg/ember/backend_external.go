package ember

import (
	"time"

	"github.com/albertbausili/ember/internal/poller"
	"golang.org/x/sys/unix"
)

// external checks that the embedder may drive the daemon.
func (d *Daemon) external() error {
	if d.cfg.Mode != ModeExternal {
		return ErrUnsupported
	}
	if d.stopped.Load() || d.shutdown.Load() {
		return ErrDaemonStopped
	}
	return nil
}

// Run performs one non-blocking iteration of the event loop. It is only
// available with ModeExternal.
func (d *Daemon) Run() error {
	if err := d.external(); err != nil {
		return err
	}
	return d.selectOnce(false)
}

// RunWait performs one iteration that blocks for at most timeout, or until
// the next connection deadline if that is sooner. A negative timeout waits
// for activity without limit.
func (d *Daemon) RunWait(timeout time.Duration) error {
	if err := d.external(); err != nil {
		return err
	}
	var r, w, e unix.FdSet
	maxFd, unready := d.fillFdSet(&r, &w, &e)
	wait := d.waitDuration(true, unready)
	if timeout >= 0 && (wait < 0 || timeout < wait) {
		wait = timeout
	}
	if _, err := poller.Select(maxFd, &r, &w, &e, wait); err != nil {
		return err
	}
	d.processFdSet(&r, &w, &e)
	return nil
}

// FdSet adds the descriptors the daemon waits on to the given sets and
// returns the highest one added, or -1.
func (d *Daemon) FdSet(r, w, e *unix.FdSet) (int, error) {
	if err := d.external(); err != nil {
		return -1, err
	}
	maxFd, _ := d.fillFdSet(r, w, e)
	return maxFd, nil
}

// RunFromSelect processes the outcome of the embedder's own select over
// sets filled by FdSet.
func (d *Daemon) RunFromSelect(r, w, e *unix.FdSet) error {
	if err := d.external(); err != nil {
		return err
	}
	d.processFdSet(r, w, e)
	return nil
}
