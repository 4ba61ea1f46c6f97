package ember

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/albertbausili/ember/internal/poller"
	"github.com/panjf2000/gnet/v2"
	"golang.org/x/sys/unix"
)

const (
	gnetStopTimeout = 5 * time.Second
	gnetTickBusy    = 50 * time.Millisecond
	gnetTickIdle    = 500 * time.Millisecond
)

// gnetEngine runs connections on gnet event loops. Every callback for a
// connection runs on that connection's loop, so the state machine needs no
// locking beyond what the daemon lists already use.
type gnetEngine struct {
	gnet.BuiltinEventEngine
	d      *Daemon
	engine gnet.Engine
	booted chan struct{}
	done   chan error
}

func (d *Daemon) startGnet() error {
	cfg := d.cfg
	ge := &gnetEngine{
		d:      d,
		booted: make(chan struct{}),
		done:   make(chan error, 1),
	}
	options := []gnet.Option{
		gnet.WithMulticore(cfg.PoolSize > 1),
		gnet.WithReusePort(cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(gnetLogger{cfg.Logger}),
		gnet.WithTicker(true),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if cfg.PoolSize > 1 {
		options = append(options, gnet.WithNumEventLoop(cfg.PoolSize))
	}

	d.gnet = ge
	go func() {
		ge.done <- gnet.Run(ge, "tcp://"+cfg.Addr, options...)
	}()
	select {
	case <-ge.booted:
	case err := <-ge.done:
		d.gnet = nil
		return fmt.Errorf("gnet listen on %s: %w", cfg.Addr, err)
	}

	if fd, err := ge.engine.Dup(); err == nil {
		d.listenAddr, _ = poller.LocalAddr(fd)
		_ = unix.Close(fd)
	}
	cfg.Logger.Printf("ember listening on %v (%s)", d.listenAddr, cfg.Mode)
	return nil
}

func (d *Daemon) stopGnet() {
	d.mu.Lock()
	hasSuspended := d.suspended.len() > 0
	d.mu.Unlock()
	if hasSuspended {
		d.cfg.PanicHandler("daemon shut down with suspended connections")
	}
	d.shutdown.Store(true)
	close(d.quit)
	ctx, cancel := context.WithTimeout(context.Background(), gnetStopTimeout)
	defer cancel()
	if err := d.gnet.engine.Stop(ctx); err != nil {
		d.cfg.Logger.Printf("error stopping gnet engine: %v", err)
	}
	if err := <-d.gnet.done; err != nil {
		d.cfg.Logger.Printf("gnet engine exited: %v", err)
	}
	d.cfg.Logger.Printf("ember on %v stopped", d.listenAddr)
}

// OnBoot records the engine once the listener is ready.
func (ge *gnetEngine) OnBoot(eng gnet.Engine) gnet.Action {
	ge.engine = eng
	close(ge.booted)
	return gnet.None
}

// OnOpen admits a new connection or refuses it by closing.
func (ge *gnetEngine) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	d := ge.d
	if d.quiesced.Load() || d.shutdown.Load() {
		return nil, gnet.Close
	}
	conn, err := d.register(&gnetSocket{c: c}, c.RemoteAddr())
	if err != nil {
		return nil, gnet.Close
	}
	c.SetContext(conn)
	return nil, gnet.None
}

// OnTraffic drives the connection on new data, a Resume or a tick wakeup.
func (ge *gnetEngine) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		return gnet.Close
	}
	d := ge.d
	if conn.resuming.Load() {
		d.resumeOne(conn)
	}
	d.dispatch(conn, true, true)
	if conn.cleanedUp {
		return gnet.Close
	}
	if !conn.suspended.Load() && (conn.loop == loopWrite || (conn.loop == loopRead && c.InboundBuffered() > 0)) {
		// More work is possible without a socket event.
		_ = c.Wake(nil)
	}
	return gnet.None
}

// OnClose releases the connection after gnet closed the socket.
func (ge *gnetEngine) OnClose(c gnet.Conn, _ error) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		return gnet.None
	}
	d := ge.d
	if !conn.cleanedUp {
		conn.suspended.Store(false)
		code := TerminatedClientAbort
		if d.shutdown.Load() {
			code = TerminatedDaemonShutdown
		}
		conn.close(code)
	}
	if gs, ok := conn.sock.(*gnetSocket); ok {
		gs.closed.Store(true)
	}
	conn.cleanup()
	d.finalize(conn, false)
	return gnet.None
}

// OnTick wakes connections that wait on a timer or on an unready body.
func (ge *gnetEngine) OnTick() (time.Duration, gnet.Action) {
	d := ge.d
	if d.shutdown.Load() {
		return gnetTickIdle, gnet.None
	}
	now := time.Now()
	busy := false
	d.mu.Lock()
	conns := d.active.appendTo(nil)
	d.mu.Unlock()
	for _, c := range conns {
		want := c.tickWant.Load()
		busy = busy || want
		if (want || c.expired(now)) && c.gconn != nil {
			_ = c.gconn.Wake(nil)
		}
	}
	if busy {
		return gnetTickBusy, gnet.None
	}
	return gnetTickIdle, gnet.None
}

// gnetLogger routes gnet's log output to the daemon logger.
type gnetLogger struct {
	l *log.Logger
}

func (g gnetLogger) Debugf(_ string, _ ...any) {}
func (g gnetLogger) Infof(format string, args ...any) {
	g.l.Printf("gnet: "+format, args...)
}
func (g gnetLogger) Warnf(format string, args ...any) {
	g.l.Printf("gnet warning: "+format, args...)
}
func (g gnetLogger) Errorf(format string, args ...any) {
	g.l.Printf("gnet error: "+format, args...)
}
func (g gnetLogger) Fatalf(format string, args ...any) {
	g.l.Printf("gnet fatal: "+format, args...)
}
