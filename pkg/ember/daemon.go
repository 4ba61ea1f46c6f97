package ember

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/albertbausili/ember/internal/arena"
	"github.com/albertbausili/ember/internal/date"
	"github.com/albertbausili/ember/internal/poller"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

const (
	maxEpollEvents = 128
	acceptBurst    = 32
)

// Daemon is a running HTTP server. With a worker pool the root daemon only
// owns the workers; every worker runs its own event loop on the shared
// listening socket.
type Daemon struct {
	cfg     Config
	handler Handler
	root    *Daemon
	workers []*Daemon

	listenFD   int
	listenAddr net.Addr
	ownsListen bool

	itc      *poller.Pipe
	ep       *poller.Epoll
	byFD     map[int]*Connection
	listenOn bool

	mu             sync.Mutex
	active         *connList
	suspended      *connList
	normalTimeouts *connList
	manualTimeouts *connList
	ready          *connList
	cleanupList    *connList
	pending        []pendingConn
	scratch        []*Connection

	shutdown      atomic.Bool
	quiesced      atomic.Bool
	resumePending atomic.Bool
	stopped       atomic.Bool

	connCount  atomic.Int64
	ipLimit    *ipLimiter
	arenas     *arena.Pool
	metrics    *daemonMetrics
	tracer     trace.Tracer
	pool       *ants.Pool
	gnet       *gnetEngine
	nextWorker atomic.Uint32

	loops    sync.WaitGroup
	threads  sync.WaitGroup
	quit     chan struct{}
	stopDate func()
	stopOnce sync.Once
}

// pendingConn is a socket handed over by AddConnection.
type pendingConn struct {
	fd   int
	addr net.Addr
}

// Start validates cfg, opens the listening socket and starts the event
// loops selected by cfg.Mode. Everything acquired is released again when an
// error is returned.
func Start(cfg Config, handler Handler) (*Daemon, error) {
	if handler == nil {
		return nil, invalidConfig("nil handler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := newDaemon(cfg, handler, nil)
	d.stopDate = date.StartTicker()

	if cfg.Mode == ModeGnet {
		if err := d.startGnet(); err != nil {
			d.release()
			return nil, err
		}
		return d, nil
	}

	if !cfg.NoListen {
		fd, addr, err := poller.Listen(cfg.Addr, cfg.ListenBacklog, cfg.ReusePort)
		if err != nil {
			d.release()
			return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
		d.listenFD, d.listenAddr, d.ownsListen = fd, addr, true
		if cfg.Mode.selectBased() && fd >= poller.FDSetSize {
			d.release()
			return nil, fmt.Errorf("%w: listening socket %d exceeds FD_SETSIZE", ErrInvalidConfig, fd)
		}
	}

	if cfg.PoolSize > 1 {
		for i := 0; i < cfg.PoolSize; i++ {
			w := newDaemon(cfg, handler, d)
			w.listenFD = d.listenFD
			w.listenAddr = d.listenAddr
			d.workers = append(d.workers, w)
			if err := w.setupReactor(); err != nil {
				d.release()
				return nil, err
			}
		}
		for _, w := range d.workers {
			w.startLoop()
		}
		cfg.Logger.Printf("ember listening on %v (%s, %d workers)", d.listenAddr, cfg.Mode, len(d.workers))
		return d, nil
	}

	if err := d.setupReactor(); err != nil {
		d.release()
		return nil, err
	}
	d.startLoop()
	if d.listenAddr != nil {
		cfg.Logger.Printf("ember listening on %v (%s)", d.listenAddr, cfg.Mode)
	}
	return d, nil
}

func newDaemon(cfg Config, handler Handler, root *Daemon) *Daemon {
	d := &Daemon{
		cfg:            cfg,
		handler:        handler,
		listenFD:       -1,
		active:         newConnList(),
		suspended:      newConnList(),
		normalTimeouts: newConnList(),
		manualTimeouts: newConnList(),
		ready:          newConnList(),
		cleanupList:    newConnList(),
		byFD:           make(map[int]*Connection),
		quit:           make(chan struct{}),
	}
	if root == nil {
		d.root = d
		d.ipLimit = newIPLimiter(cfg.PerIPConnectionLimit)
		d.arenas = arena.NewPool(cfg.MemoryLimit)
		d.metrics = newDaemonMetrics(cfg.DisableMetrics)
		d.tracer = newTracer(cfg.TracerProvider)
	} else {
		d.root = root
		d.ipLimit = root.ipLimit
		d.arenas = root.arenas
		d.metrics = root.metrics
		d.tracer = root.tracer
	}
	return d
}

// setupReactor creates the wakeup pipe, the epoll instance and the thread
// pool needed by the mode.
func (d *Daemon) setupReactor() error {
	cfg := d.cfg
	if cfg.EnableWakeup && cfg.Mode.internalLoop() {
		itc, err := poller.NewPipe()
		if err != nil {
			return fmt.Errorf("wakeup pipe: %w", err)
		}
		d.itc = itc
		if cfg.Mode.selectBased() && itc.Fd() >= poller.FDSetSize {
			return fmt.Errorf("%w: wakeup pipe exceeds FD_SETSIZE", ErrInvalidConfig)
		}
	}
	switch cfg.Mode {
	case ModeEpoll:
		ep, err := poller.NewEpoll(maxEpollEvents)
		if err != nil {
			return fmt.Errorf("epoll: %w", err)
		}
		d.ep = ep
		if d.itc != nil {
			if err := ep.AddLevel(d.itc.Fd()); err != nil {
				return fmt.Errorf("epoll add wakeup pipe: %w", err)
			}
		}
		if d.listenFD >= 0 {
			if err := ep.AddLevel(d.listenFD); err != nil {
				return fmt.Errorf("epoll add listener: %w", err)
			}
			d.listenOn = true
		}
	case ModeThreadPerConnection:
		pool, err := ants.NewPool(cfg.MaxConnections, ants.WithNonblocking(true),
			ants.WithLogger(cfg.Logger))
		if err != nil {
			return fmt.Errorf("connection pool: %w", err)
		}
		d.pool = pool
	}
	return nil
}

func (d *Daemon) startLoop() {
	var run func()
	switch d.cfg.Mode {
	case ModeExternal:
		return
	case ModeSelect:
		run = d.selectLoop
	case ModePoll:
		run = d.pollLoop
	case ModeEpoll:
		run = d.epollLoop
	case ModeThreadPerConnection:
		run = d.threadMasterLoop
	}
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		run()
	}()
}

// Stop shuts the daemon down: loops are woken and joined and every
// connection is closed. Calling Stop with suspended connections invokes the
// panic handler. Stop is idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	if d.gnet != nil {
		d.stopGnet()
		d.release()
		return
	}
	daemons := d.workers
	if len(daemons) == 0 {
		daemons = []*Daemon{d}
	}
	for _, w := range daemons {
		w.shutdown.Store(true)
		close(w.quit)
		w.wakeup()
	}
	for _, w := range daemons {
		w.loops.Wait()
		if !w.cfg.Mode.internalLoop() {
			w.closeAllConnections()
		}
	}
	d.release()
	d.cfg.Logger.Printf("ember on %v stopped", d.listenAddr)
}

// release frees everything Start acquired.
func (d *Daemon) release() {
	for _, w := range d.workers {
		w.releaseReactor()
	}
	d.releaseReactor()
	if d.ownsListen && d.listenFD >= 0 && !d.quiesced.Load() {
		_ = unix.Close(d.listenFD)
	}
	d.listenFD = -1
	if d.stopDate != nil {
		d.stopDate()
		d.stopDate = nil
	}
	d.stopped.Store(true)
}

func (d *Daemon) releaseReactor() {
	if d.pool != nil {
		d.pool.Release()
		d.pool = nil
	}
	if d.ep != nil {
		_ = d.ep.Close()
		d.ep = nil
	}
	if d.itc != nil {
		_ = d.itc.Close()
		d.itc = nil
	}
}

// wakeup interrupts a blocking wait of the event loop.
func (d *Daemon) wakeup() {
	if d.itc != nil {
		_ = d.itc.Signal()
	}
}

// closeAllConnections closes every connection of this loop at shutdown.
func (d *Daemon) closeAllConnections() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	hasSuspended := d.suspended.len() > 0
	d.mu.Unlock()
	for _, p := range pending {
		_ = unix.Close(p.fd)
	}
	if hasSuspended {
		d.cfg.PanicHandler("daemon shut down with suspended connections")
	}

	d.mu.Lock()
	conns := d.active.appendTo(nil)
	conns = d.suspended.appendTo(conns)
	d.mu.Unlock()

	if d.cfg.Mode == ModeThreadPerConnection {
		for _, c := range conns {
			_ = c.sock.Shutdown()
		}
		d.threads.Wait()
		return
	}
	for _, c := range conns {
		c.suspended.Store(false)
		c.close(TerminatedDaemonShutdown)
		c.cleanup()
	}
	d.cleanupConnections()
}

// Quiesce stops accepting new connections and hands the listening socket to
// the caller, who becomes responsible for closing it. Open connections are
// still served.
func (d *Daemon) Quiesce() (int, error) {
	if d.stopped.Load() {
		return -1, ErrDaemonStopped
	}
	if d.gnet != nil {
		d.quiesced.Store(true)
		return d.gnet.engine.Dup()
	}
	if d.listenFD < 0 {
		return -1, ErrNoListener
	}
	if d.cfg.Mode.internalLoop() && !d.cfg.EnableWakeup {
		return -1, ErrNoWakeup
	}
	fd := d.listenFD
	d.quiesced.Store(true)
	for _, w := range d.workers {
		w.quiesced.Store(true)
		w.wakeup()
	}
	d.wakeup()
	return fd, nil
}

// ListenFD returns the listening socket, or -1.
func (d *Daemon) ListenFD() int {
	if d.gnet != nil {
		fd, err := d.gnet.engine.Dup()
		if err != nil {
			return -1
		}
		return fd
	}
	return d.listenFD
}

// Addr returns the bound listen address, or nil without a listener.
func (d *Daemon) Addr() net.Addr { return d.listenAddr }

// ActiveConnections returns the number of open connections.
func (d *Daemon) ActiveConnections() int {
	return int(d.root.connCount.Load())
}

// AddConnection hands an accepted, connected socket to the daemon. The
// daemon takes ownership of fd even when an error is returned.
func (d *Daemon) AddConnection(fd int, addr net.Addr) error {
	if d.stopped.Load() || d.shutdown.Load() {
		_ = unix.Close(fd)
		return ErrDaemonStopped
	}
	if d.gnet != nil {
		_ = unix.Close(fd)
		return ErrUnsupported
	}
	target := d
	if len(d.workers) > 0 {
		target = d.workers[int(d.nextWorker.Add(1)-1)%len(d.workers)]
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("add connection: %w", err)
	}
	if addr == nil {
		if sa, err := unix.Getpeername(fd); err == nil {
			addr = poller.SockaddrToTCP(sa)
		}
	}
	target.mu.Lock()
	target.pending = append(target.pending, pendingConn{fd: fd, addr: addr})
	target.mu.Unlock()
	target.wakeup()
	return nil
}

// drainPending registers sockets queued by AddConnection.
func (d *Daemon) drainPending() {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range pending {
		sock := newFDSocket(p.fd)
		if _, err := d.register(sock, p.addr); err != nil {
			_ = sock.Close()
		}
	}
}

func (d *Daemon) hasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

// accepting reports whether the listening socket should be polled.
func (d *Daemon) accepting() bool {
	return d.listenFD >= 0 && !d.quiesced.Load() && !d.shutdown.Load() &&
		d.root.connCount.Load() < int64(d.cfg.MaxConnections)
}

// snapshot copies the active connections into a reused slice.
func (d *Daemon) snapshot() []*Connection {
	d.mu.Lock()
	d.scratch = d.active.appendTo(d.scratch[:0])
	d.mu.Unlock()
	return d.scratch
}
