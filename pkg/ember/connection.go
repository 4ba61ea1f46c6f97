package ember

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/ember/internal/arena"
	"github.com/panjf2000/gnet/v2"
	"go.opentelemetry.io/otel/trace"
)

// verboseLogging controls per-connection log verbosity
const verboseLogging = false

// uploadSizeUnknown marks a chunked request body.
const uploadSizeUnknown int64 = -1

// headerCharge is the arena cost of one received header entry.
const headerCharge = 24

// Connection is one client TCP connection. All of its request state is
// owned by the goroutine driving it; only Suspend, Resume and QueueResponse
// on a suspended connection may be called from elsewhere.
type Connection struct {
	daemon *Daemon
	sock   Socket
	gconn  gnet.Conn
	addr   net.Addr
	arena  *arena.Arena

	state State
	loop  loopInfo

	// rbuf starts at the first unconsumed byte; rbuf[:rlen] holds data.
	rbuf []byte
	rlen int
	// wbuf[wsend:wappend] is pending output.
	wbuf    []byte
	wsend   int
	wappend int

	headers headerList
	method  []byte
	url     []byte
	version []byte
	http11  bool
	head    bool

	lastKey   []byte
	lastValue []byte
	lastKind  Kind
	haveLast  bool

	remaining   int64
	chunked     bool
	chunkSize   int64
	chunkOffset int64

	response       *Response
	status         int
	writePos       int64
	chunkedBody    bool
	bodyDone       bool
	keepAlive      bool
	continueOffset int
	handlerCalled  bool
	finalCalled    bool

	// qmu guards the handoff of a response queued from another goroutine.
	// The loop moves pending into response when it next runs the request.
	qmu           sync.Mutex
	inHandler     bool
	accepting     bool
	queued        bool
	pending       *Response
	pendingStatus int

	readClosed   bool
	clientAware  bool
	cleanedUp    bool
	finalized    bool
	readBlocked  bool
	writeBlocked bool

	suspended atomic.Bool
	resuming  atomic.Bool
	tickWant  atomic.Bool

	lastActivity  atomic.Int64
	timeout       atomic.Int64
	customTimeout bool

	reqValue  any
	connValue any

	ctx       context.Context
	span      trace.Span
	started   time.Time
	sentBytes int64

	resumeCh chan struct{}
	req      Request
}

func newConnection(d *Daemon, sock Socket, addr net.Addr) *Connection {
	c := &Connection{
		daemon:    d,
		sock:      sock,
		addr:      addr,
		arena:     d.arenas.Get(),
		remaining: 0,
		resumeCh:  make(chan struct{}, 1),
		ctx:       context.Background(),
	}
	c.req.c = c
	c.rbuf = c.arena.Alloc(d.cfg.MemoryLimit/2, false)
	c.timeout.Store(int64(d.cfg.ConnectionTimeout))
	c.lastActivity.Store(time.Now().UnixNano())
	c.updateLoopInfo()
	return c
}

// PeerAddr returns the client address.
func (c *Connection) PeerAddr() net.Addr { return c.addr }

// Daemon returns the daemon serving the connection.
func (c *Connection) Daemon() *Daemon { return c.daemon }

// State returns the current state of the request cycle.
func (c *Connection) State() State { return c.state }

// SetTimeout replaces the idle timeout of this connection. Zero disables it.
func (c *Connection) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.timeout.Store(int64(d))
	c.daemon.retime(c, d != c.daemon.cfg.ConnectionTimeout)
	c.touch()
}

// Timeout returns the idle timeout of this connection.
func (c *Connection) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetValue stores an application value for the lifetime of the connection.
func (c *Connection) SetValue(v any) { c.connValue = v }

// Value returns the value stored with SetValue.
func (c *Connection) Value() any { return c.connValue }

// Suspend stops processing the connection until Resume. The idle timer does
// not run while suspended.
func (c *Connection) Suspend() {
	d := c.daemon
	if !d.cfg.AllowSuspendResume {
		d.cfg.PanicHandler("cannot suspend connections without AllowSuspendResume")
		return
	}
	d.suspend(c)
}

// Resume schedules a suspended connection for processing. It may be called
// from any goroutine.
func (c *Connection) Resume() {
	d := c.daemon
	if !d.cfg.AllowSuspendResume {
		d.cfg.PanicHandler("cannot resume connections without AllowSuspendResume")
		return
	}
	d.resume(c)
}

// QueueResponse queues r with the given status code for the current request.
// The connection takes its own reference to r; the caller may Destroy it
// right away.
func (c *Connection) QueueResponse(status int, r *Response) error {
	if r == nil || status < 100 || status > 999 {
		return ErrInvalidResponse
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.queued {
		return ErrResponseQueued
	}
	if !c.accepting {
		return ErrNotAccepting
	}
	if !c.inHandler && !c.suspended.Load() && c.daemon.cfg.Mode.internalLoop() {
		return ErrNotAccepting
	}
	r.acquire(c.daemon.cfg.PanicHandler)
	c.pending, c.pendingStatus, c.queued = r, status, true
	return nil
}

// queue installs a response produced by the loop itself.
func (c *Connection) queue(status int, r *Response) {
	r.acquire(c.daemon.cfg.PanicHandler)
	c.qmu.Lock()
	c.queued, c.accepting = true, false
	c.qmu.Unlock()
	c.setResponse(status, r)
}

// adopt moves a response queued through QueueResponse into the fields owned
// by the loop.
func (c *Connection) adopt() {
	c.qmu.Lock()
	r, status := c.pending, c.pendingStatus
	c.pending = nil
	if r != nil {
		c.accepting = false
	}
	c.qmu.Unlock()
	if r != nil {
		c.setResponse(status, r)
	}
}

func (c *Connection) setResponse(status int, r *Response) {
	c.response = r
	c.status = status
	if c.head || status == 204 || status == 304 || (status >= 100 && status < 200) {
		c.bodyDone = true
	}
}

// setAccepting opens or closes the window in which QueueResponse succeeds.
func (c *Connection) setAccepting(v bool) {
	c.qmu.Lock()
	c.accepting = v
	c.qmu.Unlock()
}

// setInHandler records whether the handler is running on the loop.
func (c *Connection) setInHandler(v bool) {
	c.qmu.Lock()
	c.inHandler = v
	c.qmu.Unlock()
}

// resetQueue closes the queueing window and drops a response that was never
// adopted.
func (c *Connection) resetQueue() {
	c.qmu.Lock()
	r := c.pending
	c.pending = nil
	c.queued, c.accepting = false, false
	c.qmu.Unlock()
	if r != nil {
		r.Destroy()
	}
}

// touch records activity and refreshes the idle timer.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.daemon.touch(c)
}

// deadline returns when the connection expires, or false without a timeout.
func (c *Connection) deadline() (time.Time, bool) {
	t := c.timeout.Load()
	if t <= 0 {
		return time.Time{}, false
	}
	return time.Unix(0, c.lastActivity.Load()+t), true
}

// expired reports whether the idle timeout has elapsed at now.
func (c *Connection) expired(now time.Time) bool {
	if c.suspended.Load() {
		return false
	}
	dl, ok := c.deadline()
	return ok && !now.Before(dl)
}

// unready reports whether the connection waits on a response body that
// produced no data yet.
func (c *Connection) unready() bool {
	return c.state == StateNormalBodyUnready || c.state == StateChunkedBodyUnready
}

// Request is the request currently being served on a connection. It is only
// valid until the request completes.
type Request struct {
	c *Connection
}

// Conn returns the connection carrying the request.
func (r *Request) Conn() *Connection { return r.c }

// Method returns the request method.
func (r *Request) Method() string { return string(r.c.method) }

// URL returns the decoded request path without the query string.
func (r *Request) URL() string { return string(r.c.url) }

// Version returns the protocol version of the request line, which may be
// empty.
func (r *Request) Version() string { return string(r.c.version) }

// Header returns the first value of the request header key, ignoring case.
func (r *Request) Header(key string) string {
	v, _ := r.c.headers.lookup(KindHeader, key)
	return string(v)
}

// Lookup returns the first value of key among entries of the given kinds.
func (r *Request) Lookup(kinds Kind, key string) (string, bool) {
	v, ok := r.c.headers.lookup(kinds, key)
	return string(v), ok
}

// Arg returns the first GET argument named key.
func (r *Request) Arg(key string) (string, bool) {
	return r.Lookup(KindGetArgument, key)
}

// Cookie returns the first cookie named key.
func (r *Request) Cookie(key string) (string, bool) {
	return r.Lookup(KindCookie, key)
}

// Visit calls fn for every entry of the given kinds in arrival order until
// fn returns false. It returns the number of entries visited.
func (r *Request) Visit(kinds Kind, fn func(kind Kind, key, value string) bool) int {
	return r.c.headers.iterate(kinds, func(k Kind, key, value []byte) bool {
		if fn == nil {
			return true
		}
		return fn(k, string(key), string(value))
	})
}

// BodyComplete reports whether the whole request body, trailers included,
// has been received.
func (r *Request) BodyComplete() bool {
	return r.c.state >= StateFootersReceived
}

// QueueResponse queues a response for the request.
func (r *Request) QueueResponse(status int, resp *Response) error {
	return r.c.QueueResponse(status, resp)
}

// SetValue stores an application value for the lifetime of the request.
func (r *Request) SetValue(v any) { r.c.reqValue = v }

// Value returns the value stored with SetValue.
func (r *Request) Value() any { return r.c.reqValue }

// Context carries the request span.
func (r *Request) Context() context.Context { return r.c.ctx }
