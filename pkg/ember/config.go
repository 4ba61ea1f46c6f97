// Package ember is an embeddable HTTP/1.1 server engine.
//
// A Daemon accepts TCP connections and drives every connection through an
// incremental request/response state machine. The application sees each
// request through a Handler and answers it by queueing a Response. Several
// event-loop backends are available and behave identically on the wire.
package ember

import (
	"io"
	"log"
	"net"
	"runtime"
	"time"

	"github.com/albertbausili/ember/internal/poller"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects the event-loop backend of a Daemon.
type Mode int

const (
	// ModeExternal runs no internal goroutine; the embedder calls Run.
	ModeExternal Mode = iota
	// ModeSelect multiplexes connections with select(2).
	ModeSelect
	// ModePoll multiplexes connections with poll(2).
	ModePoll
	// ModeEpoll multiplexes connections with edge-triggered epoll (Linux).
	ModeEpoll
	// ModeThreadPerConnection serves every connection on its own goroutine.
	ModeThreadPerConnection
	// ModeGnet hands the listener and event loops to a gnet engine.
	ModeGnet
)

func (m Mode) String() string {
	switch m {
	case ModeExternal:
		return "external"
	case ModeSelect:
		return "select"
	case ModePoll:
		return "poll"
	case ModeEpoll:
		return "epoll"
	case ModeThreadPerConnection:
		return "thread-per-connection"
	case ModeGnet:
		return "gnet"
	default:
		return "unknown"
	}
}

// internalLoop reports whether the mode runs its own goroutines.
func (m Mode) internalLoop() bool {
	return m != ModeExternal
}

// selectBased reports whether descriptors must fit an FdSet.
func (m Mode) selectBased() bool {
	return m == ModeSelect || m == ModeExternal
}

const (
	defaultMemoryLimit     = 32 * 1024
	defaultMemoryIncrement = 1024
	defaultMaxConnections  = 10000
)

// Config holds the daemon configuration.
type Config struct {
	Addr                 string        // Address to listen on
	Mode                 Mode          // Event-loop backend
	PoolSize             int           // Number of worker loops (0 or 1 for a single loop)
	ReusePort            bool          // Set SO_REUSEPORT on the listening socket
	ListenBacklog        int           // listen(2) backlog (0 for SOMAXCONN)
	NoListen             bool          // Open no listening socket; connections come from AddConnection
	MaxConnections       int           // Maximum concurrent connections
	PerIPConnectionLimit int           // Maximum concurrent connections per client IP (0 for unlimited)
	MemoryLimit          int           // Per-connection arena size in bytes
	MemoryIncrement      int           // Read buffer growth step in bytes
	ConnectionTimeout    time.Duration // Idle timeout (0 for none)
	EnableWakeup         bool          // Create the wakeup pipe for internal loops
	AllowSuspendResume   bool          // Permit Connection.Suspend and Resume
	StrictHost           bool          // Reject HTTP/1.1 requests without a Host header
	SuppressDate         bool          // Never add a Date header
	QuietErrors          bool          // Send empty bodies with generated error responses
	DisableMetrics       bool          // Do not record Prometheus metrics
	Logger               *log.Logger   // Logger for daemon events

	// PanicHandler is called on API misuse and unrecoverable internal
	// errors. The default panics.
	PanicHandler func(reason string)
	// NotifyCompleted is called once per request the handler has seen, with
	// the reason the request ended.
	NotifyCompleted func(req *Request, code TerminationCode)
	// NotifyConnection is called when a connection starts and when it is
	// released.
	NotifyConnection func(c *Connection, ev ConnectionEvent)
	// AcceptPolicy may refuse a connection by peer address.
	AcceptPolicy func(addr net.Addr) bool
	// TracerProvider supplies the request tracer (default: the global provider).
	TracerProvider trace.TracerProvider
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		Mode:               ModePoll,
		MaxConnections:     defaultMaxConnections,
		MemoryLimit:        defaultMemoryLimit,
		MemoryIncrement:    defaultMemoryIncrement,
		ConnectionTimeout:  60 * time.Second,
		EnableWakeup:       true,
		AllowSuspendResume: false,
		Logger:             newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Mode < ModeExternal || c.Mode > ModeGnet {
		return invalidConfig("unknown mode %d", int(c.Mode))
	}
	if c.Mode == ModeEpoll && runtime.GOOS != "linux" {
		return ErrUnsupported
	}
	if c.PoolSize < 0 {
		return invalidConfig("negative pool size")
	}
	if c.PoolSize > 1 && (c.Mode == ModeExternal || c.Mode == ModeThreadPerConnection) {
		return invalidConfig("a worker pool cannot be combined with %s mode", c.Mode)
	}
	if c.NoListen && c.Mode == ModeGnet {
		return invalidConfig("gnet mode owns its listener")
	}
	if c.AllowSuspendResume && !c.EnableWakeup && c.Mode != ModeExternal && c.Mode != ModeGnet {
		return ErrNoWakeup
	}
	if c.Addr == "" && !c.NoListen {
		c.Addr = ":8080"
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = defaultMemoryLimit
	}
	if c.MemoryLimit < 1024 {
		return invalidConfig("memory limit %d below 1024 bytes", c.MemoryLimit)
	}
	if c.MemoryIncrement <= 0 {
		c.MemoryIncrement = defaultMemoryIncrement
	}
	if c.MemoryIncrement > c.MemoryLimit/4 {
		c.MemoryIncrement = c.MemoryLimit / 4
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.Mode.selectBased() && c.MaxConnections > poller.FDSetSize-4 {
		c.MaxConnections = poller.FDSetSize - 4
	}
	if c.PerIPConnectionLimit < 0 {
		c.PerIPConnectionLimit = 0
	}
	if c.ConnectionTimeout < 0 {
		c.ConnectionTimeout = 0
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.PanicHandler == nil {
		c.PanicHandler = defaultPanic
	}
	return nil
}
