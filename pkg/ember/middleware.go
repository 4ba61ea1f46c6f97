package ember

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Chain wraps h with mws; the first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recovery returns a middleware that turns a panicking handler call into a
// 500 response, or into a connection error when a response is already queued.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, upload []byte) (n int, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Conn().Daemon().cfg.Logger.Printf("handler for %s %s panicked: %v", req.Method(), req.URL(), r)
					resp := NewResponseFromString("Internal Server Error")
					defer resp.Destroy()
					if qerr := req.QueueResponse(500, resp); qerr != nil {
						n, err = 0, fmt.Errorf("handler panic: %v", r)
						return
					}
					n, err = len(upload), nil
				}
			}()
			return next.ServeRequest(req, upload)
		})
	}
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	// RequestsPerSecond is the refill rate of every client bucket
	RequestsPerSecond int
	// BurstSize is the bucket capacity (default: twice the rate)
	BurstSize int
	// KeyFunc identifies the client (default: the peer IP)
	KeyFunc func(req *Request) string
	// SkipPaths lists URLs that are never limited
	SkipPaths []string
	// IdleTimeout drops the bucket of a client not seen for this long
	// (default: 10 minutes)
	IdleTimeout time.Duration
}

// RateLimiter returns a middleware that answers 429 once a client exceeds
// requestsPerSecond.
func RateLimiter(requestsPerSecond int) Middleware {
	return RateLimiterWithConfig(RateLimiterConfig{RequestsPerSecond: requestsPerSecond})
}

// RateLimiterWithConfig returns a token bucket rate limiter. The decision is
// made when the request headers arrive, before any body is read.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = peerIP
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	rl := newRateLimiter(config)
	limit := strconv.Itoa(config.RequestsPerSecond)

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, upload []byte) (int, error) {
			if upload != nil || req.BodyComplete() || skip[req.URL()] {
				return next.ServeRequest(req, upload)
			}
			key := config.KeyFunc(req)
			if key == "" {
				return next.ServeRequest(req, upload)
			}
			if rl.allow(key, time.Now()) {
				return next.ServeRequest(req, upload)
			}
			resp := NewResponseFromString("Too Many Requests")
			defer resp.Destroy()
			_ = resp.AddHeader("X-RateLimit-Limit", limit)
			_ = resp.AddHeader("X-RateLimit-Remaining", "0")
			_ = resp.AddHeader("Retry-After", "1")
			return 0, req.QueueResponse(429, resp)
		})
	}
}

func peerIP(req *Request) string {
	switch a := req.Conn().PeerAddr().(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	default:
		return a.String()
	}
}

// rateLimiter keeps one token bucket per client key.
type rateLimiter struct {
	rate      int
	burst     int
	idle      time.Duration
	buckets   *xsync.MapOf[string, *tokenBucket]
	lastSweep atomic.Int64
}

func newRateLimiter(config RateLimiterConfig) *rateLimiter {
	idle := config.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &rateLimiter{
		rate:    config.RequestsPerSecond,
		burst:   config.BurstSize,
		idle:    idle,
		buckets: xsync.NewMapOf[string, *tokenBucket](),
	}
}

// allow takes a token from the bucket of key.
func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.sweep(now)
	tb, _ := rl.buckets.LoadOrCompute(key, func() *tokenBucket {
		return newTokenBucket(rl.rate, rl.burst)
	})
	return tb.allow(now)
}

// sweep removes buckets idle for longer than rl.idle. It runs at most once
// per half idle period.
func (rl *rateLimiter) sweep(now time.Time) {
	last := rl.lastSweep.Load()
	if now.UnixNano()-last < int64(rl.idle/2) || !rl.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	rl.buckets.Range(func(key string, tb *tokenBucket) bool {
		if tb.idleFor(now) > rl.idle {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// tokenBucket implements a token bucket rate limiter
type tokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(rate, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		capacity:   burst,
		tokens:     burst,
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

// allow consumes a token if one is available.
func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.lastAccess = now
	add := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate))
	if add > 0 {
		tb.tokens = min(tb.tokens+add, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) idleFor(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastAccess)
}

// Health returns a middleware that answers GET and HEAD on path with 200
// "OK" without calling the wrapped handler.
func Health(path string) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, upload []byte) (int, error) {
			if req.URL() != path || (req.Method() != "GET" && req.Method() != "HEAD") {
				return next.ServeRequest(req, upload)
			}
			if upload != nil {
				return len(upload), nil
			}
			resp := NewResponseFromString("OK")
			defer resp.Destroy()
			_ = resp.AddHeader("Cache-Control", "no-cache")
			return 0, req.QueueResponse(200, resp)
		})
	}
}
