// Package date provides a cached, thread-safe HTTP date value for the Date
// response header.
package date

import (
	"sync"
	"sync/atomic"
	"time"
)

// Layout is the IMF-fixdate layout used on the wire.
const Layout = "Mon, 02 Jan 2006 15:04:05 GMT"

var (
	current atomic.Pointer[[]byte]

	mu      sync.Mutex
	users   int
	stopped chan struct{}
)

// StartTicker starts refreshing the cached date every 500ms and returns a
// stop function. Tickers are shared: the refresh goroutine runs while at
// least one caller has not stopped.
func StartTicker() func() {
	mu.Lock()
	defer mu.Unlock()

	update()
	users++
	if users == 1 {
		stopped = make(chan struct{})
		go run(stopped)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			users--
			if users == 0 {
				close(stopped)
			}
		})
	}
}

func run(done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			update()
		case <-done:
			return
		}
	}
}

func update() {
	b := time.Now().UTC().AppendFormat(make([]byte, 0, len(Layout)), Layout)
	current.Store(&b)
}

// Current returns the cached date bytes. Callers must not modify them.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().AppendFormat(nil, Layout)
}
