// Package main provides a basic example of embedding the ember HTTP/1.1 engine.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/albertbausili/ember/pkg/ember"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var modes = map[string]ember.Mode{
	"select": ember.ModeSelect,
	"poll":   ember.ModePoll,
	"epoll":  ember.ModeEpoll,
	"thread": ember.ModeThreadPerConnection,
	"gnet":   ember.ModeGnet,
}

func main() {
	addr := flag.String("addr", envOr("EXAMPLE_ADDR", ":8080"), "listen address")
	mode := flag.String("mode", "poll", "event loop: select, poll, epoll, thread or gnet")
	workers := flag.Int("workers", 0, "worker loops (0 for one per CPU in pooled modes)")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	minimal := flag.Bool("minimal", os.Getenv("EXAMPLE_MINIMAL") == "1", "disable logging for benchmarks")
	flag.Parse()

	m, ok := modes[*mode]
	if !ok {
		log.Fatalf("unknown mode %q", *mode)
	}

	config := ember.DefaultConfig()
	config.Addr = *addr
	config.Mode = m
	config.AllowSuspendResume = true
	config.Logger = log.Default()
	if m != ember.ModeThreadPerConnection {
		config.PoolSize = *workers
		if config.PoolSize == 0 {
			config.PoolSize = runtime.GOMAXPROCS(0)
		}
	}
	if *minimal {
		config.Logger = log.New(io.Discard, "", 0)
		config.ConnectionTimeout = 0
		config.ReusePort = true
	}

	d, err := ember.Start(config, ember.HandlerFunc(serve))
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}

	if *metricsAddr != "" {
		go func() {
			log.Printf("Serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	d.Stop()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// serve routes requests by URL. Request bodies are discarded.
func serve(req *ember.Request, upload []byte) (int, error) {
	if upload != nil {
		return len(upload), nil
	}
	if !req.BodyComplete() {
		return 0, nil
	}

	switch url := req.URL(); {
	case url == "/":
		return respond(req, 200, "Hello World!")
	case strings.HasPrefix(url, "/hello/"):
		return respond(req, 200, "Hello, "+strings.TrimPrefix(url, "/hello/")+"!")
	case url == "/big":
		r := ember.NewCompressedResponse(req, []byte(strings.Repeat("ember ", 4096)), 1024)
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	case url == "/stream":
		return stream(req)
	case url == "/slow":
		delay(req, 500*time.Millisecond)
		return 0, nil
	default:
		return respond(req, 404, "Not Found")
	}
}

func respond(req *ember.Request, status int, body string) (int, error) {
	r := ember.NewResponseFromString(body)
	defer r.Destroy()
	return 0, req.QueueResponse(status, r)
}

// stream sends ten lines as a chunked body.
func stream(req *ember.Request) (int, error) {
	line := 0
	r, err := ember.NewResponseFromCallback(ember.SizeUnknown, 256, func(_ int64, buf []byte) (int, error) {
		if line == 10 {
			return 0, io.EOF
		}
		line++
		return copy(buf, fmt.Sprintf("Chunk %d: streaming data...\n", line)), nil
	}, nil)
	if err != nil {
		return 0, err
	}
	defer r.Destroy()
	_ = r.AddHeader("Content-Type", "text/plain")
	return 0, req.QueueResponse(200, r)
}

// delay parks the connection and answers from a timer.
func delay(req *ember.Request, after time.Duration) {
	c := req.Conn()
	c.Suspend()
	time.AfterFunc(after, func() {
		r := ember.NewResponseFromString("Sorry for the wait")
		defer r.Destroy()
		if err := c.QueueResponse(200, r); err != nil {
			log.Printf("Delayed response failed: %v", err)
		}
		c.Resume()
	})
}
