package ember

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/albertbausili/ember"

var (
	contextBackground = context.Background()
	propagator        = propagation.TraceContext{}
)

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// startSpan opens the server span of the request once its headers are known.
func (c *Connection) startSpan() {
	c.started = time.Now()
	tracer := c.daemon.tracer
	if tracer == nil {
		return
	}
	parent := propagator.Extract(contextBackground, requestCarrier{c: c})
	ctx, span := tracer.Start(parent, string(c.method)+" "+string(c.url),
		trace.WithSpanKind(trace.SpanKindServer))
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.method", string(c.method)),
			attribute.String("http.target", string(c.url)),
			attribute.String("http.flavor", string(c.version)),
			attribute.String("net.peer.addr", c.addr.String()),
		)
		if host, ok := c.headers.lookup(KindHeader, "Host"); ok {
			span.SetAttributes(attribute.String("http.host", string(host)))
		}
	}
	c.ctx = ctx
	c.span = span
}

// endSpan closes the request span with its outcome.
func (c *Connection) endSpan(code TerminationCode) {
	span := c.span
	if span == nil {
		return
	}
	c.span = nil
	span.SetAttributes(
		attribute.Int("http.status_code", c.status),
		attribute.String("ember.termination", code.String()),
		attribute.Int64("http.response_content_length", c.sentBytes),
	)
	switch {
	case code != TerminatedCompletedOK:
		span.SetStatus(codes.Error, code.String())
	case c.status >= 500:
		span.SetStatus(codes.Error, "HTTP error")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// requestCarrier exposes received headers to propagation.TextMapCarrier.
type requestCarrier struct {
	c *Connection
}

func (rc requestCarrier) Get(key string) string {
	v, _ := rc.c.headers.lookup(KindHeader, key)
	return string(v)
}

// Set is a no-op; received headers are read-only.
func (rc requestCarrier) Set(string, string) {}

func (rc requestCarrier) Keys() []string {
	keys := make([]string, 0, rc.c.headers.len())
	rc.c.headers.iterate(KindHeader, func(_ Kind, k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	return keys
}
