package ember

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_connections_accepted_total",
			Help: "Total number of accepted connections",
		},
	)

	connectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_connections_rejected_total",
			Help: "Total number of refused connections by reason",
		},
		[]string{"reason"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_connections_active",
			Help: "Current number of open connections",
		},
	)

	requestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_requests_completed_total",
			Help: "Total number of finished requests by termination reason",
		},
		[]string{"termination"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ember_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	responseBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_response_bytes_total",
			Help: "Total number of bytes written to clients",
		},
	)
)

// Rejection reasons.
const (
	rejectLimit  = "limit"
	rejectPerIP  = "per_ip"
	rejectPolicy = "policy"
	rejectFDSet  = "fd_set"
	rejectThread = "thread"
)

// daemonMetrics records into the package collectors. A nil value records
// nothing.
type daemonMetrics struct{}

func newDaemonMetrics(disabled bool) *daemonMetrics {
	if disabled {
		return nil
	}
	return &daemonMetrics{}
}

func (m *daemonMetrics) accepted() {
	if m == nil {
		return
	}
	connectionsAccepted.Inc()
	connectionsActive.Inc()
}

func (m *daemonMetrics) rejected(reason string) {
	if m == nil {
		return
	}
	connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *daemonMetrics) released() {
	if m == nil {
		return
	}
	connectionsActive.Dec()
}

func (m *daemonMetrics) requestCompleted(c *Connection, code TerminationCode) {
	if m == nil {
		return
	}
	requestsCompleted.WithLabelValues(code.String()).Inc()
	if !c.started.IsZero() {
		requestDuration.WithLabelValues(string(c.method), strconv.Itoa(c.status)).
			Observe(time.Since(c.started).Seconds())
	}
	if c.sentBytes > 0 {
		responseBytes.Add(float64(c.sentBytes))
	}
}
