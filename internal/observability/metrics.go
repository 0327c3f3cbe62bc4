package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inkwell",
			Subsystem: "session",
			Name:      "active",
			Help:      "Authenticated connections currently in the session registry.",
		},
	)
	authResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "session",
			Name:      "auth_total",
			Help:      "Connection authentication attempts by result.",
		},
		[]string{"result"},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "protocol",
			Name:      "packets_received_total",
			Help:      "Packets dispatched to a handler, by packet type.",
		},
		[]string{"opcode"},
	)
	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inkwell",
			Subsystem: "protocol",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time by packet type and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"opcode", "success"},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Receive loops ended, by reason.",
		},
		[]string{"reason"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served by the admin HTTP endpoint.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inkwell",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			activeSessions, authResults, packetsReceived, handlerDuration, connectionsClosed,
			httpRequests, httpDuration,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed(reason string) {
	RegisterMetrics()
	activeSessions.Dec()
	connectionsClosed.WithLabelValues(reason).Inc()
}

func RecordAuth(result string) {
	RegisterMetrics()
	authResults.WithLabelValues(result).Inc()
}

func RecordHandler(opcode string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := "false"
	if success {
		successLabel = "true"
	}
	packetsReceived.WithLabelValues(opcode).Inc()
	handlerDuration.WithLabelValues(opcode, successLabel).Observe(duration.Seconds())
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}
