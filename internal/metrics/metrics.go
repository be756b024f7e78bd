// Package metrics registers the Prometheus collectors of the service:
// HTTP request metrics and object store business metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbox_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Object store metrics, updated from the store.
var (
	// ObjectsStored counts finalized uploads.
	ObjectsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridbox_objects_stored_total",
		Help: "Total number of objects successfully stored.",
	})

	// BytesWritten counts payload bytes accepted by write streams.
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridbox_bytes_written_total",
		Help: "Total payload bytes written as chunks.",
	})

	// BytesRead counts payload bytes produced by read streams.
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridbox_bytes_read_total",
		Help: "Total payload bytes streamed to readers.",
	})

	// Operations counts store operations by name and result.
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_operations_total",
			Help: "Total number of object store operations.",
		},
		[]string{"operation", "result"},
	)

	// CacheRequests counts metadata cache lookups by result (hit, miss, error).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_cache_requests_total",
			Help: "Total number of metadata cache lookups.",
		},
		[]string{"result"},
	)
)

// Result labels for Operations.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// ObserveOperation increments Operations for op with a result derived from err.
func ObserveOperation(op string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	Operations.WithLabelValues(op, result).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency per route template, so path
// parameters such as filenames do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streamed responses are not held back.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
