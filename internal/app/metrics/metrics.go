package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the router-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "extension_router",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extension_router",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "extension_router",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extension_router",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Total number of dispatched extension calls.",
		},
		[]string{"extension", "status"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "extension_router",
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Duration of dispatched extension calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"extension"},
	)

	authorizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extension_router",
			Subsystem: "authorizer",
			Name:      "requests_total",
			Help:      "Total number of signed-request authorization attempts.",
		},
		[]string{"action", "result"},
	)

	registryMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extension_router",
			Subsystem: "registry",
			Name:      "mutations_total",
			Help:      "Total number of extension registry mutations.",
		},
		[]string{"op", "status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		dispatches,
		dispatchDuration,
		authorizations,
		registryMutations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordDispatch records metrics for one dispatched call.
func RecordDispatch(extensionName string, duration time.Duration, err error) {
	if extensionName == "" {
		extensionName = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	dispatches.WithLabelValues(extensionName, status).Inc()
	dispatchDuration.WithLabelValues(extensionName).Observe(duration.Seconds())
}

// RecordAuthorization records the outcome of one authorization attempt.
// Result is "ok" or the short reason it was rejected.
func RecordAuthorization(action, result string) {
	if action == "" {
		action = "unknown"
	}
	authorizations.WithLabelValues(action, result).Inc()
}

// RecordRegistryMutation records one add/update/remove against the registry.
func RecordRegistryMutation(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	registryMutations.WithLabelValues(op, status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "extensions", "signers", "rewards":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		return "/" + parts[0] + "/:id"
	default:
		return "/" + parts[0]
	}
}
